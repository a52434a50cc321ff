package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the reputation
// contract deployed on it.
type ChainDefinition struct {
	Type               string `yaml:"type"`
	RPCURL             string `yaml:"rpc_url"`
	Description        string `yaml:"description"`
	ReputationContract string `yaml:"reputation_contract"`
	GasLimit           uint64 `yaml:"gas_limit"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata. An
// empty path yields an empty set.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if strings.TrimSpace(def.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if def.ReputationContract != "" {
			addr, err := NormalizeWallet(def.ReputationContract)
			if err != nil {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的信誉合约地址无效: %w", name, err)
			}
			def.ReputationContract = addr
			defs.Chains[name] = def
		}
	}
	return defs, nil
}
