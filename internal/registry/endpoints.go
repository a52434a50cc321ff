package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"MAHA-Orchestrator/internal/agent"
)

// EndpointFile 对应 agents.yaml 的结构。
//
//	agents:
//	  - url: http://localhost:7029
//	  - url: http://localhost:7030
type EndpointFile struct {
	Agents []Endpoint `yaml:"agents"`
}

// Endpoint 描述一个种子 Agent 地址。
type Endpoint struct {
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled"`
}

// LoadEndpoints 读取 YAML 种子文件，返回启用的 Agent 地址。path 为空时返回 nil。
func LoadEndpoints(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 Agent 列表失败: %w", err)
	}
	var file EndpointFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析 Agent 列表失败: %w", err)
	}
	urls := make([]string, 0, len(file.Agents))
	for i, ep := range file.Agents {
		if ep.Disabled {
			continue
		}
		url := agent.NormalizeURL(ep.URL)
		if url == "" {
			return nil, fmt.Errorf("第 %d 个 Agent 缺少 url", i+1)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// MergeEndpoints 合并多个来源的地址，按首次出现的顺序去重。
func MergeEndpoints(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, raw := range list {
			url := agent.NormalizeURL(raw)
			if url == "" {
				continue
			}
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			out = append(out, url)
		}
	}
	return out
}
