package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"MAHA-Orchestrator/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ReputationABI is the subset of the reputation contract the orchestrator calls.
const ReputationABI = `[{"type":"function","name":"recordTaskCompletion","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"},{"name":"success","type":"bool"},{"name":"latencyMs","type":"uint256"}],"outputs":[]}]`

const defaultGasLimit = 150_000

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name               string
	RPCURL             string
	Notes              string
	ReputationContract string
	// PrivateKeyHex signs reputation transactions. Without it the client is read-only.
	PrivateKeyHex string
	GasLimit      uint64
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	key       *ecdsa.PrivateKey
	gasLimit  uint64

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and prepares the reputation
// contract binding when one is configured.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		gasLimit:  cfg.GasLimit,
	}
	if c.gasLimit == 0 {
		c.gasLimit = defaultGasLimit
	}

	if addr := strings.TrimSpace(cfg.ReputationContract); addr != "" {
		if !common.IsHexAddress(addr) {
			rpcClient.Close()
			return nil, fmt.Errorf("信誉合约地址无效: %s", addr)
		}
		parsed, err := abi.JSON(strings.NewReader(ReputationABI))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析信誉合约 ABI 失败: %w", err)
		}
		c.contract = bind.NewBoundContract(common.HexToAddress(addr), parsed, eth, eth, eth)
	}

	if keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"); keyHex != "" {
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析签名私钥失败: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers chain id and latest block number.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// RecordTaskCompletion sends a recordTaskCompletion transaction to the
// reputation contract and returns its hash.
func (c *Client) RecordTaskCompletion(ctx context.Context, rec web3.TaskCompletion) (common.Hash, error) {
	if c == nil || c.eth == nil {
		return common.Hash{}, errors.New("未初始化的以太坊客户端")
	}
	if c.contract == nil {
		return common.Hash{}, errors.New("未配置信誉合约地址")
	}
	if c.key == nil {
		return common.Hash{}, errors.New("未配置签名私钥")
	}
	if rec.Agent == (common.Address{}) {
		return common.Hash{}, errors.New("agent 钱包地址为空")
	}

	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice
	auth.GasLimit = c.gasLimit

	latency := big.NewInt(rec.Latency.Milliseconds())
	tx, err := c.contract.Transact(auth, "recordTaskCompletion", rec.Agent, rec.Success, latency)
	if err != nil {
		return common.Hash{}, fmt.Errorf("发送信誉交易失败: %w", err)
	}
	return tx.Hash(), nil
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
