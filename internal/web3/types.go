package web3

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot summarizes the network state reported by /health.
type ChainSnapshot struct {
	Chain       string `json:"chain,omitempty"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// TaskCompletion is the reputation record sent after an agent finishes a step.
type TaskCompletion struct {
	Agent   common.Address
	Success bool
	Latency time.Duration
	// TaskHash is the keccak digest of the step input, kept for log correlation.
	TaskHash string
}

// Client is implemented by every chain backend the orchestrator can report to.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	RecordTaskCompletion(ctx context.Context, rec TaskCompletion) (common.Hash, error)
	Close()
}
