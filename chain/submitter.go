package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrSubmission is returned when the node does not accept a transaction.
	ErrSubmission = errors.New("failed to submit transaction")
	// ErrNoReceipt is returned when an accepted transaction yields no receipt.
	ErrNoReceipt = errors.New("did not receive transaction receipt")
)

// DefaultPollInterval is how often a pending transaction polls for its receipt.
const DefaultPollInterval = time.Second

// Pending is a submitted transaction awaiting inclusion.
type Pending interface {
	Hash() common.Hash
	// Wait blocks until the receipt is available or ctx is done.
	Wait(ctx context.Context) (*types.Receipt, error)
}

// Submitter broadcasts raw signed transactions.
type Submitter interface {
	SubmitRaw(ctx context.Context, raw []byte) (Pending, error)
}

// RPCSubmitter submits through eth_sendRawTransaction and polls
// eth_getTransactionReceipt.
type RPCSubmitter struct {
	rpc          *rpc.Client
	eth          *ethclient.Client
	pollInterval time.Duration
}

var _ Submitter = (*RPCSubmitter)(nil)

// DialSubmitter connects to the JSON-RPC endpoint. For HTTP endpoints no
// request is made until the first submission.
func DialSubmitter(ctx context.Context, endpoint string, pollInterval time.Duration) (*RPCSubmitter, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrSubmission, endpoint, err)
	}
	return NewRPCSubmitter(client, pollInterval), nil
}

// NewRPCSubmitter wraps an existing RPC client.
func NewRPCSubmitter(client *rpc.Client, pollInterval time.Duration) *RPCSubmitter {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &RPCSubmitter{
		rpc:          client,
		eth:          ethclient.NewClient(client),
		pollInterval: pollInterval,
	}
}

// SubmitRaw sends raw to the node.
func (s *RPCSubmitter) SubmitRaw(ctx context.Context, raw []byte) (Pending, error) {
	var hash common.Hash
	if err := s.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	return &pendingTx{hash: hash, eth: s.eth, pollInterval: s.pollInterval}, nil
}

// Close releases the RPC client.
func (s *RPCSubmitter) Close() error {
	s.rpc.Close()
	return nil
}

type pendingTx struct {
	hash         common.Hash
	eth          *ethclient.Client
	pollInterval time.Duration
}

func (p *pendingTx) Hash() common.Hash {
	return p.hash
}

func (p *pendingTx) Wait(ctx context.Context) (*types.Receipt, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := p.eth.TransactionReceipt(ctx, p.hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s: %w (last error: %w)", ErrNoReceipt, p.hash, ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrNoReceipt, p.hash, ctx.Err())
		case <-ticker.C:
		}
	}
}
