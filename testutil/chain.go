package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/noot/nym-ethtx/chain"
)

// DefaultChainID is the chain id reported by Chain.
const DefaultChainID = 1337

// Chain is a minimal Ethereum JSON-RPC node. It accepts raw transactions,
// "mines" them immediately and serves receipts for them. It answers the
// calls a signer needs to fill a transaction.
type Chain struct {
	server *httptest.Server
	rpc    *rpc.Server

	ChainID  *big.Int
	GasPrice *big.Int
	GasLimit uint64

	mu              sync.Mutex
	txs             map[common.Hash]*types.Transaction
	order           []common.Hash
	nonces          map[common.Address]uint64
	rejectAll       bool
	withholdReceipt bool
}

// NewChain starts a fake chain node that is shut down when the test ends.
func NewChain(t *testing.T) *Chain {
	t.Helper()

	c := &Chain{
		rpc:      rpc.NewServer(),
		ChainID:  big.NewInt(DefaultChainID),
		GasPrice: big.NewInt(1_000_000_000),
		GasLimit: 21000,
		txs:      make(map[common.Hash]*types.Transaction),
		nonces:   make(map[common.Address]uint64),
	}
	if err := c.rpc.RegisterName("eth", &ethAPI{chain: c}); err != nil {
		t.Fatalf("register eth api: %v", err)
	}
	c.server = httptest.NewServer(c.rpc)
	t.Cleanup(c.Close)
	return c
}

// Endpoint returns the HTTP RPC endpoint.
func (c *Chain) Endpoint() string {
	return c.server.URL
}

// RejectTransactions makes eth_sendRawTransaction fail.
func (c *Chain) RejectTransactions(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAll = reject
}

// WithholdReceipts makes eth_getTransactionReceipt return null.
func (c *Chain) WithholdReceipts(withhold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withholdReceipt = withhold
}

// Transactions returns accepted transactions in submission order.
func (c *Chain) Transactions() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.Transaction, 0, len(c.order))
	for _, h := range c.order {
		out = append(out, c.txs[h])
	}
	return out
}

// Close stops the node.
func (c *Chain) Close() {
	c.server.Close()
	c.rpc.Stop()
}

// NewKeySigner returns a signer with a fresh key that fills drafts from c.
func NewKeySigner(t *testing.T, c *Chain) *chain.KeySigner {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	eth, err := ethclient.Dial(c.Endpoint())
	require.NoError(t, err)
	t.Cleanup(eth.Close)

	signer, err := chain.NewKeySigner(key, eth, nil)
	require.NoError(t, err)
	return signer
}

// ethAPI is registered under the "eth" namespace.
type ethAPI struct {
	chain *Chain
}

func (api *ethAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(api.chain.ChainID)
}

func (api *ethAPI) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(api.chain.GasPrice)
}

func (api *ethAPI) GetTransactionCount(addr common.Address, block string) hexutil.Uint64 {
	api.chain.mu.Lock()
	defer api.chain.mu.Unlock()
	return hexutil.Uint64(api.chain.nonces[addr])
}

func (api *ethAPI) EstimateGas(args map[string]interface{}, block *json.RawMessage) hexutil.Uint64 {
	return hexutil.Uint64(api.chain.GasLimit)
}

func (api *ethAPI) SendRawTransaction(ctx context.Context, input hexutil.Bytes) (common.Hash, error) {
	c := api.chain

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return common.Hash{}, err
	}
	sender, err := types.Sender(types.LatestSignerForChainID(c.ChainID), tx)
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rejectAll {
		return common.Hash{}, errors.New("transaction rejected")
	}
	if _, ok := c.txs[tx.Hash()]; ok {
		return common.Hash{}, errors.New("already known")
	}
	if tx.Nonce() != c.nonces[sender] {
		return common.Hash{}, errors.New("invalid nonce")
	}

	c.nonces[sender]++
	c.txs[tx.Hash()] = tx
	c.order = append(c.order, tx.Hash())
	return tx.Hash(), nil
}

func (api *ethAPI) GetTransactionReceipt(hash common.Hash) *types.Receipt {
	c := api.chain

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.withholdReceipt {
		return nil
	}
	if _, ok := c.txs[hash]; !ok {
		return nil
	}

	index := 0
	for i, h := range c.order {
		if h == hash {
			index = i
		}
	}
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: c.GasLimit,
		GasUsed:           c.GasLimit,
		Logs:              []*types.Log{},
		TxHash:            hash,
		BlockNumber:       big.NewInt(int64(index + 1)),
		BlockHash:         common.BigToHash(big.NewInt(int64(index + 1))),
		TransactionIndex:  0,
	}
}
