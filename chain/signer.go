package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSigning is returned when a draft cannot be filled or signed.
var ErrSigning = errors.New("failed to sign transaction")

// Draft is a transaction to be filled and signed. Zero values are filled
// from the node.
type Draft struct {
	// To is nil for contract creation.
	To       *common.Address
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Data     []byte
}

// Signer fills a draft and returns the canonical signed encoding.
type Signer interface {
	FillAndSign(ctx context.Context, draft *Draft) ([]byte, error)
}

// Filler supplies the chain state needed to complete a draft.
// *ethclient.Client implements it.
type Filler interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// KeySigner signs legacy EIP-155 transactions with a local secp256k1 key.
type KeySigner struct {
	key    *ecdsa.PrivateKey
	from   common.Address
	filler Filler
	log    *slog.Logger
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner returns a signer for key that fills drafts through filler.
func NewKeySigner(key *ecdsa.PrivateKey, filler Filler, log *slog.Logger) (*KeySigner, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrSigning)
	}
	if filler == nil {
		return nil, fmt.Errorf("%w: nil filler", ErrSigning)
	}
	if log == nil {
		log = slog.Default()
	}
	return &KeySigner{
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		filler: filler,
		log:    log,
	}, nil
}

// Address returns the sender address.
func (s *KeySigner) Address() common.Address {
	return s.from
}

// FillAndSign completes the draft from the node and signs it.
func (s *KeySigner) FillAndSign(ctx context.Context, draft *Draft) ([]byte, error) {
	if draft == nil {
		draft = &Draft{}
	}

	chainID, err := s.filler.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %w", ErrSigning, err)
	}

	nonce, err := s.filler.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrSigning, err)
	}

	gasPrice := draft.GasPrice
	if gasPrice == nil {
		if gasPrice, err = s.filler.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("%w: gas price: %w", ErrSigning, err)
		}
	}

	value := draft.Value
	if value == nil {
		value = new(big.Int)
	}

	gas := draft.Gas
	if gas == 0 {
		gas, err = s.filler.EstimateGas(ctx, ethereum.CallMsg{
			From:     s.from,
			To:       draft.To,
			GasPrice: gasPrice,
			Value:    value,
			Data:     draft.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: gas estimate: %w", ErrSigning, err)
		}
	}

	tx, err := types.SignNewTx(s.key, types.LatestSignerForChainID(chainID), &types.LegacyTx{
		Nonce:    nonce,
		To:       draft.To,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     draft.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrSigning, err)
	}

	s.log.Info("signed transaction", "hash", tx.Hash(), "nonce", nonce, "chainID", chainID)
	return raw, nil
}
