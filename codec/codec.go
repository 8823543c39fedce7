// Package codec frames signed transactions into relay payloads.
//
// A payload is the canonical binary encoding of a signed transaction,
// optionally prefixed with a one byte network tag:
//
//	Tagged: [tag] || signed_tx
//	Legacy: signed_tx
//
// A deployment uses exactly one mode. Decoding never guesses whether a
// leading byte is a tag.
package codec

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/noot/nym-ethtx/network"
	"golang.org/x/crypto/sha3"
)

// ErrMalformedPayload is returned for payloads that cannot carry a transaction.
var ErrMalformedPayload = errors.New("malformed payload")

// Mode selects whether payloads carry a network tag.
type Mode int

const (
	// Tagged payloads start with a network tag byte.
	Tagged Mode = iota
	// Legacy payloads are the bare transaction; the network is fixed.
	Legacy
)

func (m Mode) String() string {
	if m == Legacy {
		return "legacy"
	}
	return "tagged"
}

// minTaggedLen is one tag byte plus at least one transaction byte.
const minTaggedLen = 2

// Codec encodes and decodes relay payloads.
type Codec struct {
	Mode Mode
	// Default is the network of every payload in Legacy mode.
	Default network.Network
}

// NewTagged returns a codec for multi-network deployments.
func NewTagged() Codec {
	return Codec{Mode: Tagged, Default: network.Development}
}

// NewLegacy returns a codec that serves a single fixed network.
func NewLegacy(n network.Network) Codec {
	return Codec{Mode: Legacy, Default: n}
}

// Encode frames a signed transaction. The network is ignored in Legacy mode.
func (c Codec) Encode(signedTx []byte, n network.Network) []byte {
	if c.Mode == Legacy {
		out := make([]byte, len(signedTx))
		copy(out, signedTx)
		return out
	}
	out := make([]byte, 0, len(signedTx)+1)
	out = append(out, n.Tag())
	return append(out, signedTx...)
}

// Decode splits a payload into the raw transaction and its destination
// network. The returned slice does not alias payload.
func (c Codec) Decode(payload []byte) ([]byte, network.Network, error) {
	if len(payload) == 0 {
		return nil, c.Default, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if c.Mode == Legacy {
		raw := make([]byte, len(payload))
		copy(raw, payload)
		return raw, c.Default, nil
	}
	if len(payload) < minTaggedLen {
		return nil, c.Default, fmt.Errorf("%w: tagged payload of %d bytes", ErrMalformedPayload, len(payload))
	}
	raw := make([]byte, len(payload)-1)
	copy(raw, payload[1:])
	return raw, network.FromByte(payload[0]), nil
}

// TxHash returns the keccak256 hash of a raw transaction, which for a
// canonical encoding equals the transaction hash reported by the node.
func TxHash(raw []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// DecodeTransaction parses a raw transaction. The relay still submits the raw
// bytes; decoding only screens out payloads that are not transactions.
func DecodeTransaction(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return tx, nil
}
