// Package network maps logical Ethereum networks to RPC endpoints and to the
// single-byte tag that selects them on the relay wire.
package network

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownNetwork is returned when a network name is not recognized.
var ErrUnknownNetwork = errors.New("unknown network")

// Network identifies a destination Ethereum network.
type Network uint8

const (
	Development Network = iota
	Mainnet
	Goerli
)

// Wire tags. Any byte not listed here decodes to Development, which keeps
// peers that only emit a partial tag set interoperable.
const (
	TagReserved    byte = 0x00
	TagMainnet     byte = 0x01
	TagGoerli      byte = 0x05
	TagDevelopment byte = 0xFF
)

// All lists every supported network.
var All = []Network{Mainnet, Goerli, Development}

// ParseNetwork resolves a network by name. Matching is case-insensitive and
// strict: unrecognized names fail with ErrUnknownNetwork.
func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mainnet":
		return Mainnet, nil
	case "goerli", "testnet":
		return Goerli, nil
	case "development", "dev":
		return Development, nil
	}
	return Development, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}

// FromByte resolves a network from its wire tag. It never fails.
func FromByte(b byte) Network {
	switch b {
	case TagMainnet:
		return Mainnet
	case TagGoerli:
		return Goerli
	default:
		return Development
	}
}

// Tag returns the wire byte for the network.
func (n Network) Tag() byte {
	switch n {
	case Mainnet:
		return TagMainnet
	case Goerli:
		return TagGoerli
	default:
		return TagDevelopment
	}
}

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Goerli:
		return "goerli"
	default:
		return "development"
	}
}

// MarshalYAML encodes the network by name.
func (n Network) MarshalYAML() (interface{}, error) {
	return n.String(), nil
}

// UnmarshalYAML decodes a network name.
func (n *Network) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseNetwork(name)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
