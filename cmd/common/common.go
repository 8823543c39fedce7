// Package common provides shared utilities for the relay binaries:
//
//   - YAML configuration with defaults and validation
//   - slog logger construction from a level name
//   - secp256k1 key file loading
//   - ether and gwei amount parsing
package common

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ParseLogLevel maps debug, info, warn and error to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger returns a text logger writing to stderr. Unknown levels fall
// back to info.
func NewLogger(level string) *slog.Logger {
	l, err := ParseLogLevel(level)
	if err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// LoadKey reads a hex-encoded secp256k1 private key. Surrounding whitespace
// and a 0x prefix are ignored.
func LoadKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	hexKey := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s: %w", path, err)
	}
	return key, nil
}

var (
	weiPerEther = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	weiPerGwei  = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(9), nil))
)

// ParseEther converts a decimal ether amount such as "0.5" to wei.
func ParseEther(s string) (*big.Int, error) {
	return parseUnits(s, weiPerEther)
}

// ParseGwei converts a decimal gwei amount to wei.
func ParseGwei(s string) (*big.Int, error) {
	return parseUnits(s, weiPerGwei)
}

func parseUnits(s string, unit *big.Rat) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	r.Mul(r, unit)
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q is finer than one wei", s)
	}
	return new(big.Int).Set(r.Num()), nil
}
