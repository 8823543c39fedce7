package mixnet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	// KeySize is the size of each key that makes up a Nym address.
	KeySize = 32
	// RecipientSize is the binary size of a Recipient.
	RecipientSize = 3 * KeySize
)

var errInvalidRecipient = errors.New("invalid recipient")

// Recipient is a Nym client address: the client's identity and encryption
// keys plus the identity of the gateway it is attached to.
type Recipient struct {
	ClientIdentity      [KeySize]byte
	ClientEncryptionKey [KeySize]byte
	Gateway             [KeySize]byte
}

// ParseRecipient parses the textual form "identity.encryption@gateway",
// each part base58 encoded.
func ParseRecipient(s string) (Recipient, error) {
	var r Recipient

	client, gateway, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return r, fmt.Errorf("%w: missing gateway in %q", errInvalidRecipient, s)
	}
	identity, encryption, ok := strings.Cut(client, ".")
	if !ok {
		return r, fmt.Errorf("%w: missing encryption key in %q", errInvalidRecipient, s)
	}

	parts := []struct {
		name string
		src  string
		dst  *[KeySize]byte
	}{
		{"client identity", identity, &r.ClientIdentity},
		{"client encryption key", encryption, &r.ClientEncryptionKey},
		{"gateway identity", gateway, &r.Gateway},
	}
	for _, p := range parts {
		b, err := base58.Decode(p.src)
		if err != nil {
			return r, fmt.Errorf("%w: %s: %w", errInvalidRecipient, p.name, err)
		}
		if len(b) != KeySize {
			return r, fmt.Errorf("%w: %s has %d bytes", errInvalidRecipient, p.name, len(b))
		}
		copy(p.dst[:], b)
	}
	return r, nil
}

// RecipientFromBytes decodes the binary form produced by Bytes.
func RecipientFromBytes(b []byte) (Recipient, error) {
	var r Recipient
	if len(b) != RecipientSize {
		return r, fmt.Errorf("%w: %d bytes", errInvalidRecipient, len(b))
	}
	copy(r.ClientIdentity[:], b[:KeySize])
	copy(r.ClientEncryptionKey[:], b[KeySize:2*KeySize])
	copy(r.Gateway[:], b[2*KeySize:])
	return r, nil
}

// Bytes returns the 96 byte binary form.
func (r Recipient) Bytes() []byte {
	out := make([]byte, 0, RecipientSize)
	out = append(out, r.ClientIdentity[:]...)
	out = append(out, r.ClientEncryptionKey[:]...)
	return append(out, r.Gateway[:]...)
}

func (r Recipient) String() string {
	return base58.Encode(r.ClientIdentity[:]) + "." +
		base58.Encode(r.ClientEncryptionKey[:]) + "@" +
		base58.Encode(r.Gateway[:])
}

// IsZero reports whether r is the zero address.
func (r Recipient) IsZero() bool {
	return r == Recipient{}
}
