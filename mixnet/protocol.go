package mixnet

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse is returned for frames that are not a valid client request or
// server response. It is never fatal for the connection.
var ErrParse = errors.New("failed to parse mixnet message")

// Binary request tags.
const (
	sendRequestTag        byte = 0x00
	replyRequestTag       byte = 0x01
	selfAddressRequestTag byte = 0x02
)

// Binary response tags.
const (
	receivedResponseTag    byte = 0x00
	selfAddressResponseTag byte = 0x01
	errorResponseTag       byte = 0x02
)

const lengthSize = 8

// ClientRequest is a message from a mixnet user to its local Nym client.
type ClientRequest interface {
	isClientRequest()
}

// SendRequest asks the Nym client to deliver Message to Recipient.
type SendRequest struct {
	Recipient     Recipient
	Message       []byte
	WithReplySurb bool
}

// SelfAddressRequest asks the Nym client for its own address.
type SelfAddressRequest struct{}

func (*SendRequest) isClientRequest()        {}
func (*SelfAddressRequest) isClientRequest() {}

// ServerResponse is a message from the local Nym client. The concrete types
// are Received, SelfAddress and ErrorResponse; there are no others.
type ServerResponse interface {
	isServerResponse()
}

// Received carries a message delivered through the mixnet.
type Received struct {
	Message   []byte
	ReplySurb []byte
}

// SelfAddress carries the Nym client's own address.
type SelfAddress struct {
	Address Recipient
}

// ErrorResponse is an error reported by the Nym client.
type ErrorResponse struct {
	Kind    ErrorKind
	Message string
}

func (*Received) isServerResponse()      {}
func (*SelfAddress) isServerResponse()   {}
func (*ErrorResponse) isServerResponse() {}

// ErrorKind classifies an ErrorResponse.
type ErrorKind byte

const (
	ErrorEmptyRequest     ErrorKind = 0x01
	ErrorTooShortRequest  ErrorKind = 0x02
	ErrorUnknownRequest   ErrorKind = 0x03
	ErrorMalformedRequest ErrorKind = 0x04
	ErrorOther            ErrorKind = 0xFF
)

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("mixnet client error (kind %#x): %s", byte(e.Kind), e.Message)
}

// EncodeRequest serializes a request in the binary protocol.
func EncodeRequest(req ClientRequest) ([]byte, error) {
	switch r := req.(type) {
	case *SendRequest:
		out := make([]byte, 0, 2+RecipientSize+lengthSize+len(r.Message))
		out = append(out, sendRequestTag, boolByte(r.WithReplySurb))
		out = append(out, r.Recipient.Bytes()...)
		out = binary.BigEndian.AppendUint64(out, uint64(len(r.Message)))
		return append(out, r.Message...), nil
	case *SelfAddressRequest:
		return []byte{selfAddressRequestTag}, nil
	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
}

// DecodeRequest parses a binary request.
func DecodeRequest(b []byte) (ClientRequest, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrParse)
	}
	switch b[0] {
	case sendRequestTag:
		d := decoder{buf: b[1:]}
		withSurb := d.flag()
		recipient := d.bytes(RecipientSize)
		message := d.lengthPrefixed()
		d.end()
		if d.err != nil {
			return nil, fmt.Errorf("send request: %w", d.err)
		}
		r, err := RecipientFromBytes(recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		return &SendRequest{Recipient: r, Message: message, WithReplySurb: withSurb}, nil
	case selfAddressRequestTag:
		if len(b) != 1 {
			return nil, fmt.Errorf("%w: self address request has %d trailing bytes", ErrParse, len(b)-1)
		}
		return &SelfAddressRequest{}, nil
	case replyRequestTag:
		return nil, fmt.Errorf("%w: reply requests are not supported", ErrParse)
	default:
		return nil, fmt.Errorf("%w: unknown request tag %#x", ErrParse, b[0])
	}
}

// EncodeResponse serializes a response in the binary protocol.
func EncodeResponse(resp ServerResponse) ([]byte, error) {
	switch r := resp.(type) {
	case *Received:
		out := []byte{receivedResponseTag, boolByte(r.ReplySurb != nil)}
		if r.ReplySurb != nil {
			out = binary.BigEndian.AppendUint64(out, uint64(len(r.ReplySurb)))
			out = append(out, r.ReplySurb...)
		}
		out = binary.BigEndian.AppendUint64(out, uint64(len(r.Message)))
		return append(out, r.Message...), nil
	case *SelfAddress:
		return append([]byte{selfAddressResponseTag}, r.Address.Bytes()...), nil
	case *ErrorResponse:
		out := []byte{errorResponseTag, byte(r.Kind)}
		out = binary.BigEndian.AppendUint64(out, uint64(len(r.Message)))
		return append(out, r.Message...), nil
	default:
		return nil, fmt.Errorf("unsupported response type %T", resp)
	}
}

// DecodeResponse parses a binary response.
func DecodeResponse(b []byte) (ServerResponse, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrParse)
	}
	d := decoder{buf: b[1:]}
	switch b[0] {
	case receivedResponseTag:
		var surb []byte
		if d.flag() {
			surb = d.lengthPrefixed()
		}
		message := d.lengthPrefixed()
		d.end()
		if d.err != nil {
			return nil, fmt.Errorf("received response: %w", d.err)
		}
		return &Received{Message: message, ReplySurb: surb}, nil
	case selfAddressResponseTag:
		addr := d.bytes(RecipientSize)
		d.end()
		if d.err != nil {
			return nil, fmt.Errorf("self address response: %w", d.err)
		}
		r, err := RecipientFromBytes(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		return &SelfAddress{Address: r}, nil
	case errorResponseTag:
		kind := d.bytes(1)
		message := d.lengthPrefixed()
		d.end()
		if d.err != nil {
			return nil, fmt.Errorf("error response: %w", d.err)
		}
		return &ErrorResponse{Kind: ErrorKind(kind[0]), Message: string(message)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown response tag %#x", ErrParse, b[0])
	}
}

// textMessage is the JSON form of every request and response.
type textMessage struct {
	Type          string  `json:"type"`
	Recipient     string  `json:"recipient,omitempty"`
	Address       string  `json:"address,omitempty"`
	Message       string  `json:"message,omitempty"`
	WithReplySurb *bool   `json:"withReplySurb,omitempty"`
	ReplySurb     *string `json:"replySurb,omitempty"`
}

// EncodeRequestText serializes a request in the JSON text protocol. Binary
// message bodies are base64 encoded.
func EncodeRequestText(req ClientRequest) ([]byte, error) {
	switch r := req.(type) {
	case *SendRequest:
		surb := r.WithReplySurb
		return json.Marshal(&textMessage{
			Type:          "send",
			Recipient:     r.Recipient.String(),
			Message:       base64.StdEncoding.EncodeToString(r.Message),
			WithReplySurb: &surb,
		})
	case *SelfAddressRequest:
		return json.Marshal(&textMessage{Type: "selfAddress"})
	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
}

// DecodeRequestText parses the payload of a text frame. JSON objects are read
// in the text protocol, anything else as the binary serialization.
func DecodeRequestText(b []byte) (ClientRequest, error) {
	if !isJSON(b) {
		return DecodeRequest(b)
	}
	var m textMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	switch m.Type {
	case "send":
		r, err := ParseRecipient(m.Recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		message, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			return nil, fmt.Errorf("%w: message body: %w", ErrParse, err)
		}
		return &SendRequest{Recipient: r, Message: message, WithReplySurb: m.WithReplySurb != nil && *m.WithReplySurb}, nil
	case "selfAddress":
		return &SelfAddressRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", ErrParse, m.Type)
	}
}

// EncodeResponseText serializes a response in the JSON text protocol.
func EncodeResponseText(resp ServerResponse) ([]byte, error) {
	switch r := resp.(type) {
	case *Received:
		m := &textMessage{Type: "received", Message: base64.StdEncoding.EncodeToString(r.Message)}
		if r.ReplySurb != nil {
			surb := base64.StdEncoding.EncodeToString(r.ReplySurb)
			m.ReplySurb = &surb
		}
		return json.Marshal(m)
	case *SelfAddress:
		return json.Marshal(&textMessage{Type: "selfAddress", Address: r.Address.String()})
	case *ErrorResponse:
		return json.Marshal(&textMessage{Type: "error", Message: r.Message})
	default:
		return nil, fmt.Errorf("unsupported response type %T", resp)
	}
}

// DecodeResponseText parses the payload of a text frame. JSON objects are
// read in the text protocol, anything else as the binary serialization.
func DecodeResponseText(b []byte) (ServerResponse, error) {
	if !isJSON(b) {
		return DecodeResponse(b)
	}
	var m textMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	switch m.Type {
	case "received":
		message, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			return nil, fmt.Errorf("%w: message body: %w", ErrParse, err)
		}
		var surb []byte
		if m.ReplySurb != nil {
			if surb, err = base64.StdEncoding.DecodeString(*m.ReplySurb); err != nil {
				return nil, fmt.Errorf("%w: reply surb: %w", ErrParse, err)
			}
		}
		return &Received{Message: message, ReplySurb: surb}, nil
	case "selfAddress":
		r, err := ParseRecipient(m.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		return &SelfAddress{Address: r}, nil
	case "error":
		return &ErrorResponse{Kind: ErrorOther, Message: m.Message}, nil
	default:
		return nil, fmt.Errorf("%w: unknown response type %q", ErrParse, m.Type)
	}
}

// decoder reads fields from a binary frame, recording the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrParse, n, len(d.buf))
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) flag() bool {
	b := d.bytes(1)
	if d.err != nil {
		return false
	}
	if b[0] > 1 {
		d.err = fmt.Errorf("%w: invalid flag %#x", ErrParse, b[0])
		return false
	}
	return b[0] == 1
}

func (d *decoder) lengthPrefixed() []byte {
	lb := d.bytes(lengthSize)
	if d.err != nil {
		return nil
	}
	n := binary.BigEndian.Uint64(lb)
	if n > uint64(len(d.buf)) {
		d.err = fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrParse, n, len(d.buf))
		return nil
	}
	return d.bytes(int(n))
}

// end fails the decode if bytes are left after the last field.
func (d *decoder) end() {
	if d.err == nil && len(d.buf) != 0 {
		d.err = fmt.Errorf("%w: %d trailing bytes", ErrParse, len(d.buf))
	}
}

// isJSON distinguishes the JSON text protocol from binary frames sent as
// text. Binary tags never reach '{'.
func isJSON(b []byte) bool {
	return len(b) > 0 && b[0] == '{'
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
