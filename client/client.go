package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/noot/nym-ethtx/chain"
	"github.com/noot/nym-ethtx/codec"
	"github.com/noot/nym-ethtx/mixnet"
	"github.com/noot/nym-ethtx/network"
)

var (
	// ErrClientFailed is returned by every call after a sign or send failure.
	ErrClientFailed = errors.New("client failed")
	// ErrClientClosed is returned by Sign and Submit after Close.
	ErrClientClosed = errors.New("client closed")
)

// State is the lifecycle position of a Client.
type State int

const (
	Disconnected State = iota
	Connected
	Signed
	Submitted
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Signed:
		return "signed"
	case Submitted:
		return "submitted"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config describes where and how a Client relays transactions.
type Config struct {
	// Endpoint is the local Nym client websocket.
	Endpoint string
	// Recipient is the relay server's mixnet address.
	Recipient mixnet.Recipient
	// Network is the chain the relay should submit to. It is only carried
	// on the wire in tagged mode.
	Network network.Network
	Codec   codec.Codec

	Log *slog.Logger
	// Dial defaults to a websocket dialer with default settings.
	Dial mixnet.Dialer
}

// Client signs transactions and sends them to a relay server through the
// mixnet. A Client is not safe for concurrent use.
type Client struct {
	cfg       Config
	signer    chain.Signer
	transport mixnet.Transport
	log       *slog.Logger

	mu    sync.Mutex
	state State
	cause error
}

// New connects to the local Nym client. The returned Client is Connected.
func New(ctx context.Context, cfg Config, signer chain.Signer) (*Client, error) {
	if cfg.Recipient.IsZero() {
		return nil, errors.New("missing relay recipient")
	}
	if signer == nil {
		return nil, errors.New("missing signer")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = mixnet.DefaultEndpoint
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = mixnet.WebsocketDialer(&mixnet.Config{
			HandshakeTimeout: mixnet.DefaultConfig().HandshakeTimeout,
			WriteTimeout:     mixnet.DefaultConfig().WriteTimeout,
			Log:              cfg.Log,
		})
	}

	c := &Client{
		cfg:    cfg,
		signer: signer,
		log:    cfg.Log.With("component", "client", "network", cfg.Network, "codec", cfg.Codec.Mode),
		state:  Disconnected,
	}

	transport, err := cfg.Dial(ctx, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	c.transport = transport
	c.state = Connected
	c.log.Debug("connected to mixnet", "endpoint", cfg.Endpoint)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sign fills and signs draft.
func (c *Client) Sign(ctx context.Context, draft *chain.Draft) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	raw, err := c.signer.FillAndSign(ctx, draft)
	if err != nil {
		if !errors.Is(err, chain.ErrSigning) {
			err = fmt.Errorf("%w: %w", chain.ErrSigning, err)
		}
		c.fail(err)
		return nil, err
	}

	c.transition(Signed)
	return raw, nil
}

// Submit sends signedTx to the relay. It returns once the frame is written
// to the local Nym client; delivery is not acknowledged.
func (c *Client) Submit(ctx context.Context, signedTx []byte) error {
	if err := c.ready(); err != nil {
		return err
	}

	payload := c.cfg.Codec.Encode(signedTx, c.cfg.Network)
	err := c.transport.Send(ctx, &mixnet.SendRequest{
		Recipient:     c.cfg.Recipient,
		Message:       payload,
		WithReplySurb: false,
	})
	if err != nil {
		c.fail(err)
		return err
	}

	c.transition(Submitted)
	c.log.Info("submitted transaction to relay", "hash", codec.TxHash(signedTx), "recipient", c.cfg.Recipient)
	return nil
}

// Relay signs draft and submits it, returning the signed bytes.
func (c *Client) Relay(ctx context.Context, draft *chain.Draft) ([]byte, error) {
	raw, err := c.Sign(ctx, draft)
	if err != nil {
		return nil, err
	}
	if err := c.Submit(ctx, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Close releases the mixnet connection. It may be called more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	c.mu.Unlock()

	return c.transport.Close()
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return ErrClientClosed
	case Failed:
		return fmt.Errorf("%w: %w", ErrClientFailed, c.cause)
	}
	return nil
}

func (c *Client) transition(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		c.state = s
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		c.state = Failed
		c.cause = err
	}
	c.log.Error("client failed", "err", err)
}
