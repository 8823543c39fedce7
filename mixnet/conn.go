package mixnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// DefaultEndpoint is the websocket address of a locally running Nym client.
const DefaultEndpoint = "ws://localhost:1977"

var (
	// ErrConnection is returned when the Nym client cannot be reached.
	ErrConnection = errors.New("mixnet connection failed")
	// ErrSend is returned when a request cannot be written.
	ErrSend = errors.New("mixnet send failed")
	// ErrClosed is returned once the connection has terminated.
	ErrClosed = errors.New("mixnet connection closed")
	// ErrClose is returned when closing fails with an unexpected transport error.
	ErrClose = errors.New("mixnet close failed")
)

// Transport is a duplex channel to a Nym client.
type Transport interface {
	// Send writes one request.
	Send(ctx context.Context, req ClientRequest) error
	// Receive blocks until one response arrives. It returns an error wrapping
	// ErrParse for frames that cannot be decoded and ErrClosed once the
	// connection is gone.
	Receive(ctx context.Context) (ServerResponse, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens a Transport to the Nym client at endpoint.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// WebsocketDialer returns a Dialer that opens websocket connections with cfg.
func WebsocketDialer(cfg *Config) Dialer {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		return Dial(ctx, endpoint, cfg)
	}
}

// Config tunes a websocket connection.
type Config struct {
	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// PingInterval is the keepalive period. Zero disables keepalive.
	PingInterval time.Duration
	// PongWait is how long the connection may stay silent before it is
	// reported closed. Must exceed PingInterval.
	PongWait time.Duration
	// TextFrames sends requests in the JSON text protocol instead of binary.
	TextFrames bool
	Log        *slog.Logger
}

// DefaultConfig returns the settings used when Dial is given a nil config.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         90 * time.Second,
	}
}

// Conn is a websocket connection to a Nym client.
type Conn struct {
	ws  *websocket.Conn
	cfg *Config
	log *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

var _ Transport = (*Conn)(nil)

// Dial connects to the Nym client at endpoint. It does not retry.
func Dial(ctx context.Context, endpoint string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: handshake status %d: %w", ErrConnection, endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, endpoint, err)
	}

	c := &Conn{
		ws:   ws,
		cfg:  cfg,
		log:  log.With("endpoint", endpoint),
		done: make(chan struct{}),
	}

	if cfg.PingInterval > 0 && cfg.PongWait > 0 {
		if err := ws.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
			ws.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, endpoint, err)
		}
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
		go c.keepalive()
	}

	return c, nil
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("keepalive ping failed", "err", err)
				return
			}
		}
	}
}

// Send writes req as a single frame.
func (c *Conn) Send(ctx context.Context, req ClientRequest) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", ErrSend, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	frameType := websocket.BinaryMessage
	encode := EncodeRequest
	if c.cfg.TextFrames {
		frameType = websocket.TextMessage
		encode = EncodeRequestText
	}
	data, err := encode(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(c.writeDeadline(ctx)); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	if err := c.ws.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

func (c *Conn) writeDeadline(ctx context.Context) time.Time {
	var deadline time.Time
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

// Receive reads the next response. Cancelling ctx unblocks the read, after
// which the connection can no longer be read from.
func (c *Conn) Receive(ctx context.Context) (ServerResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	stop := context.AfterFunc(ctx, func() {
		if err := c.ws.SetReadDeadline(time.Now()); err != nil {
			c.log.Debug("failed to interrupt read", "err", err)
		}
	})
	frameType, data, err := c.ws.ReadMessage()
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrClosed, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}

	if c.cfg.PingInterval > 0 && c.cfg.PongWait > 0 {
		// A failure here surfaces on the next read.
		if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.log.Debug("failed to extend read deadline", "err", err)
		}
	}

	return parseFrame(frameType, data)
}

// parseFrame decodes a transport frame into a response.
func parseFrame(frameType int, data []byte) (ServerResponse, error) {
	switch frameType {
	case websocket.BinaryMessage:
		resp, err := DecodeResponse(data)
		if err != nil {
			return nil, fmt.Errorf("binary frame: %w", err)
		}
		return resp, nil
	case websocket.TextMessage:
		resp, err := DecodeResponseText(data)
		if err != nil {
			return nil, fmt.Errorf("text frame: %w", err)
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: unsupported frame type %d", ErrParse, frameType)
	}
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err != nil && !isClosedError(err) {
			c.closeErr = fmt.Errorf("%w: %w", ErrClose, err)
		}
		if err := c.ws.Close(); err != nil && !isClosedError(err) && c.closeErr == nil {
			c.closeErr = fmt.Errorf("%w: %w", ErrClose, err)
		}
	})
	return c.closeErr
}

func isClosedError(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}
