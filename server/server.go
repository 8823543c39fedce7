package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/atomic"

	"github.com/noot/nym-ethtx/chain"
	"github.com/noot/nym-ethtx/codec"
	"github.com/noot/nym-ethtx/mixnet"
	"github.com/noot/nym-ethtx/network"
)

const (
	DefaultSubmitTimeout  = 30 * time.Second
	DefaultReceiptTimeout = 2 * time.Minute
)

// SubmitterSource hands out the submitter for a network. *chain.Pool
// implements it.
type SubmitterSource interface {
	Get(ctx context.Context, n network.Network) (chain.Submitter, error)
}

// Config contains the relay server settings.
type Config struct {
	// Endpoint is the local Nym client websocket.
	Endpoint string
	// Codec decides how inbound payloads select their network.
	Codec codec.Codec

	// MaxInFlight bounds concurrent submissions. 1 processes messages
	// strictly in arrival order.
	MaxInFlight int
	// SubmitTimeout bounds eth_sendRawTransaction.
	SubmitTimeout time.Duration
	// ReceiptTimeout bounds the wait for inclusion.
	ReceiptTimeout time.Duration

	Log *slog.Logger
	// OnResult, if set, is called once for every inbound transaction after
	// it has been handled.
	OnResult func(Result)
}

// Result is the outcome of relaying one inbound message.
type Result struct {
	Network network.Network
	// Hash is the keccak256 of the raw transaction, zero if the payload
	// could not be decoded.
	Hash    common.Hash
	Receipt *types.Receipt
	Err     error
}

// Server receives transactions from the mixnet and submits them to the
// destination chain.
type Server struct {
	cfg       Config
	transport mixnet.Transport
	source    SubmitterSource
	log       *slog.Logger

	mu      sync.RWMutex
	address mixnet.Recipient

	inflight sync.WaitGroup
	sem      chan struct{}
	running  atomic.Bool

	// lifecycle orders loop registration in Run against Close.
	lifecycle sync.Mutex
	closing   atomic.Bool
	loops     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	stats counters
}

type counters struct {
	received  atomic.Uint64
	submitted atomic.Uint64
	included  atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
}

// Start connects to the Nym client and requests the relay's own address.
// The address arrives asynchronously once Run is called.
func Start(ctx context.Context, cfg Config, dial mixnet.Dialer, source SubmitterSource) (*Server, error) {
	if dial == nil {
		return nil, errors.New("missing mixnet dialer")
	}
	if source == nil {
		return nil, errors.New("missing submitter source")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = mixnet.DefaultEndpoint
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		source: source,
		log:    cfg.Log.With("component", "relay", "codec", cfg.Codec.Mode),
	}
	if cfg.MaxInFlight > 1 {
		s.sem = make(chan struct{}, cfg.MaxInFlight)
	}

	transport, err := dial(ctx, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	s.transport = transport

	if err := transport.Send(ctx, &mixnet.SelfAddressRequest{}); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to request self address: %w", err)
	}

	if cfg.Codec.Mode == codec.Legacy {
		if _, err := source.Get(ctx, cfg.Codec.Default); err != nil {
			s.log.Warn("could not open default network submitter", "network", cfg.Codec.Default, "err", err)
		}
	}

	s.log.Info("relay server started", "endpoint", cfg.Endpoint, "maxInFlight", cfg.MaxInFlight)
	return s, nil
}

// Address returns the relay's mixnet address once the Nym client has
// reported it.
func (s *Server) Address() (mixnet.Recipient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, !s.address.IsZero()
}

// Run processes inbound frames until the connection closes or ctx is done.
// Per-message failures are logged and never end the loop. Frames received
// after Close has started are dropped.
func (s *Server) Run(ctx context.Context) error {
	s.lifecycle.Lock()
	if s.closing.Load() {
		s.lifecycle.Unlock()
		return mixnet.ErrClosed
	}
	s.loops.Add(1)
	s.lifecycle.Unlock()
	defer s.loops.Done()

	s.running.Store(true)
	defer s.running.Store(false)

	for {
		resp, err := s.transport.Receive(ctx)
		if s.closing.Load() {
			if resp != nil {
				s.log.Debug("dropping frame received while closing", "type", fmt.Sprintf("%T", resp))
			}
			return mixnet.ErrClosed
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, mixnet.ErrParse) {
				s.stats.malformed.Inc()
				s.log.Warn("skipping unparseable mixnet frame", "err", err)
				continue
			}
			s.log.Error("mixnet connection lost", "err", err)
			return err
		}
		s.dispatch(ctx, resp)
	}
}

func (s *Server) dispatch(ctx context.Context, resp mixnet.ServerResponse) {
	switch r := resp.(type) {
	case *mixnet.SelfAddress:
		s.mu.Lock()
		s.address = r.Address
		s.mu.Unlock()
		s.log.Info("relay mixnet address", "address", r.Address)
	case *mixnet.ErrorResponse:
		s.log.Error("mixnet client reported error", "kind", r.Kind, "message", r.Message)
	case *mixnet.Received:
		s.handle(ctx, r.Message)
	default:
		s.log.Error("unhandled mixnet response", "type", fmt.Sprintf("%T", resp))
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) {
	s.stats.received.Inc()

	raw, n, err := s.cfg.Codec.Decode(payload)
	var tx *types.Transaction
	if err == nil {
		tx, err = codec.DecodeTransaction(raw)
	}
	if err != nil {
		s.stats.malformed.Inc()
		s.log.Warn("skipping malformed payload", "size", len(payload), "err", err)
		s.report(Result{Network: n, Err: err})
		return
	}
	s.log.Debug("received transaction", "network", n, "hash", tx.Hash(), "to", tx.To(), "value", tx.Value())

	if s.sem == nil {
		s.process(ctx, raw, n)
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.report(Result{Network: n, Hash: codec.TxHash(raw), Err: ctx.Err()})
		return
	}
	s.inflight.Add(1)
	go func() {
		defer func() {
			<-s.sem
			s.inflight.Done()
		}()
		s.process(ctx, raw, n)
	}()
}

func (s *Server) process(ctx context.Context, raw []byte, n network.Network) {
	hash := codec.TxHash(raw)
	log := s.log.With("network", n, "hash", hash)

	receipt, err := s.submit(ctx, raw, n)
	if err != nil {
		s.stats.failed.Inc()
		log.Warn("failed to relay transaction", "err", err)
		s.report(Result{Network: n, Hash: hash, Err: err})
		return
	}

	s.stats.included.Inc()
	log.Info("transaction included", "block", receipt.BlockNumber, "status", receipt.Status, "gasUsed", receipt.GasUsed)
	s.report(Result{Network: n, Hash: hash, Receipt: receipt})
}

func (s *Server) submit(ctx context.Context, raw []byte, n network.Network) (*types.Receipt, error) {
	submitter, err := s.source.Get(ctx, n)
	if err != nil {
		if !errors.Is(err, chain.ErrSubmission) {
			err = fmt.Errorf("%w: %w", chain.ErrSubmission, err)
		}
		return nil, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	pending, err := submitter.SubmitRaw(submitCtx, raw)
	cancel()
	if err != nil {
		if !errors.Is(err, chain.ErrSubmission) {
			err = fmt.Errorf("%w: %w", chain.ErrSubmission, err)
		}
		return nil, err
	}
	s.stats.submitted.Inc()
	s.log.Debug("transaction submitted", "network", n, "hash", pending.Hash())

	receiptCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := pending.Wait(receiptCtx)
	if err != nil {
		if !errors.Is(err, chain.ErrNoReceipt) {
			err = fmt.Errorf("%w: %w", chain.ErrNoReceipt, err)
		}
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrNoReceipt, pending.Hash())
	}
	return receipt, nil
}

func (s *Server) report(r Result) {
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(r)
	}
}

// Close closes the mixnet connection, waits for Run to return and for
// in-flight submissions to finish, then releases the submitter source if it
// is closable.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.lifecycle.Lock()
		s.closing.Store(true)
		s.lifecycle.Unlock()

		err := s.transport.Close()
		// Run adds to inflight, so it must be gone before inflight.Wait.
		s.loops.Wait()
		s.inflight.Wait()
		if c, ok := s.source.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
		s.closeErr = err
	})
	return s.closeErr
}

// Stats is a snapshot of the relay counters.
type Stats struct {
	Running   bool   `json:"running"`
	Received  uint64 `json:"received"`
	Submitted uint64 `json:"submitted"`
	Included  uint64 `json:"included"`
	Malformed uint64 `json:"malformed"`
	Failed    uint64 `json:"failed"`
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Running:   s.running.Load(),
		Received:  s.stats.received.Load(),
		Submitted: s.stats.submitted.Load(),
		Included:  s.stats.included.Load(),
		Malformed: s.stats.malformed.Load(),
		Failed:    s.stats.failed.Load(),
	}
}
