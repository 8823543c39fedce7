package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/noot/nym-ethtx/network"
)

// SubmitterFactory opens a Submitter for an RPC endpoint.
type SubmitterFactory func(ctx context.Context, endpoint string) (Submitter, error)

// RPCFactory returns a factory producing RPCSubmitters.
func RPCFactory(pollInterval time.Duration) SubmitterFactory {
	return func(ctx context.Context, endpoint string) (Submitter, error) {
		return DialSubmitter(ctx, endpoint, pollInterval)
	}
}

// Pool lazily opens and caches one Submitter per network.
type Pool struct {
	registry *network.Registry
	open     SubmitterFactory

	mu         sync.Mutex
	submitters map[network.Network]Submitter
	closed     bool
}

// NewPool returns a pool resolving endpoints through registry.
func NewPool(registry *network.Registry, open SubmitterFactory) *Pool {
	return &Pool{
		registry:   registry,
		open:       open,
		submitters: make(map[network.Network]Submitter),
	}
}

// Get returns the cached submitter for n, opening it on first use. Failed
// opens are not cached. Get fails once the pool is closed.
func (p *Pool) Get(ctx context.Context, n network.Network) (Submitter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: submitter pool closed", ErrSubmission)
	}
	if s, ok := p.submitters[n]; ok {
		return s, nil
	}
	s, err := p.open(ctx, p.registry.Endpoint(n))
	if err != nil {
		return nil, err
	}
	p.submitters[n] = s
	return s, nil
}

// Close closes every open submitter.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for n, s := range p.submitters {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		delete(p.submitters, n)
	}
	return errors.Join(errs...)
}
