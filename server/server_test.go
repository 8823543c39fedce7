package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noot/nym-ethtx/chain"
	"github.com/noot/nym-ethtx/client"
	"github.com/noot/nym-ethtx/codec"
	"github.com/noot/nym-ethtx/mixnet"
	"github.com/noot/nym-ethtx/network"
	"github.com/noot/nym-ethtx/server"
	"github.com/noot/nym-ethtx/testutil"
)

var to = common.HexToAddress("0x1EA7e1A0CF5BB4379A3fE1D064C4E2e04045DAFB")

type frame struct {
	resp mixnet.ServerResponse
	err  error
}

// frameTransport replays queued frames and reports ErrClosed once drained
// and closed.
type frameTransport struct {
	frames chan frame
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []mixnet.ClientRequest
}

func newFrameTransport(frames ...frame) *frameTransport {
	f := &frameTransport{
		frames: make(chan frame, len(frames)+16),
		done:   make(chan struct{}),
	}
	for _, fr := range frames {
		f.frames <- fr
	}
	return f
}

func (f *frameTransport) dialer() mixnet.Dialer {
	return func(context.Context, string) (mixnet.Transport, error) {
		return f, nil
	}
}

func (f *frameTransport) Send(_ context.Context, req mixnet.ClientRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *frameTransport) Receive(ctx context.Context) (mixnet.ServerResponse, error) {
	select {
	case fr := <-f.frames:
		return fr.resp, fr.err
	default:
	}
	select {
	case fr := <-f.frames:
		return fr.resp, fr.err
	case <-f.done:
		return nil, mixnet.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *frameTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

type fakePending struct {
	hash  common.Hash
	block chan struct{}
}

func (p *fakePending) Hash() common.Hash { return p.hash }

func (p *fakePending) Wait(ctx context.Context) (*types.Receipt, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: p.hash, BlockNumber: big.NewInt(1)}, nil
}

type fakeSource struct {
	block chan struct{}

	mu        sync.Mutex
	submitted [][]byte
	networks  []network.Network
	closed    bool
}

func (s *fakeSource) Get(_ context.Context, n network.Network) (chain.Submitter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks = append(s.networks, n)
	return s, nil
}

func (s *fakeSource) SubmitRaw(_ context.Context, raw []byte) (chain.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, raw)
	return &fakePending{hash: codec.TxHash(raw), block: s.block}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func signTx(t *testing.T, nonce uint64) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(testutil.DefaultChainID)), &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(100_000_000),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

type results struct {
	mu  sync.Mutex
	out []server.Result
}

func (r *results) add(res server.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, res)
}

func (r *results) get() []server.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]server.Result(nil), r.out...)
}

func TestStartRequestsSelfAddress(t *testing.T) {
	transport := newFrameTransport()
	srv, err := server.Start(context.Background(), server.Config{Codec: codec.NewTagged()}, transport.dialer(), &fakeSource{})
	require.NoError(t, err)
	defer srv.Close()

	require.Len(t, transport.sent, 1)
	assert.IsType(t, &mixnet.SelfAddressRequest{}, transport.sent[0])

	_, ok := srv.Address()
	assert.False(t, ok)
}

func TestRunSkipsMalformedFrame(t *testing.T) {
	first, third := signTx(t, 0), signTx(t, 1)
	tagged := codec.NewTagged()

	transport := newFrameTransport(
		frame{resp: &mixnet.Received{Message: tagged.Encode(first, network.Development)}},
		frame{resp: &mixnet.Received{Message: nil}},
		frame{resp: &mixnet.Received{Message: tagged.Encode(third, network.Mainnet)}},
	)
	source := &fakeSource{}
	var res results

	srv, err := server.Start(context.Background(), server.Config{
		Codec:    tagged,
		OnResult: res.add,
	}, transport.dialer(), source)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(res.get()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Close())
	require.ErrorIs(t, <-errc, mixnet.ErrClosed)

	out := res.get()
	require.NoError(t, out[0].Err)
	assert.Equal(t, codec.TxHash(first), out[0].Hash)
	require.ErrorIs(t, out[1].Err, codec.ErrMalformedPayload)
	require.NoError(t, out[2].Err)
	assert.Equal(t, codec.TxHash(third), out[2].Hash)
	assert.Equal(t, network.Mainnet, out[2].Network)

	assert.Equal(t, [][]byte{first, third}, source.submitted)
	assert.Equal(t, []network.Network{network.Development, network.Mainnet}, source.networks)
	assert.True(t, source.closed)

	stats := srv.Stats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(2), stats.Included)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.False(t, stats.Running)
}

func TestRunSkipsParseErrorsAndControlFrames(t *testing.T) {
	raw := signTx(t, 0)
	addr := testutil.RandomRecipient(t)

	transport := newFrameTransport(
		frame{err: mixnet.ErrParse},
		frame{resp: &mixnet.ErrorResponse{Kind: mixnet.ErrorOther, Message: "gateway unavailable"}},
		frame{resp: &mixnet.SelfAddress{Address: addr}},
		frame{resp: &mixnet.Received{Message: raw}},
	)
	var res results

	srv, err := server.Start(context.Background(), server.Config{
		Codec:    codec.NewLegacy(network.Goerli),
		OnResult: res.add,
	}, transport.dialer(), &fakeSource{})
	require.NoError(t, err)
	defer srv.Close()

	go srv.Run(context.Background())

	require.Eventually(t, func() bool { return len(res.get()) == 1 }, 5*time.Second, 10*time.Millisecond)
	out := res.get()
	require.NoError(t, out[0].Err)
	assert.Equal(t, network.Goerli, out[0].Network)

	got, ok := srv.Address()
	require.True(t, ok)
	assert.Equal(t, addr, got)
	assert.Equal(t, uint64(1), srv.Stats().Malformed)
}

func TestRunStopsOnCancel(t *testing.T) {
	transport := newFrameTransport()
	srv, err := server.Start(context.Background(), server.Config{}, transport.dialer(), &fakeSource{})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestCloseDrainsInFlight(t *testing.T) {
	tagged := codec.NewTagged()
	transport := newFrameTransport(
		frame{resp: &mixnet.Received{Message: tagged.Encode(signTx(t, 0), network.Development)}},
		frame{resp: &mixnet.Received{Message: tagged.Encode(signTx(t, 0), network.Development)}},
		frame{resp: &mixnet.Received{Message: tagged.Encode(signTx(t, 0), network.Development)}},
	)
	source := &fakeSource{block: make(chan struct{})}
	var res results

	srv, err := server.Start(context.Background(), server.Config{
		Codec:       tagged,
		MaxInFlight: 3,
		OnResult:    res.add,
	}, transport.dialer(), source)
	require.NoError(t, err)

	go srv.Run(context.Background())

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.submitted) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, res.get())

	closed := make(chan error, 1)
	go func() { closed <- srv.Close() }()

	select {
	case <-closed:
		t.Fatal("close returned before in-flight submissions finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(source.block)
	require.NoError(t, <-closed)
	assert.Len(t, res.get(), 3)
	assert.Equal(t, uint64(3), srv.Stats().Included)
}

// gatedTransport holds one frame back until release is closed, so the frame
// is handed to Run after Close has started.
type gatedTransport struct {
	resp    mixnet.ServerResponse
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (g *gatedTransport) Send(context.Context, mixnet.ClientRequest) error { return nil }

func (g *gatedTransport) Receive(context.Context) (mixnet.ServerResponse, error) {
	<-g.release
	if g.resp != nil {
		resp := g.resp
		g.resp = nil
		return resp, nil
	}
	<-g.closed
	return nil, mixnet.ErrClosed
}

func (g *gatedTransport) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

func TestFrameReceivedDuringCloseIsDropped(t *testing.T) {
	for _, maxInFlight := range []int{1, 2} {
		t.Run(fmt.Sprintf("maxInFlight=%d", maxInFlight), func(t *testing.T) {
			tagged := codec.NewTagged()
			transport := &gatedTransport{
				resp:    &mixnet.Received{Message: tagged.Encode(signTx(t, 0), network.Development)},
				release: make(chan struct{}),
				closed:  make(chan struct{}),
			}
			source := &fakeSource{}
			var res results

			srv, err := server.Start(context.Background(), server.Config{
				Codec:       tagged,
				MaxInFlight: maxInFlight,
				OnResult:    res.add,
			}, func(context.Context, string) (mixnet.Transport, error) { return transport, nil }, source)
			require.NoError(t, err)

			errc := make(chan error, 1)
			go func() { errc <- srv.Run(context.Background()) }()
			require.Eventually(t, func() bool { return srv.Stats().Running }, 5*time.Second, 5*time.Millisecond)

			closed := make(chan error, 1)
			go func() { closed <- srv.Close() }()
			<-transport.closed

			select {
			case <-closed:
				t.Fatal("close returned while run was still receiving")
			case <-time.After(50 * time.Millisecond):
			}

			close(transport.release)
			require.NoError(t, <-closed)
			require.ErrorIs(t, <-errc, mixnet.ErrClosed)

			source.mu.Lock()
			defer source.mu.Unlock()
			assert.Empty(t, source.submitted)
			assert.True(t, source.closed)
			assert.Empty(t, res.get())
			assert.Equal(t, uint64(0), srv.Stats().Received)
		})
	}
}

func TestRunAfterCloseFails(t *testing.T) {
	transport := newFrameTransport()
	srv, err := server.Start(context.Background(), server.Config{}, transport.dialer(), &fakeSource{})
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	require.ErrorIs(t, srv.Run(context.Background()), mixnet.ErrClosed)
}

func TestReceiptTimeoutIsPerMessage(t *testing.T) {
	tagged := codec.NewTagged()
	transport := newFrameTransport(
		frame{resp: &mixnet.Received{Message: tagged.Encode(signTx(t, 0), network.Development)}},
	)
	var res results

	srv, err := server.Start(context.Background(), server.Config{
		Codec:          tagged,
		ReceiptTimeout: 20 * time.Millisecond,
		OnResult:       res.add,
	}, transport.dialer(), &fakeSource{block: make(chan struct{})})
	require.NoError(t, err)
	defer srv.Close()

	go srv.Run(context.Background())

	require.Eventually(t, func() bool { return len(res.get()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, res.get()[0].Err, chain.ErrNoReceipt)
	assert.Equal(t, uint64(1), srv.Stats().Failed)
}

func TestUnreachableNetworkDoesNotStopRelay(t *testing.T) {
	node := testutil.NewChain(t)
	nym := testutil.NewNymClient(t)

	registry, err := network.NewRegistry(map[string]string{
		"goerli":      "http://127.0.0.1:1",
		"development": node.Endpoint(),
	})
	require.NoError(t, err)

	var res results
	srv, err := server.Start(context.Background(), server.Config{
		Endpoint:      nym.Endpoint(),
		Codec:         codec.NewTagged(),
		SubmitTimeout: 2 * time.Second,
		OnResult:      res.add,
	}, mixnet.WebsocketDialer(nil), chain.NewPool(registry, chain.RPCFactory(10*time.Millisecond)))
	require.NoError(t, err)
	defer srv.Close()
	go srv.Run(context.Background())

	sender, err := mixnet.Dial(context.Background(), nym.Endpoint(), nil)
	require.NoError(t, err)
	defer sender.Close()
	nym.WaitForConnections(2)

	signer := testutil.NewKeySigner(t, node)
	tagged := codec.NewTagged()
	for _, n := range []network.Network{network.Goerli, network.Development} {
		raw, err := signer.FillAndSign(context.Background(), &chain.Draft{To: &to, Value: big.NewInt(1)})
		require.NoError(t, err)
		require.NoError(t, sender.Send(context.Background(), &mixnet.SendRequest{
			Recipient: nym.Address(),
			Message:   tagged.Encode(raw, n),
		}))
	}

	require.Eventually(t, func() bool { return len(res.get()) == 2 }, 10*time.Second, 10*time.Millisecond)
	out := res.get()
	assert.Equal(t, network.Goerli, out[0].Network)
	require.ErrorIs(t, out[0].Err, chain.ErrSubmission)
	assert.Equal(t, network.Development, out[1].Network)
	require.NoError(t, out[1].Err)
	require.Len(t, node.Transactions(), 1)
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end relay test in short mode")
	}

	node := testutil.NewChain(t)
	nym := testutil.NewNymClient(t)

	registry, err := network.NewRegistry(map[string]string{"development": node.Endpoint()})
	require.NoError(t, err)

	var res results
	srv, err := server.Start(context.Background(), server.Config{
		Endpoint: nym.Endpoint(),
		Codec:    codec.NewTagged(),
		OnResult: res.add,
	}, mixnet.WebsocketDialer(nil), chain.NewPool(registry, chain.RPCFactory(10*time.Millisecond)))
	require.NoError(t, err)
	defer srv.Close()
	go srv.Run(context.Background())

	require.Eventually(t, func() bool {
		addr, ok := srv.Address()
		return ok && addr == nym.Address()
	}, 5*time.Second, 10*time.Millisecond)

	relayAddr, _ := srv.Address()
	c, err := client.New(context.Background(), client.Config{
		Endpoint:  nym.Endpoint(),
		Recipient: relayAddr,
		Network:   network.Development,
		Codec:     codec.NewTagged(),
	}, testutil.NewKeySigner(t, node))
	require.NoError(t, err)
	defer c.Close()
	nym.WaitForConnections(2)

	raw, err := c.Relay(context.Background(), &chain.Draft{To: &to, Value: big.NewInt(100_000_000)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(res.get()) == 1 }, 10*time.Second, 10*time.Millisecond)
	out := res.get()[0]
	require.NoError(t, out.Err)
	require.NotNil(t, out.Receipt)

	tx, err := codec.DecodeTransaction(raw)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), out.Hash)
	assert.Equal(t, tx.Hash(), out.Receipt.TxHash)

	mined := node.Transactions()
	require.Len(t, mined, 1)
	assert.Equal(t, to, *mined[0].To())
	assert.Equal(t, int64(100_000_000), mined[0].Value().Int64())
}

func TestStatusRoutes(t *testing.T) {
	addr := testutil.RandomRecipient(t)
	transport := newFrameTransport()
	srv, err := server.Start(context.Background(), server.Config{}, transport.dialer(), &fakeSource{})
	require.NoError(t, err)
	defer srv.Close()

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/relay/address")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	transport.frames <- frame{resp: &mixnet.SelfAddress{Address: addr}}
	go srv.Run(context.Background())
	require.Eventually(t, func() bool {
		_, ok := srv.Address()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(ts.URL + "/relay/address")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, addr.String(), body["address"])

	resp2, err := http.Get(ts.URL + "/relay/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var stats server.Stats
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
	assert.True(t, stats.Running)
}
