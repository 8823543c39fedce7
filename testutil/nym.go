package testutil

import (
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/noot/nym-ethtx/mixnet"
	"github.com/stretchr/testify/require"
)

// NymClient is an in-process stand-in for a Nym native client. Every
// websocket connection shares one mixnet address; a SendRequest from one
// connection is delivered as Received to every other connection.
type NymClient struct {
	t       *testing.T
	address mixnet.Recipient
	server  *httptest.Server

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*nymConn]struct{}
	sent  []*mixnet.SendRequest
}

type nymConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *nymConn) write(frameType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(frameType, data)
}

// NewNymClient starts a fake Nym client with a random address. It is shut
// down when the test ends.
func NewNymClient(t *testing.T) *NymClient {
	t.Helper()

	n := &NymClient{
		t:       t,
		address: RandomRecipient(t),
		conns:   make(map[*nymConn]struct{}),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serveWS))
	t.Cleanup(n.Close)
	return n
}

// RandomRecipient generates a random mixnet address.
func RandomRecipient(t *testing.T) mixnet.Recipient {
	t.Helper()

	var b [mixnet.RecipientSize]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)

	r, err := mixnet.RecipientFromBytes(b[:])
	require.NoError(t, err)
	return r
}

// Endpoint returns the websocket URL of the fake client.
func (n *NymClient) Endpoint() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// Address returns the mixnet address reported for SelfAddressRequest.
func (n *NymClient) Address() mixnet.Recipient {
	return n.address
}

func (n *NymClient) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &nymConn{ws: ws}

	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.conns, c)
		n.mu.Unlock()
		ws.Close()
	}()

	for {
		frameType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		n.handle(c, frameType, data)
	}
}

func (n *NymClient) handle(from *nymConn, frameType int, data []byte) {
	var (
		req mixnet.ClientRequest
		err error
	)
	if frameType == websocket.TextMessage {
		req, err = mixnet.DecodeRequestText(data)
	} else {
		req, err = mixnet.DecodeRequest(data)
	}
	if err != nil {
		n.reply(from, frameType, &mixnet.ErrorResponse{Kind: mixnet.ErrorMalformedRequest, Message: err.Error()})
		return
	}

	switch r := req.(type) {
	case *mixnet.SelfAddressRequest:
		n.reply(from, frameType, &mixnet.SelfAddress{Address: n.address})
	case *mixnet.SendRequest:
		n.mu.Lock()
		n.sent = append(n.sent, r)
		n.mu.Unlock()
		n.broadcast(from, &mixnet.Received{Message: r.Message})
	}
}

func (n *NymClient) reply(to *nymConn, frameType int, resp mixnet.ServerResponse) {
	var (
		data []byte
		err  error
	)
	if frameType == websocket.TextMessage {
		data, err = mixnet.EncodeResponseText(resp)
	} else {
		frameType = websocket.BinaryMessage
		data, err = mixnet.EncodeResponse(resp)
	}
	if err != nil {
		n.t.Errorf("encode response: %v", err)
		return
	}
	to.write(frameType, data)
}

func (n *NymClient) broadcast(from *nymConn, resp mixnet.ServerResponse) {
	data, err := mixnet.EncodeResponse(resp)
	if err != nil {
		n.t.Errorf("encode response: %v", err)
		return
	}
	for _, c := range n.peers(from) {
		c.write(websocket.BinaryMessage, data)
	}
}

func (n *NymClient) peers(except *nymConn) []*nymConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*nymConn, 0, len(n.conns))
	for c := range n.conns {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

// Deliver sends resp to every connection as a binary frame.
func (n *NymClient) Deliver(resp mixnet.ServerResponse) {
	n.broadcast(nil, resp)
}

// DeliverRaw writes an arbitrary frame to every connection.
func (n *NymClient) DeliverRaw(frameType int, data []byte) {
	for _, c := range n.peers(nil) {
		c.write(frameType, data)
	}
}

// Sent returns every SendRequest received so far.
func (n *NymClient) Sent() []*mixnet.SendRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*mixnet.SendRequest(nil), n.sent...)
}

// Connections returns the number of open connections.
func (n *NymClient) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// WaitForConnections blocks until at least count connections are open.
func (n *NymClient) WaitForConnections(count int) {
	n.t.Helper()
	require.Eventually(n.t, func() bool {
		return n.Connections() >= count
	}, 5*time.Second, 10*time.Millisecond)
}

// DropConnections closes every connection from the Nym client side.
func (n *NymClient) DropConnections() {
	for _, c := range n.peers(nil) {
		c.ws.Close()
	}
}

// Close stops the fake client.
func (n *NymClient) Close() {
	n.DropConnections()
	n.server.Close()
}
