package mixnet_test

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noot/nym-ethtx/mixnet"
	"github.com/noot/nym-ethtx/testutil"
)

func dial(t *testing.T, nym *testutil.NymClient, cfg *mixnet.Config) *mixnet.Conn {
	t.Helper()
	conn, err := mixnet.Dial(context.Background(), nym.Endpoint(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *mixnet.Conn) (mixnet.ServerResponse, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Receive(ctx)
}

func TestDialUnreachable(t *testing.T) {
	_, err := mixnet.Dial(context.Background(), "ws://127.0.0.1:1", nil)
	require.ErrorIs(t, err, mixnet.ErrConnection)
}

func TestSelfAddress(t *testing.T) {
	for _, text := range []bool{false, true} {
		nym := testutil.NewNymClient(t)
		cfg := mixnet.DefaultConfig()
		cfg.TextFrames = text
		conn := dial(t, nym, cfg)

		require.NoError(t, conn.Send(context.Background(), &mixnet.SelfAddressRequest{}))

		resp, err := receive(t, conn)
		require.NoError(t, err)
		addr, ok := resp.(*mixnet.SelfAddress)
		require.True(t, ok, "text=%v got %T", text, resp)
		assert.Equal(t, nym.Address(), addr.Address)
	}
}

func TestSendDeliversToPeer(t *testing.T) {
	nym := testutil.NewNymClient(t)
	sender := dial(t, nym, nil)
	receiver := dial(t, nym, nil)
	nym.WaitForConnections(2)

	payload := []byte{0x01, 0xf8, 0x6b}
	require.NoError(t, sender.Send(context.Background(), &mixnet.SendRequest{
		Recipient: nym.Address(),
		Message:   payload,
	}))

	resp, err := receive(t, receiver)
	require.NoError(t, err)
	received, ok := resp.(*mixnet.Received)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, payload, received.Message)

	sent := nym.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, nym.Address(), sent[0].Recipient)
}

func TestGarbageFrameKeepsConnection(t *testing.T) {
	nym := testutil.NewNymClient(t)
	conn := dial(t, nym, nil)
	nym.WaitForConnections(1)

	nym.DeliverRaw(websocket.BinaryMessage, []byte{0x7f, 0x00})
	_, err := receive(t, conn)
	require.ErrorIs(t, err, mixnet.ErrParse)

	nym.DeliverRaw(websocket.TextMessage, []byte("{not json"))
	_, err = receive(t, conn)
	require.ErrorIs(t, err, mixnet.ErrParse)

	nym.Deliver(&mixnet.Received{Message: []byte("ok")})
	resp, err := receive(t, conn)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.(*mixnet.Received).Message)
}

func TestTextFrameCarriesBinaryResponse(t *testing.T) {
	nym := testutil.NewNymClient(t)
	conn := dial(t, nym, nil)
	nym.WaitForConnections(1)

	data, err := mixnet.EncodeResponse(&mixnet.Received{Message: []byte("hello")})
	require.NoError(t, err)
	nym.DeliverRaw(websocket.TextMessage, data)

	resp, err := receive(t, conn)
	require.NoError(t, err)
	received, ok := resp.(*mixnet.Received)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, []byte("hello"), received.Message)
	assert.Nil(t, received.ReplySurb)

	data, err = mixnet.EncodeResponseText(&mixnet.Received{Message: []byte("json")})
	require.NoError(t, err)
	nym.DeliverRaw(websocket.TextMessage, data)

	resp, err = receive(t, conn)
	require.NoError(t, err)
	assert.Equal(t, []byte("json"), resp.(*mixnet.Received).Message)
}

func TestErrorResponseIsDelivered(t *testing.T) {
	nym := testutil.NewNymClient(t)
	conn := dial(t, nym, nil)
	nym.WaitForConnections(1)

	nym.Deliver(&mixnet.ErrorResponse{Kind: mixnet.ErrorOther, Message: "boom"})
	resp, err := receive(t, conn)
	require.NoError(t, err)
	errResp, ok := resp.(*mixnet.ErrorResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, "boom", errResp.Message)
}

func TestDroppedConnection(t *testing.T) {
	nym := testutil.NewNymClient(t)
	conn := dial(t, nym, nil)
	nym.WaitForConnections(1)

	nym.DropConnections()
	_, err := receive(t, conn)
	require.ErrorIs(t, err, mixnet.ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	nym := testutil.NewNymClient(t)
	conn := dial(t, nym, nil)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	err := conn.Send(context.Background(), &mixnet.SelfAddressRequest{})
	require.ErrorIs(t, err, mixnet.ErrSend)
	require.ErrorIs(t, err, mixnet.ErrClosed)

	_, err = conn.Receive(context.Background())
	require.ErrorIs(t, err, mixnet.ErrClosed)
}

func TestCancelUnblocksReceive(t *testing.T) {
	nym := testutil.NewNymClient(t)
	conn := dial(t, nym, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := conn.Receive(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, mixnet.ErrClosed)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not return after cancel")
	}
}

func TestSendCancelledContext(t *testing.T) {
	nym := testutil.NewNymClient(t)
	conn := dial(t, nym, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := conn.Send(ctx, &mixnet.SelfAddressRequest{})
	require.ErrorIs(t, err, mixnet.ErrSend)
}
