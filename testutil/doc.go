/*
Package testutil provides in-process stand-ins for the two external processes
the relay talks to.

# Nym client

NymClient serves the Nym websocket protocol over httptest. Every connection
shares one mixnet address; a SendRequest written by one connection is
delivered as a binary Received frame to every other connection. Tests can
inject arbitrary frames and drop connections:

	nym := testutil.NewNymClient(t)
	conn, _ := mixnet.Dial(ctx, nym.Endpoint(), nil)
	nym.DeliverRaw(websocket.BinaryMessage, []byte{0x7f})

# Chain

Chain is a JSON-RPC node built on the go-ethereum rpc server. It answers the
calls needed to fill a legacy transaction, accepts transactions with the next
nonce of their sender and serves an immediate receipt for each:

	node := testutil.NewChain(t)
	signer := testutil.NewKeySigner(t, node)
	node.WithholdReceipts(true)

Both are shut down through t.Cleanup.
*/
package testutil
