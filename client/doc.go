// Package client sends signed Ethereum transactions to a relay server over
// the Nym mixnet.
//
// A Client moves through Connected, Signed and Submitted and ends in Closed.
// A sign or send failure moves it to Failed; construct a new Client to retry.
//
//	c, err := client.New(ctx, client.Config{Recipient: relay, Codec: codec.NewTagged()}, signer)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	_, err = c.Relay(ctx, &chain.Draft{To: &to, Value: value})
package client
