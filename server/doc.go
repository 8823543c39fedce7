// Package server implements the relay: it holds one connection to a local
// Nym client, decodes every received payload into a network and a raw
// signed transaction, submits it to that network and waits for the receipt.
//
// A malformed or rejected transaction is logged and skipped. The receive
// loop ends only when the mixnet connection closes or its context is done.
package server
