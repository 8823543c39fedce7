// Package chain holds the two capabilities the relay needs from Ethereum:
// filling and signing a transaction (Signer) and broadcasting raw signed
// bytes then awaiting the receipt (Submitter). The client and server depend
// only on these interfaces; go-ethereum backs the default implementations.
package chain
