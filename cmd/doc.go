// Package cmd provides the relay binaries.
//
// # Commands
//
// server: Connects to a local Nym client, logs its mixnet address and
// submits every received transaction to the destination chain.
//
//	go run ./cmd/server --endpoint=ws://localhost:1977
//	go run ./cmd/server --config=relay.yaml --max-in-flight=4
//
// client: Signs one transaction and sends it to a relay through the mixnet.
//
//	go run ./cmd/client --server=<relay nym address> --to=0x... --value=0.01
//
// # Configuration
//
// Both commands accept a YAML file via --config. Flags that are set
// explicitly override file values.
//
//	mixnet_endpoint: ws://localhost:1977
//	network: development
//	tagged: true
//	http_addr: ":8090"
//	log_level: info
//	networks:
//	  development: http://localhost:8545
//	server:
//	  max_in_flight: 1
//	  submit_timeout: 30s
//	  receipt_timeout: 2m
//	  receipt_poll_interval: 1s
//	client:
//	  key_file: client.key
//	  recipient: "<nym address>"
package cmd
