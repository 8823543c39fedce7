// Command client signs one transaction and sends it to a relay server over
// the Nym mixnet.
//
// The key file holds a hex-encoded secp256k1 private key. The node of the
// selected network is used to fill the nonce, gas price and gas limit.
//
// # Usage
//
//	go run ./cmd/client --server=<relay nym address> --to=0x1EA7e1A0CF5BB4379A3fE1D064C4E2e04045DAFB --value=0.0000000001
//	go run ./cmd/client --config=relay.yaml --network=goerli --to=0x... --value=0.1 --gas-price=2.5
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/noot/nym-ethtx/chain"
	"github.com/noot/nym-ethtx/client"
	"github.com/noot/nym-ethtx/cmd/common"
	"github.com/noot/nym-ethtx/codec"
	"github.com/noot/nym-ethtx/mixnet"
	"github.com/noot/nym-ethtx/network"
)

type txFlags struct {
	to       string
	value    string
	gas      uint64
	gasPrice string
	data     string
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		endpoint    = flag.String("endpoint", mixnet.DefaultEndpoint, "Nym client websocket endpoint")
		networkName = flag.String("network", "development", "Destination network: mainnet, goerli or development")
		keyFile     = flag.String("key", "client.key", "File holding the hex-encoded private key")
		recipient   = flag.String("server", "", "Relay server mixnet address")
		tagged      = flag.Bool("tagged", true, "Prefix the payload with the network tag byte")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
		tx          txFlags
	)
	flag.StringVar(&tx.to, "to", "", "Destination address, empty for contract creation")
	flag.StringVar(&tx.value, "value", "0", "Value in ether")
	flag.Uint64Var(&tx.gas, "gas", 0, "Gas limit, 0 to estimate")
	flag.StringVar(&tx.gasPrice, "gas-price", "", "Gas price in gwei, empty to ask the node")
	flag.StringVar(&tx.data, "data", "", "Hex-encoded call data")
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.MixnetEndpoint = *endpoint
		case "network":
			n, err := network.ParseNetwork(*networkName)
			if err != nil {
				flagErr = err
			}
			cfg.Network = n
		case "key":
			cfg.Client.KeyFile = *keyFile
		case "server":
			cfg.Client.Recipient = *recipient
		case "tagged":
			cfg.Tagged = *tagged
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if flagErr != nil {
		fmt.Printf("Configuration error: %v\n", flagErr)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	draft, err := tx.draft()
	if err != nil {
		fmt.Printf("Transaction error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg, draft); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func (f *txFlags) draft() (*chain.Draft, error) {
	draft := &chain.Draft{Gas: f.gas}

	if f.to != "" {
		if !ethcommon.IsHexAddress(f.to) {
			return nil, fmt.Errorf("invalid destination address %q", f.to)
		}
		to := ethcommon.HexToAddress(f.to)
		draft.To = &to
	}

	value, err := common.ParseEther(f.value)
	if err != nil {
		return nil, err
	}
	draft.Value = value

	if f.gasPrice != "" {
		if draft.GasPrice, err = common.ParseGwei(f.gasPrice); err != nil {
			return nil, err
		}
	}

	if f.data != "" {
		if draft.Data, err = hexutil.Decode(f.data); err != nil {
			return nil, fmt.Errorf("invalid call data: %w", err)
		}
	}

	if draft.To == nil && len(draft.Data) == 0 {
		return nil, fmt.Errorf("either --to or --data is required")
	}
	return draft, nil
}

func run(ctx context.Context, cfg *common.Config, draft *chain.Draft) error {
	log := common.NewLogger(cfg.LogLevel)

	if cfg.Client.Recipient == "" {
		return fmt.Errorf("relay server address is required (--server)")
	}
	relay, err := mixnet.ParseRecipient(cfg.Client.Recipient)
	if err != nil {
		return err
	}

	key, err := common.LoadKey(cfg.Client.KeyFile)
	if err != nil {
		return err
	}

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	eth, err := ethclient.DialContext(ctx, registry.Endpoint(cfg.Network))
	if err != nil {
		return fmt.Errorf("failed to connect to %s node: %w", cfg.Network, err)
	}
	defer eth.Close()

	signer, err := chain.NewKeySigner(key, eth, log)
	if err != nil {
		return err
	}

	mixCfg := mixnet.DefaultConfig()
	mixCfg.Log = log

	c, err := client.New(ctx, client.Config{
		Endpoint:  cfg.MixnetEndpoint,
		Recipient: relay,
		Network:   cfg.Network,
		Codec:     cfg.Codec(),
		Log:       log,
		Dial:      mixnet.WebsocketDialer(mixCfg),
	}, signer)
	if err != nil {
		return err
	}
	defer c.Close()

	raw, err := c.Relay(ctx, draft)
	if err != nil {
		return err
	}

	fmt.Printf("Sent transaction %s from %s via %s\n", codec.TxHash(raw), signer.Address(), cfg.Network)
	if value := draft.Value; value != nil && value.Cmp(big.NewInt(0)) > 0 {
		fmt.Printf("Value: %s wei\n", value)
	}
	return nil
}
