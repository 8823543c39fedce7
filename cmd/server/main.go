// Command server runs the relay: it connects to a local Nym client, prints
// its mixnet address and submits every received transaction to the chain
// selected by the payload.
//
// # Usage
//
//	go run ./cmd/server --endpoint=ws://localhost:1977 --network=goerli --tagged=false
//	go run ./cmd/server --config=relay.yaml
//
// The mixnet address is also served on GET /relay/address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/noot/nym-ethtx/api/httpserver"
	"github.com/noot/nym-ethtx/chain"
	"github.com/noot/nym-ethtx/cmd/common"
	"github.com/noot/nym-ethtx/mixnet"
	"github.com/noot/nym-ethtx/network"
	"github.com/noot/nym-ethtx/server"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		endpoint    = flag.String("endpoint", mixnet.DefaultEndpoint, "Nym client websocket endpoint")
		networkName = flag.String("network", "development", "Default network: mainnet, goerli or development")
		tagged      = flag.Bool("tagged", true, "Payloads carry a network tag byte")
		httpAddr    = flag.String("http-addr", ":8090", "Operator HTTP listen address, empty to disable")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
		maxInFlight = flag.Int("max-in-flight", 1, "Maximum concurrent submissions, 1 keeps arrival order")
		pprof       = flag.Bool("pprof", false, "Serve pprof under /debug")
	)
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
		case "tagged":
			cfg.Tagged = *tagged
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "max-in-flight":
			cfg.Server.MaxInFlight = *maxInFlight
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg, *pprof); err != nil {
		if ctx.Err() != nil {
			return
		}
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

func run(ctx context.Context, cfg *common.Config, pprof bool) error {
	log := common.NewLogger(cfg.LogLevel)

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	pool := chain.NewPool(registry, chain.RPCFactory(cfg.Server.ReceiptPollInterval))

	mixCfg := mixnet.DefaultConfig()
	mixCfg.Log = log

	relay, err := server.Start(ctx, server.Config{
		Endpoint:       cfg.MixnetEndpoint,
		Codec:          cfg.Codec(),
		MaxInFlight:    cfg.Server.MaxInFlight,
		SubmitTimeout:  cfg.Server.SubmitTimeout,
		ReceiptTimeout: cfg.Server.ReceiptTimeout,
		Log:            log,
	}, mixnet.WebsocketDialer(mixCfg), pool)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	defer relay.Close()

	if cfg.HTTPAddr != "" {
		httpCfg := httpserver.DefaultHTTPServerConfig(cfg.HTTPAddr, log)
		httpCfg.EnablePprof = pprof
		httpCfg.Healthy = func() bool { return relay.Stats().Running }

		srv, err := httpserver.New(httpCfg, relay)
		if err != nil {
			return err
		}
		srv.RunInBackground()
		defer srv.Shutdown()
	}

	err = relay.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down relay")
		return nil
	}
	return err
}
