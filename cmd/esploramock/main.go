// Package main: esplora mock service. Serves the Esplora REST API used by the wallet from a Bitcoin Core node, or
// from an in-memory regtest chain with --memory for local runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/jessevdk/go-flags"

	"github.com/tarancss/rgbwallet/esploramock"
	"github.com/tarancss/rgbwallet/lib/bitcoin"
	wlog "github.com/tarancss/rgbwallet/lib/log"
)

type options struct {
	Listen   string `short:"l" long:"listen" default:"127.0.0.1:3002" description:"address to serve the API on"`
	Network  string `short:"n" long:"network" default:"regtest" description:"bitcoin network"`
	RPCHost  string `long:"rpchost" default:"127.0.0.1:18443" description:"bitcoin core RPC host:port"`
	RPCUser  string `long:"rpcuser" description:"bitcoin core RPC user"`
	RPCPass  string `long:"rpcpass" description:"bitcoin core RPC password"`
	Memory   bool   `long:"memory" description:"serve an in-memory regtest chain instead of a node"`
	LogLevel string `long:"loglevel" default:"info" description:"log level"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}

		os.Exit(1)
	}

	wlog.Setup(opts.LogLevel, "text", nil)
	log := wlog.Sub("MAIN")

	network, err := bitcoin.ParseNetwork(opts.Network)
	if err != nil {
		log.Fatal(err)
	}

	var backend esploramock.Backend

	if opts.Memory {
		if network != bitcoin.Regtest {
			log.Fatalf("in-memory chain only runs on regtest, not %s", network)
		}

		backend = esploramock.NewMemoryChain(network.Params())
	} else {
		node, err := esploramock.NewBitcoindBackend(&rpcclient.ConnConfig{
			Host: opts.RPCHost,
			User: opts.RPCUser,
			Pass: opts.RPCPass,
		})
		if err != nil {
			log.Fatal(err)
		}
		defer node.Close()

		backend = node
	}

	srv := esploramock.NewServer(backend, network.Params())

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("Program killed !")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Error shutting down: %v", err)
		}
	}()

	if err := srv.ListenAndServe(opts.Listen); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
