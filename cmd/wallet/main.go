// Package main: RGB wallet service.
//
// The service keeps its wallet directory (keys, stashes, journal) under the configured data directory. Only one
// process may use a wallet directory at a time.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tarancss/rgbwallet/core"
	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/bitcoin/esplora"
	"github.com/tarancss/rgbwallet/lib/config"
	"github.com/tarancss/rgbwallet/lib/firefly"
	"github.com/tarancss/rgbwallet/lib/keys"
	wlog "github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/metrics"
	"github.com/tarancss/rgbwallet/lib/msg"
	"github.com/tarancss/rgbwallet/lib/msg/amqp"
	"github.com/tarancss/rgbwallet/lib/msg/memory"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/rgb/cache"
	"github.com/tarancss/rgbwallet/lib/rgb/lifecycle"
	"github.com/tarancss/rgbwallet/lib/store"
	"github.com/tarancss/rgbwallet/lib/store/db"
	"github.com/tarancss/rgbwallet/lib/store/fs"
	"github.com/tarancss/rgbwallet/validator"
	"github.com/tarancss/rgbwallet/wallet"
)

var log = wlog.Sub("MAIN")

type options struct {
	Config   string        `short:"c" long:"config" description:"JSON configuration file"`
	Monitor  bool          `short:"m" long:"monitor" description:"serve Prometheus metrics on the metrics address"`
	Seed     string        `long:"seed" description:"hex seed used when the wallet directory has no key material"`
	Validate time.Duration `long:"validate-every" default:"10m" description:"period of the validation of held allocations"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}

		os.Exit(1)
	}

	if err := run(opts); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	// extract configuration
	conf, err := config.ExtractConfiguration(opts.Config)
	if err != nil {
		return err
	}

	wlog.Setup(conf.LogLevel, conf.LogFormat, os.Stderr)
	log.Infof("Configuration:%+v", conf)

	net, err := bitcoin.ParseNetwork(conf.Network)
	if err != nil {
		return err
	}

	// open the wallet directory
	dir, err := fs.Open(conf.DataDir, conf.WalletName, net.String())
	if err != nil {
		return err
	}

	defer func() {
		if err := dir.Close(); err != nil {
			log.Errorf("Closing wallet directory: %v", err)
		}
	}()

	ring, err := loadKeys(dir, net, opts.Seed)
	if err != nil {
		return err
	}

	chain := esplora.NewClient(esplora.ClientConfig{URL: conf.EsploraURL, Network: net})

	journal, closeJournal, err := openJournal(dir, conf)
	if err != nil {
		return err
	}
	defer closeJournal()

	mb, err := openBroker(conf)
	if err != nil {
		return err
	}

	if mb != nil {
		defer func() {
			errClose := mb.Close()
			log.Infof("Closing message broker: %v", errClose)
		}()
	}

	registry, err := openRegistry(conf, ring)
	if err != nil {
		return err
	}

	svc, err := core.New(core.Config{
		Network: net,
		Dir:     dir,
		Ring:    ring,
		Chain:   chain,
		Cache: cache.Config{
			MaxLive:      conf.Cache.MaxLive,
			LeaseTimeout: time.Duration(conf.Cache.LeaseTimeout),
		},
		MinConf:  conf.MinConf,
		Journal:  journal,
		Broker:   mb,
		Registry: registry,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	warmup := make([]rgb.ContractID, 0, len(conf.Cache.Warmup))

	for _, s := range conf.Cache.Warmup {
		cid, err := rgb.ParseContractID(s)
		if err != nil {
			return fmt.Errorf("invalid warmup contract: %w", err)
		}

		warmup = append(warmup, cid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := lifecycle.New(svc.Cache(), lifecycle.Config{
		IdleTTL:     time.Duration(conf.Cache.IdleTTL),
		SweepPeriod: time.Duration(conf.Cache.SweepPeriod),
		Grace:       time.Duration(conf.Cache.Grace),
		Warmup:      warmup,
	}, nil)
	mgr.Start(ctx)

	// validate held allocations periodically, against the registry when there is one
	var declared validator.Declared = localDeclared{svc}
	if registry != nil {
		declared = registry
	}

	watcher := validator.NewWatcher(svc.Validator(), declared, mb, net.String(), svc.Contracts)
	go watcher.Watch(ctx, ticker.New(opts.Validate))

	// load Prometheus monitor
	var httpMetrics *metrics.HTTP

	if opts.Monitor && conf.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), metrics.NewCacheCollector(svc.Cache().Stats))
		httpMetrics = metrics.NewHTTP(reg)

		go func() {
			log.Infof("Serving metrics API on %s", conf.MetricsAddress)

			h := http.NewServeMux()
			h.Handle("/metrics", metrics.Handler(reg))

			srv := &http.Server{Addr: conf.MetricsAddress, Handler: h, ReadHeaderTimeout: 10 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				log.Errorf("Metrics server: %v", err)
			}
		}()
	}

	// create wallet service
	w := wallet.New(svc, mb, httpMetrics)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan struct{})

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("Program killed !")

		grace, stop := context.WithTimeout(context.Background(), time.Duration(conf.Cache.Grace)+5*time.Second)
		defer stop()

		// stop taking requests, then wait for leases in progress and save idle runtimes
		w.Stop(grace)
		cancel()
		<-watcher.Stopped()

		if err := mgr.Shutdown(grace); err != nil {
			log.Errorf("Runtime cache shutdown: %v", err)
		}

		close(finish)
	}()

	// manage wallet events
	if err := w.ManageEvents(); err != nil {
		log.Errorf("Error setting up broker readers for events: %v", err)
	}

	// init RESTful API, wait for its return and log response
	log.Infof("Wallet: %s", w.Init(conf.BindAddress))

	<-finish

	return nil
}

// loadKeys returns the key ring of the wallet directory, creating its seed on first run.
func loadKeys(dir *fs.Dir, net bitcoin.Network, seedHex string) (*keys.Ring, error) {
	seed, err := dir.LoadSeed()

	switch {
	case errors.Is(err, fs.ErrNoSeed):
		if seedHex != "" {
			if seed, err = hex.DecodeString(seedHex); err != nil {
				return nil, fmt.Errorf("invalid seed: %w", err)
			}
		} else if seed, err = keys.GenerateSeed(); err != nil {
			return nil, err
		}

		if err = dir.SaveSeed(seed); err != nil {
			return nil, err
		}

		log.Infof("Created key material of wallet %s", dir.Metadata().Name)
	case err != nil:
		return nil, err
	case seedHex != "":
		log.Warn("Wallet directory already has key material, ignoring --seed")
	}

	return keys.New(seed, net.Params())
}

// openJournal returns the transfer journal: the one of the wallet directory or a database.
func openJournal(dir *fs.Dir, conf config.ServiceConfig) (store.DB, func(), error) {
	if conf.JournalType == db.FS && conf.JournalConn == "" {
		j, err := dir.Journal()

		return j, func() {}, err
	}

	j, err := db.New(conf.JournalType, conf.JournalConn)
	if err != nil {
		return nil, nil, err
	}

	log.Infof("Connected to %s journal", conf.JournalType)

	return j, func() {
		if err := db.Close(conf.JournalType, j); err != nil {
			log.Errorf("Closing journal: %v", err)
		}
	}, nil
}

// openBroker returns the message broker, nil when none is configured.
func openBroker(conf config.ServiceConfig) (msg.MsgBroker, error) {
	switch conf.BrokerType {
	case "amqp":
		mb, err := amqp.New(conf.BrokerConn)
		if err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.BrokerConn); err != nil {
				return nil, err
			}
		}

		if err = mb.Setup(nil); err != nil {
			return nil, err
		}

		return mb, nil
	case "memory":
		return memory.New(256), nil
	case "":
		return nil, nil
	}

	return nil, fmt.Errorf("unknown message broker type %q", conf.BrokerType)
}

// openRegistry returns the Firefly allocation registry, nil when Firefly is not configured.
func openRegistry(conf config.ServiceConfig, ring *keys.Ring) (*firefly.Registry, error) {
	url := conf.FireflyURL()
	if url == "" {
		return nil, nil
	}

	var key *btcec.PrivateKey

	if conf.Firefly.KeyHex != "" {
		b, err := hex.DecodeString(conf.Firefly.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid firefly key: %w", err)
		}

		key, _ = btcec.PrivKeyFromBytes(b)
	} else {
		var err error
		if key, err = ring.Firefly(); err != nil {
			return nil, err
		}
	}

	log.Infof("Recording allocations on Firefly at %s", url)

	return firefly.NewRegistry(firefly.NewClient(firefly.Config{URL: url, Key: key}), 0), nil
}

// localDeclared declares the unspent allocations of the wallet itself.
type localDeclared struct {
	svc *core.Service
}

func (l localDeclared) LookupAllocations(ctx context.Context, cid rgb.ContractID) ([]firefly.Allocation, error) {
	return l.svc.LocalAllocations(ctx, cid)
}
