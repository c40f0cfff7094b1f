// Package config provides helper functionality to read the wallet service configuration from a JSON config file or
// OS ENV variables. The default configuration can be overriden first by:
//
// - a valid JSON config file (see cmd/conf.json for a sample) and then by
//
// - OS ENV variables: BIND_ADDRESS, BITCOIN_NETWORK, ESPLORA_URL, FIREFLY_HOST, FIREFLY_GRPC_PORT, FIREFLY_HTTP_PORT,
// LOG_LEVEL, LOG_FORMAT, DATA_DIR, WALLET_NAME, JOURNAL_TYPE, JOURNAL_CONN, BROKER_TYPE, BROKER_CONN, METRICS_ADDRESS,
// CACHE_MAX_LIVE, CACHE_IDLE_TTL, CACHE_SWEEP_PERIOD, CACHE_LEASE_TIMEOUT, SHUTDOWN_GRACE, WARMUP_CONTRACTS and
// MIN_CONFIRMATIONS. Durations use Go syntax (ie. 90s, 5m) and WARMUP_CONTRACTS is a comma separated list.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tarancss/rgbwallet/lib/util"
)

// Default configuration variables
var (
	BindAddressDefault  = "127.0.0.1:3030"
	NetworkDefault      = "regtest"
	EsploraURLDefault   = "http://127.0.0.1:3002"
	FireflyHostDefault  = ""
	FireflyGRPCDefault  = 40401
	FireflyHTTPDefault  = 40403
	LogLevelDefault     = "info"
	LogFormatDefault    = "text"
	DataDirDefault      = "./data"
	WalletNameDefault   = "default"
	JournalTypeDefault  = "fs"
	BrokerTypeDefault   = ""
	MaxLiveDefault      = 16
	IdleTTLDefault      = Duration(10 * time.Minute)
	SweepPeriodDefault  = Duration(time.Minute)
	LeaseTimeoutDefault = Duration(30 * time.Second)
	GraceDefault        = Duration(15 * time.Second)
	MinConfDefault      = 1
)

// Duration is a time.Duration that reads from JSON strings such as "90s".
type Duration time.Duration

// UnmarshalJSON accepts either a Go duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}

		*d = Duration(v)

		return nil
	}

	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s: %w", b, err)
	}

	*d = Duration(n)

	return nil
}

// MarshalJSON writes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// CacheConfig holds the RGB runtime cache and lifecycle settings.
type CacheConfig struct {
	MaxLive      int      `json:"maxLive"`
	IdleTTL      Duration `json:"idleTTL"`
	SweepPeriod  Duration `json:"sweepPeriod"`
	LeaseTimeout Duration `json:"leaseTimeout"`
	Grace        Duration `json:"shutdownGrace"`
	Warmup       []string `json:"warmup"`
}

// FireflyConfig holds the Firefly node coordinates. The gRPC port is kept for operators that run the propose loop
// themselves; the wallet talks HTTP only.
type FireflyConfig struct {
	Host     string `json:"host"`
	GRPCPort int    `json:"grpcPort"`
	HTTPPort int    `json:"httpPort"`
	// KeyHex is the secp256k1 deployer key. When empty a key is derived from the wallet seed.
	KeyHex string `json:"key"`
}

// ServiceConfig contains the required fields for the wallet service.
type ServiceConfig struct {
	BindAddress    string        `json:"bindAddress"`
	Network        string        `json:"network"`
	EsploraURL     string        `json:"esploraUrl"`
	Firefly        FireflyConfig `json:"firefly"`
	LogLevel       string        `json:"logLevel"`
	LogFormat      string        `json:"logFormat"`
	DataDir        string        `json:"dataDir"`
	WalletName     string        `json:"walletName"`
	JournalType    string        `json:"journalType"`
	JournalConn    string        `json:"journalConn"`
	BrokerType     string        `json:"brokerType"`
	BrokerConn     string        `json:"brokerConn"`
	MetricsAddress string        `json:"metricsAddress"`
	Cache          CacheConfig   `json:"cache"`
	MinConf        int           `json:"minConfirmations"`
}

// Default returns the default configuration.
func Default() ServiceConfig {
	return ServiceConfig{
		BindAddress: BindAddressDefault,
		Network:     NetworkDefault,
		EsploraURL:  EsploraURLDefault,
		Firefly: FireflyConfig{
			Host:     FireflyHostDefault,
			GRPCPort: FireflyGRPCDefault,
			HTTPPort: FireflyHTTPDefault,
		},
		LogLevel:    LogLevelDefault,
		LogFormat:   LogFormatDefault,
		DataDir:     DataDirDefault,
		WalletName:  WalletNameDefault,
		JournalType: JournalTypeDefault,
		BrokerType:  BrokerTypeDefault,
		Cache: CacheConfig{
			MaxLive:      MaxLiveDefault,
			IdleTTL:      IdleTTLDefault,
			SweepPeriod:  SweepPeriodDefault,
			LeaseTimeout: LeaseTimeoutDefault,
			Grace:        GraceDefault,
		},
		MinConf: MinConfDefault,
	}
}

// ExtractConfiguration reads from the given JSON filename and returns the ServiceConfig or an error otherwise.
func ExtractConfiguration(filename string) (ServiceConfig, error) {
	conf := Default()
	// read from config file first
	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return conf, fmt.Errorf("configuration file not found: %w", err)
		}
		defer file.Close()

		if err = json.NewDecoder(file).Decode(&conf); err != nil {
			return conf, fmt.Errorf("invalid configuration file %s: %w", filename, err)
		}
	}
	// then override config values with OS ENV variables
	if err := conf.fromEnv(); err != nil {
		return conf, err
	}

	return conf, conf.Validate()
}

func (c *ServiceConfig) fromEnv() error {
	var tmp string

	strs := []struct {
		env string
		dst *string
	}{
		{"BIND_ADDRESS", &c.BindAddress},
		{"BITCOIN_NETWORK", &c.Network},
		{"ESPLORA_URL", &c.EsploraURL},
		{"FIREFLY_HOST", &c.Firefly.Host},
		{"FIREFLY_KEY", &c.Firefly.KeyHex},
		{"LOG_LEVEL", &c.LogLevel},
		{"LOG_FORMAT", &c.LogFormat},
		{"DATA_DIR", &c.DataDir},
		{"WALLET_NAME", &c.WalletName},
		{"JOURNAL_TYPE", &c.JournalType},
		{"JOURNAL_CONN", &c.JournalConn},
		{"BROKER_TYPE", &c.BrokerType},
		{"BROKER_CONN", &c.BrokerConn},
		{"METRICS_ADDRESS", &c.MetricsAddress},
	}
	for _, s := range strs {
		if tmp = os.Getenv(s.env); tmp != "" {
			*s.dst = tmp
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"FIREFLY_GRPC_PORT", &c.Firefly.GRPCPort},
		{"FIREFLY_HTTP_PORT", &c.Firefly.HTTPPort},
		{"CACHE_MAX_LIVE", &c.Cache.MaxLive},
		{"MIN_CONFIRMATIONS", &c.MinConf},
	}
	for _, i := range ints {
		if tmp = os.Getenv(i.env); tmp != "" {
			v, err := strconv.Atoi(tmp)
			if err != nil {
				return fmt.Errorf("error reading %s from OS ENV: %w", i.env, err)
			}

			*i.dst = v
		}
	}

	durs := []struct {
		env string
		dst *Duration
	}{
		{"CACHE_IDLE_TTL", &c.Cache.IdleTTL},
		{"CACHE_SWEEP_PERIOD", &c.Cache.SweepPeriod},
		{"CACHE_LEASE_TIMEOUT", &c.Cache.LeaseTimeout},
		{"SHUTDOWN_GRACE", &c.Cache.Grace},
	}
	for _, d := range durs {
		if tmp = os.Getenv(d.env); tmp != "" {
			v, err := time.ParseDuration(tmp)
			if err != nil {
				return fmt.Errorf("error reading %s from OS ENV: %w", d.env, err)
			}

			*d.dst = Duration(v)
		}
	}

	if tmp = os.Getenv("WARMUP_CONTRACTS"); tmp != "" {
		c.Cache.Warmup = util.SplitList(tmp)
	}

	return nil
}

// Validate checks the configuration is usable.
func (c *ServiceConfig) Validate() error {
	if !util.In([]string{"mainnet", "testnet", "signet", "regtest"}, c.Network) {
		return fmt.Errorf("%w: %q", ErrNetwork, c.Network)
	}

	if c.Cache.MaxLive < 1 {
		return fmt.Errorf("%w: cache maxLive must be positive", ErrInvalid)
	}

	if c.MinConf < 0 {
		return fmt.Errorf("%w: minConfirmations cannot be negative", ErrInvalid)
	}

	return nil
}

// FireflyURL returns the base URL of the Firefly HTTP API, or "" when Firefly is not configured.
func (c *ServiceConfig) FireflyURL() string {
	if c.Firefly.Host == "" {
		return ""
	}

	return fmt.Sprintf("http://%s:%d", c.Firefly.Host, c.Firefly.HTTPPort)
}

// Errors returned by Validate.
var (
	ErrNetwork = fmt.Errorf("unknown bitcoin network")
	ErrInvalid = fmt.Errorf("invalid configuration")
)
