// Package config holds the node configuration and its environment loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects the radio implementation.
type Backend string

const (
	BackendBlueZ Backend = "bluez" // Linux BlueZ over the system DBus
	BackendAir   Backend = "air"   // emulated radio over WebRTC, see cmd/meshair
)

// Config stores every tunable of a node. Zero values are never valid; start
// from Default() and override.
type Config struct {
	Backend      Backend
	BlueZAdapter string // e.g. "hci0"
	AirURL       string // ws(s)://host/ws of the air hub
	AirPIN       string

	Nickname string
	KeyPath  string

	MTU               int
	ChunkDelay        time.Duration
	ConnectTimeout    time.Duration
	ReassemblyTimeout time.Duration
	PoweredOnTimeout  time.Duration

	MaxAttempts               int     // failures before a non-mesh address is blacklisted
	UnnamedConnectProbability float64 // chance to try an address with no advertised name
	ScanServiceOnly           bool    // only report devices advertising the mesh service

	StaleAfter  time.Duration
	MetricsAddr string // empty disables /metrics
	Debug       bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:      BackendBlueZ,
		BlueZAdapter: "hci0",
		Nickname:     "anon",
		KeyPath:      "meshlink.key",

		MTU:               512,
		ChunkDelay:        20 * time.Millisecond,
		ConnectTimeout:    10 * time.Second,
		ReassemblyTimeout: 30 * time.Second,
		PoweredOnTimeout:  10 * time.Second,

		MaxAttempts:               2,
		UnnamedConnectProbability: 0.1,

		StaleAfter: 3 * time.Minute,
	}
}

// Environment variable names.
const (
	EnvBackend           = "MESHLINK_BACKEND"
	EnvBlueZAdapter      = "MESHLINK_BLUEZ_ADAPTER"
	EnvAirURL            = "MESHLINK_AIR_URL"
	EnvAirPIN            = "MESHLINK_AIR_PIN"
	EnvNickname          = "MESHLINK_NICKNAME"
	EnvKeyPath           = "MESHLINK_KEY_PATH"
	EnvMTU               = "MESHLINK_MTU"
	EnvChunkDelay        = "MESHLINK_CHUNK_DELAY"
	EnvConnectTimeout    = "MESHLINK_CONNECT_TIMEOUT"
	EnvReassemblyTimeout = "MESHLINK_REASSEMBLY_TIMEOUT"
	EnvMaxAttempts       = "MESHLINK_MAX_ATTEMPTS"
	EnvUnnamedProb       = "MESHLINK_UNNAMED_CONNECT_PROBABILITY"
	EnvScanServiceOnly   = "MESHLINK_SCAN_SERVICE_ONLY"
	EnvStaleAfter        = "MESHLINK_STALE_AFTER"
	EnvMetricsAddr       = "MESHLINK_METRICS_ADDR"
	EnvDebug             = "MESHLINK_DEBUG"
)

// Load returns Default() overridden by MESHLINK_* variables. envFiles are
// loaded first with godotenv (existing variables win); missing files are
// skipped.
func Load(envFiles ...string) (Config, error) {
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	var backend string
	str(EnvBackend, &backend)
	if backend != "" {
		cfg.Backend = Backend(backend)
	}
	str(EnvBlueZAdapter, &cfg.BlueZAdapter)
	str(EnvAirURL, &cfg.AirURL)
	str(EnvAirPIN, &cfg.AirPIN)
	str(EnvNickname, &cfg.Nickname)
	str(EnvKeyPath, &cfg.KeyPath)
	num(EnvMTU, &cfg.MTU)
	dur(EnvChunkDelay, &cfg.ChunkDelay)
	dur(EnvConnectTimeout, &cfg.ConnectTimeout)
	dur(EnvReassemblyTimeout, &cfg.ReassemblyTimeout)
	num(EnvMaxAttempts, &cfg.MaxAttempts)
	dur(EnvStaleAfter, &cfg.StaleAfter)
	str(EnvMetricsAddr, &cfg.MetricsAddr)

	if v, ok := os.LookupEnv(EnvUnnamedProb); ok && v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvUnnamedProb, err))
		} else {
			cfg.UnnamedConnectProbability = p
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	flag(EnvScanServiceOnly, &cfg.ScanServiceOnly)
	flag(EnvDebug, &cfg.Debug)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendBlueZ:
	case BackendAir:
		if c.AirURL == "" {
			return fmt.Errorf("backend %q needs %s", c.Backend, EnvAirURL)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendBlueZ, BackendAir)
	}
	if c.MTU <= 8 {
		return fmt.Errorf("mtu %d too small", c.MTU)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.UnnamedConnectProbability < 0 || c.UnnamedConnectProbability > 1 {
		return fmt.Errorf("unnamed connect probability %v outside [0, 1]", c.UnnamedConnectProbability)
	}
	if c.ConnectTimeout <= 0 || c.ReassemblyTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
