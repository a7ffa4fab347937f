package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrnode/pkg/gossip"
)

// DefaultMetricsPort is used when -metrics-addr names a host without a port.
const DefaultMetricsPort = "9090"

var ErrUsage = errors.New("usage: node [flags] <workload>")

type Config struct {
	Workload    string
	LogLevel    zapcore.Level
	MetricsAddr string // empty when metrics are not served
	Gossip      gossip.Config
}

// Load parses command-line args (without the program name). Environment
// variables read through getenv supply the defaults that flags override.
func Load(args []string, getenv func(string) string) (Config, error) {
	var cfg Config
	env := defaults{getenv: getenv}

	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	level := fs.String("log-level", env.str("NODE_LOG_LEVEL", "info"), "debug, info, warn or error")
	metrics := fs.String("metrics-addr", env.str("NODE_METRICS_ADDR", ""), "serve /metrics, /healthz and /info on this address")
	fs.DurationVar(&cfg.Gossip.Interval, "gossip-interval", env.duration("NODE_GOSSIP_INTERVAL", 100*time.Millisecond), "how often pending forwards are scanned")
	fs.DurationVar(&cfg.Gossip.MinBackoff, "gossip-min-backoff", env.duration("NODE_GOSSIP_MIN_BACKOFF", 200*time.Millisecond), "wait before the first re-send")
	fs.DurationVar(&cfg.Gossip.MaxBackoff, "gossip-max-backoff", env.duration("NODE_GOSSIP_MAX_BACKOFF", 2*time.Second), "cap on the wait between re-sends")
	fs.IntVar(&cfg.Gossip.MaxAttempts, "gossip-max-attempts", env.integer("NODE_GOSSIP_MAX_ATTEMPTS", 0), "sends per forward before giving up, 0 for no limit")

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if env.err != nil {
		return cfg, env.err
	}
	if fs.NArg() != 1 {
		return cfg, fmt.Errorf("%w: want exactly one workload, got %d arguments", ErrUsage, fs.NArg())
	}
	cfg.Workload = fs.Arg(0)

	lvl, err := zapcore.ParseLevel(*level)
	if err != nil {
		return cfg, fmt.Errorf("log level: %w", err)
	}
	cfg.LogLevel = lvl

	if *metrics != "" {
		cfg.MetricsAddr = listenAddr(*metrics, DefaultMetricsPort)
	}
	if cfg.Gossip.Interval <= 0 || cfg.Gossip.MinBackoff <= 0 || cfg.Gossip.MaxBackoff < cfg.Gossip.MinBackoff {
		return cfg, fmt.Errorf("gossip timing: interval %v, backoff %v..%v", cfg.Gossip.Interval, cfg.Gossip.MinBackoff, cfg.Gossip.MaxBackoff)
	}
	if cfg.Gossip.MaxAttempts < 0 {
		return cfg, fmt.Errorf("gossip max attempts: %d is negative", cfg.Gossip.MaxAttempts)
	}
	return cfg, nil
}

// listenAddr strips an http:// or https:// prefix and adds defPort when addr
// has none. A bare port becomes ":port".
func listenAddr(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return net.JoinHostPort(addr, defPort)
}

// defaults reads environment values, remembering the first malformed one.
type defaults struct {
	getenv func(string) string
	err    error
}

func (d *defaults) str(key, def string) string {
	if v := d.getenv(key); v != "" {
		return v
	}
	return def
}

func (d *defaults) duration(key string, def time.Duration) time.Duration {
	v := d.getenv(key)
	if v == "" {
		return def
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return dur
}

func (d *defaults) integer(key string, def int) int {
	v := d.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		d.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (d *defaults) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}
