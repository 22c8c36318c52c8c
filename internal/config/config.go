// Package config resolves runtime settings: defaults, then an optional YAML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/arkiv/chain-event-relay/internal/record"
)

const (
	SourceEth       = "eth"
	SourceSynthetic = "synthetic"

	DefaultFile = "configs/relay.yaml"
)

type Config struct {
	AppEnv    string
	LogLevel  string
	Addr      string
	StaticDir string

	SourceMode        string
	RPCURL            string
	ContractAddress   string
	ChainID           string
	SyntheticInterval time.Duration
	PollInterval      time.Duration
	LogRangeLimit     int
	Kinds             []record.Kind

	DatabaseURL  string
	MaxDBConns   int
	StoreTimeout time.Duration

	RedisURL      string
	KafkaBrokers  []string
	KafkaDLQTopic string
	OTLPEndpoint  string

	AppendMaxAttempts int
	RetryBase         time.Duration
	RetryMax          time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ShutdownTimeout   time.Duration

	APIRateLimit   float64
	APIRateBurst   int
	TrustedProxies []netip.Prefix
}

// file mirrors configs/relay.yaml. Zero values leave the default in place.
type file struct {
	App struct {
		Env       string `yaml:"env"`
		LogLevel  string `yaml:"log_level"`
		Port      string `yaml:"port"`
		StaticDir string `yaml:"static_dir"`
	} `yaml:"app"`
	Source struct {
		Mode              string        `yaml:"mode"`
		RPCURL            string        `yaml:"rpc_url"`
		ContractAddress   string        `yaml:"contract_address"`
		ChainID           string        `yaml:"chain_id"`
		SyntheticInterval time.Duration `yaml:"synthetic_interval"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		LogRangeLimit     int           `yaml:"log_range_limit"`
		Kinds             []string      `yaml:"kinds"`
	} `yaml:"source"`
	Store struct {
		DatabaseURL string        `yaml:"database_url"`
		MaxConns    int           `yaml:"max_conns"`
		OpTimeout   time.Duration `yaml:"op_timeout"`
	} `yaml:"store"`
	Dependencies struct {
		RedisURL      string   `yaml:"redis_url"`
		KafkaBrokers  []string `yaml:"kafka_brokers"`
		KafkaDLQTopic string   `yaml:"kafka_dlq_topic"`
		OTLPEndpoint  string   `yaml:"otlp_endpoint"`
	} `yaml:"dependencies"`
	Retry struct {
		MaxAttempts   int           `yaml:"max_attempts"`
		Base          time.Duration `yaml:"base"`
		Max           time.Duration `yaml:"max"`
		ReconnectBase time.Duration `yaml:"reconnect_base"`
		ReconnectMax  time.Duration `yaml:"reconnect_max"`
	} `yaml:"retry"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       struct {
		PerSecond      float64  `yaml:"per_second"`
		Burst          int      `yaml:"burst"`
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"rate_limit"`
}

func defaults() Config {
	return Config{
		AppEnv:            "dev",
		LogLevel:          "info",
		Addr:              ":8080",
		StaticDir:         "public",
		SourceMode:        SourceEth,
		ChainID:           "1",
		SyntheticInterval: 5 * time.Second,
		PollInterval:      4 * time.Second,
		LogRangeLimit:     2000,
		Kinds:             record.Kinds(),
		MaxDBConns:        10,
		StoreTimeout:      5 * time.Second,
		KafkaDLQTopic:     "relay.dead-letter",
		AppendMaxAttempts: 3,
		RetryBase:         time.Second,
		RetryMax:          10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      time.Minute,
		ShutdownTimeout:   10 * time.Second,
		APIRateLimit:      20,
		APIRateBurst:      40,
	}
}

// Load resolves configuration. lookup is os.LookupEnv outside tests. The file named
// by CONFIG_FILE must exist; the default file is optional.
func Load(lookup func(string) (string, bool)) (Config, error) {
	cfg := defaults()

	path, explicit := lookup("CONFIG_FILE")
	if !explicit || path == "" {
		path = DefaultFile
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	env := envReader{lookup: lookup}
	cfg.applyEnv(&env)
	if err := errors.Join(append(env.errs, cfg.Validate())...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	setString(&c.AppEnv, f.App.Env)
	setString(&c.LogLevel, f.App.LogLevel)
	if f.App.Port != "" {
		c.Addr = normalizeAddr(f.App.Port)
	}
	setString(&c.StaticDir, f.App.StaticDir)

	setString(&c.SourceMode, f.Source.Mode)
	setString(&c.RPCURL, f.Source.RPCURL)
	setString(&c.ContractAddress, f.Source.ContractAddress)
	setString(&c.ChainID, f.Source.ChainID)
	setDuration(&c.SyntheticInterval, f.Source.SyntheticInterval)
	setDuration(&c.PollInterval, f.Source.PollInterval)
	setInt(&c.LogRangeLimit, f.Source.LogRangeLimit)
	if len(f.Source.Kinds) > 0 {
		kinds, err := parseKinds(f.Source.Kinds)
		if err != nil {
			return err
		}
		c.Kinds = kinds
	}

	setString(&c.DatabaseURL, f.Store.DatabaseURL)
	setInt(&c.MaxDBConns, f.Store.MaxConns)
	setDuration(&c.StoreTimeout, f.Store.OpTimeout)

	setString(&c.RedisURL, f.Dependencies.RedisURL)
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	setString(&c.KafkaDLQTopic, f.Dependencies.KafkaDLQTopic)
	setString(&c.OTLPEndpoint, f.Dependencies.OTLPEndpoint)

	setInt(&c.AppendMaxAttempts, f.Retry.MaxAttempts)
	setDuration(&c.RetryBase, f.Retry.Base)
	setDuration(&c.RetryMax, f.Retry.Max)
	setDuration(&c.ReconnectBase, f.Retry.ReconnectBase)
	setDuration(&c.ReconnectMax, f.Retry.ReconnectMax)
	setDuration(&c.ShutdownTimeout, f.ShutdownTimeout)

	if f.RateLimit.PerSecond > 0 {
		c.APIRateLimit = f.RateLimit.PerSecond
	}
	setInt(&c.APIRateBurst, f.RateLimit.Burst)
	if len(f.RateLimit.TrustedProxies) > 0 {
		prefixes, err := parsePrefixes(f.RateLimit.TrustedProxies)
		if err != nil {
			return err
		}
		c.TrustedProxies = prefixes
	}
	return nil
}

func (c *Config) applyEnv(env *envReader) {
	env.str("APP_ENV", &c.AppEnv)
	env.str("LOG_LEVEL", &c.LogLevel)
	if p, ok := env.lookup("PORT"); ok && strings.TrimSpace(p) != "" {
		c.Addr = normalizeAddr(p)
	}
	env.str("STATIC_DIR", &c.StaticDir)

	env.str("SOURCE_MODE", &c.SourceMode)
	env.str("RPC_URL", &c.RPCURL)
	env.str("CONTRACT_ADDRESS", &c.ContractAddress)
	env.str("CHAIN_ID", &c.ChainID)
	env.duration("SYNTHETIC_INTERVAL", &c.SyntheticInterval)
	env.duration("POLL_INTERVAL", &c.PollInterval)
	env.integer("LOG_RANGE_LIMIT", &c.LogRangeLimit)
	if v, ok := env.lookup("EVENT_KINDS"); ok && v != "" {
		kinds, err := parseKinds(splitCSV(v))
		if err != nil {
			env.errs = append(env.errs, fmt.Errorf("EVENT_KINDS: %w", err))
		} else {
			c.Kinds = kinds
		}
	}

	env.str("DATABASE_URL", &c.DatabaseURL)
	env.integer("DB_MAX_CONNS", &c.MaxDBConns)
	env.duration("STORE_OP_TIMEOUT", &c.StoreTimeout)

	env.str("REDIS_URL", &c.RedisURL)
	if v, ok := env.lookup("KAFKA_BROKERS"); ok {
		c.KafkaBrokers = splitCSV(v)
	}
	env.str("KAFKA_DLQ_TOPIC", &c.KafkaDLQTopic)
	env.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)

	env.integer("APPEND_MAX_ATTEMPTS", &c.AppendMaxAttempts)
	env.duration("RETRY_BASE", &c.RetryBase)
	env.duration("RETRY_MAX", &c.RetryMax)
	env.duration("RECONNECT_BASE", &c.ReconnectBase)
	env.duration("RECONNECT_MAX", &c.ReconnectMax)
	env.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	env.float("API_RATE_LIMIT", &c.APIRateLimit)
	env.integer("API_RATE_BURST", &c.APIRateBurst)
	if v, ok := env.lookup("TRUSTED_PROXIES"); ok {
		prefixes, err := parsePrefixes(splitCSV(v))
		if err != nil {
			env.errs = append(env.errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
		} else {
			c.TrustedProxies = prefixes
		}
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	// Synthetic mode without a database runs on the in-memory store.
	if c.DatabaseURL == "" && c.SourceMode != SourceSynthetic {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.SourceMode {
	case SourceEth:
		if c.RPCURL == "" {
			errs = append(errs, errors.New("RPC_URL is required when SOURCE_MODE=eth"))
		} else if err := checkRPCURL(c.RPCURL); err != nil {
			errs = append(errs, err)
		}
		if c.PollInterval <= 0 {
			errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
		}
		if c.LogRangeLimit < 1 {
			errs = append(errs, errors.New("LOG_RANGE_LIMIT must be at least 1"))
		}
		if c.ContractAddress == "" {
			errs = append(errs, errors.New("CONTRACT_ADDRESS is required when SOURCE_MODE=eth"))
		} else if !common.IsHexAddress(c.ContractAddress) {
			errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS %q is not a hex address", c.ContractAddress))
		}
	case SourceSynthetic:
		if c.SyntheticInterval <= 0 {
			errs = append(errs, errors.New("SYNTHETIC_INTERVAL must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("SOURCE_MODE must be %q or %q, got %q", SourceEth, SourceSynthetic, c.SourceMode))
	}
	if len(c.Kinds) == 0 {
		errs = append(errs, errors.New("at least one event kind is required"))
	}
	if _, err := strconv.ParseUint(strings.TrimPrefix(c.Addr, ":"), 10, 16); err != nil || c.Addr == ":0" {
		errs = append(errs, fmt.Errorf("PORT %q is not a valid port", strings.TrimPrefix(c.Addr, ":")))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.AppendMaxAttempts < 1 {
		errs = append(errs, errors.New("APPEND_MAX_ATTEMPTS must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"STORE_OP_TIMEOUT": c.StoreTimeout,
		"RETRY_BASE":       c.RetryBase,
		"RETRY_MAX":        c.RetryMax,
		"RECONNECT_BASE":   c.ReconnectBase,
		"RECONNECT_MAX":    c.ReconnectMax,
		"SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaDLQTopic == "" {
		errs = append(errs, errors.New("KAFKA_DLQ_TOPIC is required when KAFKA_BROKERS is set"))
	}
	if c.APIRateLimit < 0 || c.APIRateBurst < 0 {
		errs = append(errs, errors.New("API_RATE_LIMIT and API_RATE_BURST must not be negative"))
	}
	return errors.Join(errs...)
}

// checkRPCURL accepts websocket endpoints (subscription) and http endpoints (polling).
func checkRPCURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("RPC_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("RPC_URL %q must use ws, wss, http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("RPC_URL %q has no host", raw)
	}
	return nil
}

// parsePrefixes reads CIDRs; a bare address is taken as a single-host prefix.
func parsePrefixes(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// normalizeAddr accepts PORT=8080 or PORT=:8080.
func normalizeAddr(p string) string {
	return ":" + strings.TrimPrefix(strings.TrimSpace(p), ":")
}

func parseKinds(names []string) ([]record.Kind, error) {
	out := make([]record.Kind, 0, len(names))
	for _, n := range names {
		k, err := record.ParseKind(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// envReader applies set variables and collects parse errors instead of
// silently keeping the default.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

// duration accepts Go durations ("750ms", "2s") or a bare number of seconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}
