// Package config loads the gateway configuration.
//
// Configuration is YAML with ${VAR} environment expansion; ${VAR:-fallback}
// substitutes fallback when VAR is unset or empty. Durations use
// time.ParseDuration syntax.
//
//	host: 127.0.0.1
//	request_port: 7001
//	publish_port: 7002
//	commands_per_second: 50
//	new_orders_per_second: 5
//	compression_codec: lz4
//	encryption: curve
//	curve:
//	  public_key: "${GATEWAY_PUBLIC_KEY}"
//	  secret_key: "${GATEWAY_SECRET_KEY}"
//	  peer_public_key: "${CLIENT_PUBLIC_KEY}"
//	heartbeat_interval: 1s
//	session_timeout: 5s
//	journal:
//	  dsn: "${JOURNAL_DSN}"
//	metrics:
//	  addr: ":9090"
//	profiling:
//	  server: "http://pyroscope:4040"
package config

import (
	"os"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"tradegate/internal/bus"
	"tradegate/internal/execution"
	"tradegate/internal/gateway"
	"tradegate/internal/ratelimit"
	"tradegate/internal/schema"
	"tradegate/internal/wire"
	"tradegate/pkg/exception"
)

const (
	DefaultHost        = "127.0.0.1"
	DefaultRequestPort = 7001
	DefaultPublishPort = 7002
	DefaultClientID    = "strategy"
	DefaultAppName     = "tradegate"
)

// Config is the complete gateway configuration.
type Config struct {
	Host        string `yaml:"host"`
	RequestPort int    `yaml:"request_port"`
	// ResponsePort is accepted for compatibility. Responses travel on the
	// request connection, so it must be unset or equal to RequestPort.
	ResponsePort int `yaml:"response_port"`
	PublishPort  int `yaml:"publish_port"`

	CommandsPerSecond  int `yaml:"commands_per_second"`
	NewOrdersPerSecond int `yaml:"new_orders_per_second"`
	// RequestsPerSecond limits Request kinds; zero leaves them unlimited.
	RequestsPerSecond int `yaml:"requests_per_second"`

	CompressionCodec string      `yaml:"compression_codec"`
	Encryption       string      `yaml:"encryption"`
	Curve            CurveConfig `yaml:"curve"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	SessionSecret     string        `yaml:"session_secret"`
	// LoginSkew bounds the issue time of a signed login against the
	// gateway clock.
	LoginSkew         time.Duration `yaml:"login_skew"`
	PublishPattern    string        `yaml:"publish_pattern"`
	MaxFrameSize      int           `yaml:"max_frame_size"`

	MailboxSize int           `yaml:"mailbox_size"`
	Workers     int           `yaml:"workers"`
	Overflow    string        `yaml:"overflow"`
	SendTimeout time.Duration `yaml:"send_timeout"`

	Client    ClientConfig    `yaml:"client"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Profiling ProfilingConfig `yaml:"profiling"`
	Risk      RiskConfig      `yaml:"risk"`
}

// CurveConfig holds base64 Curve25519 keys: the key pair of this process
// and the public key of the peer it talks to.
type CurveConfig struct {
	PublicKey     string `yaml:"public_key"`
	SecretKey     string `yaml:"secret_key"`
	PeerPublicKey string `yaml:"peer_public_key"`
}

// ClientConfig is used by processes that connect to a gateway.
type ClientConfig struct {
	ID          string        `yaml:"id"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// JournalConfig enables the dead-letter journal when DSN is set.
type JournalConfig struct {
	DSN       string `yaml:"dsn"`
	QueueSize int    `yaml:"queue_size"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type ProfilingConfig struct {
	Server  string `yaml:"server"`
	AppName string `yaml:"app_name"`
}

// RiskConfig holds the paper venue limits. Quantities are decimal strings;
// empty disables the check.
type RiskConfig struct {
	KillSwitch           bool   `yaml:"kill_switch"`
	MaxOrderQty          string `yaml:"max_order_qty"`
	MaxOrderNotional     string `yaml:"max_order_notional"`
	MaxPosition          string `yaml:"max_position"`
	MaxPriceDeviationBps int64  `yaml:"max_price_deviation_bps"`
}

// Load reads, expands, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-fallback}. Unset variables
// without a fallback expand to the empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		if v := os.Getenv(groups[1]); v != "" {
			return v
		}
		return groups[3]
	})
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.RequestPort == 0 {
		c.RequestPort = DefaultRequestPort
	}
	if c.PublishPort == 0 {
		c.PublishPort = DefaultPublishPort
	}
	if c.CompressionCodec == "" {
		c.CompressionCodec = wire.CompressionNone
	}
	if c.Encryption == "" {
		c.Encryption = wire.EncryptionNone
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = gateway.DefaultHeartbeatInterval
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = gateway.DefaultSessionTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = gateway.DefaultRequestTimeout
	}
	if c.LoginSkew == 0 {
		c.LoginSkew = gateway.DefaultLoginSkew
	}
	if c.PublishPattern == "" {
		c.PublishPattern = gateway.DefaultPublishPattern
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = bus.DefaultMailboxSize
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = bus.DefaultSendTimeout
	}
	if c.Client.ID == "" {
		c.Client.ID = DefaultClientID
	}
	if c.Profiling.AppName == "" {
		c.Profiling.AppName = DefaultAppName
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for _, p := range []struct {
		field string
		port  int
	}{
		{"request_port", c.RequestPort},
		{"response_port", c.ResponsePort},
		{"publish_port", c.PublishPort},
	} {
		if _, err := schema.NewNetworkAddress(c.Host, p.port); err != nil {
			return exception.NewValidationError(p.field, "must be within 0-65535")
		}
	}
	if c.ResponsePort != 0 && c.ResponsePort != c.RequestPort {
		return exception.NewValidationError("response_port", "must equal request_port, responses share the request socket")
	}
	if c.CommandsPerSecond <= 0 {
		return exception.NewValidationError("commands_per_second", "must be positive")
	}
	if c.NewOrdersPerSecond <= 0 {
		return exception.NewValidationError("new_orders_per_second", "must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return exception.NewValidationError("requests_per_second", "must not be negative")
	}
	if _, err := wire.NewCompressor(c.CompressionCodec); err != nil {
		return exception.NewValidationError("compression_codec", "must be one of none, lz4, zstd, s2")
	}
	if _, err := c.Codec(); err != nil {
		return err
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval},
		{"session_timeout", c.SessionTimeout},
		{"request_timeout", c.RequestTimeout},
		{"login_skew", c.LoginSkew},
		{"send_timeout", c.SendTimeout},
	} {
		if d.value <= 0 {
			return exception.NewValidationError(d.field, "must be positive")
		}
	}
	if c.SessionTimeout <= c.HeartbeatInterval {
		return exception.NewValidationError("session_timeout", "must exceed heartbeat_interval")
	}
	if c.MailboxSize < 0 {
		return exception.NewValidationError("mailbox_size", "must not be negative")
	}
	if c.Workers < 0 {
		return exception.NewValidationError("workers", "must not be negative")
	}
	if _, err := bus.ParseOverflow(c.Overflow); err != nil {
		return err
	}
	if c.MaxFrameSize < 0 {
		return exception.NewValidationError("max_frame_size", "must not be negative")
	}
	if c.Journal.QueueSize < 0 {
		return exception.NewValidationError("journal.queue_size", "must not be negative")
	}
	if _, err := c.RiskLimits(); err != nil {
		return err
	}
	return nil
}

// RiskLimits parses the venue risk limits.
func (c *Config) RiskLimits() (execution.RiskLimits, error) {
	limits := execution.RiskLimits{
		KillSwitch:           c.Risk.KillSwitch,
		MaxPriceDeviationBps: c.Risk.MaxPriceDeviationBps,
	}
	if limits.MaxPriceDeviationBps < 0 {
		return limits, exception.NewValidationError("risk.max_price_deviation_bps", "must not be negative")
	}
	for _, f := range []struct {
		field string
		value string
		out   *decimal.Decimal
	}{
		{"risk.max_order_qty", c.Risk.MaxOrderQty, &limits.MaxOrderQty},
		{"risk.max_order_notional", c.Risk.MaxOrderNotional, &limits.MaxOrderNotional},
		{"risk.max_position", c.Risk.MaxPosition, &limits.MaxPosition},
	} {
		if f.value == "" {
			continue
		}
		d, err := decimal.NewFromString(f.value)
		if err != nil || d.IsNegative() {
			return limits, exception.NewValidationError(f.field, "must be a non-negative decimal, got "+f.value)
		}
		*f.out = d
	}
	return limits, nil
}

// Codec returns the wire settings. Curve mode decodes the configured keys.
func (c *Config) Codec() (wire.Settings, error) {
	s := wire.Settings{Compression: c.CompressionCodec}
	switch c.Encryption {
	case wire.EncryptionNone:
		s.Encryption.Mode = wire.EncryptionNone
	case wire.EncryptionCurve:
		s.Encryption.Mode = wire.EncryptionCurve
		keys := []struct {
			field string
			value string
			dst   *[wire.KeySize]byte
		}{
			{"curve.public_key", c.Curve.PublicKey, &s.Encryption.PublicKey},
			{"curve.secret_key", c.Curve.SecretKey, &s.Encryption.SecretKey},
			{"curve.peer_public_key", c.Curve.PeerPublicKey, &s.Encryption.PeerPublicKey},
		}
		for _, k := range keys {
			if k.value == "" {
				return wire.Settings{}, exception.NewValidationError(k.field, "is required for curve encryption")
			}
			key, err := wire.DecodeKey(k.value)
			if err != nil {
				return wire.Settings{}, exception.NewValidationError(k.field, err.Error())
			}
			*k.dst = key
		}
		if _, err := wire.NewEncryptor(s.Encryption); err != nil {
			return wire.Settings{}, exception.NewValidationError("curve", err.Error())
		}
	default:
		return wire.Settings{}, exception.NewValidationError("encryption", "must be none or curve, got "+c.Encryption)
	}
	return s, nil
}

// Limits maps rate limit categories to their buckets.
func (c *Config) Limits() map[string]ratelimit.Limit {
	limits := map[string]ratelimit.Limit{
		ratelimit.CategoryCommands:  ratelimit.PerSecond(c.CommandsPerSecond),
		ratelimit.CategoryNewOrders: ratelimit.PerSecond(c.NewOrdersPerSecond),
	}
	if c.RequestsPerSecond > 0 {
		limits[ratelimit.CategoryRequests] = ratelimit.PerSecond(c.RequestsPerSecond)
	}
	return limits
}

// RequestAddr is the request/response endpoint.
func (c *Config) RequestAddr() schema.NetworkAddress {
	return schema.NetworkAddress{Host: c.Host, Port: c.RequestPort}
}

// PublishAddr is the event endpoint.
func (c *Config) PublishAddr() schema.NetworkAddress {
	return schema.NetworkAddress{Host: c.Host, Port: c.PublishPort}
}

// Bus returns the bus options.
func (c *Config) Bus() (bus.Options, error) {
	overflow, err := bus.ParseOverflow(c.Overflow)
	if err != nil {
		return bus.Options{}, err
	}
	return bus.Options{
		Workers:     c.Workers,
		MailboxSize: c.MailboxSize,
		Overflow:    overflow,
		SendTimeout: c.SendTimeout,
	}, nil
}

// Server returns the gateway server settings. Dead letters are left for the
// caller to attach.
func (c *Config) Server() (gateway.ServerConfig, error) {
	codec, err := c.Codec()
	if err != nil {
		return gateway.ServerConfig{}, err
	}
	return gateway.ServerConfig{
		RequestAddr:       c.RequestAddr(),
		PublishAddr:       c.PublishAddr(),
		Codec:             codec,
		Limits:            c.Limits(),
		HeartbeatInterval: c.HeartbeatInterval,
		SessionTimeout:    c.SessionTimeout,
		RequestTimeout:    c.RequestTimeout,
		SessionSecret:     c.SessionSecret,
		LoginSkew:         c.LoginSkew,
		PublishPattern:    c.PublishPattern,
		MaxFrameSize:      c.MaxFrameSize,
	}, nil
}

// ClientSettings returns the settings of a process connecting to the request
// endpoint.
func (c *Config) ClientSettings() (gateway.ClientConfig, error) {
	codec, err := c.Codec()
	if err != nil {
		return gateway.ClientConfig{}, err
	}
	return gateway.ClientConfig{
		Addr:           c.RequestAddr(),
		Codec:          codec,
		ClientID:       c.Client.ID,
		SessionSecret:  c.SessionSecret,
		RequestTimeout: c.RequestTimeout,
		DialTimeout:    c.Client.DialTimeout,
		MaxFrameSize:   c.MaxFrameSize,
	}, nil
}

// Subscriber returns the settings of a process connecting to the publish
// endpoint.
func (c *Config) Subscriber() (gateway.SubscriberConfig, error) {
	codec, err := c.Codec()
	if err != nil {
		return gateway.SubscriberConfig{}, err
	}
	return gateway.SubscriberConfig{
		Addr:         c.PublishAddr(),
		Codec:        codec,
		DialTimeout:  c.Client.DialTimeout,
		MaxFrameSize: c.MaxFrameSize,
	}, nil
}
