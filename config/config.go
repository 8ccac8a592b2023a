package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

type Config struct {
	App      AppConfig        `yaml:"app"`
	Logging  LoggingConfig    `yaml:"logging"`
	Channels ChannelsConfig   `yaml:"channels"`
	Upstream UpstreamConfig   `yaml:"upstream"`
	Stream   StreamConfig     `yaml:"stream"`
	Poll     PollConfig       `yaml:"poll"`
	Chain    ChainConfig      `yaml:"chain"`
	Snapshot SnapshotConfig   `yaml:"snapshot"`
	History  HistoryConfig    `yaml:"history"`
	Telegram TelegramConfig   `yaml:"telegram"`
	Instrums []InstrumentSpec `yaml:"instruments"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	QuoteBuffer int `yaml:"quote_buffer"`
	ChainBuffer int `yaml:"chain_buffer"`
}

type UpstreamConfig struct {
	BaseURL           string        `yaml:"base_url"`
	WSURL             string        `yaml:"ws_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RetryAfterDefault time.Duration `yaml:"retry_after_default"`

	// Credentials are only ever read from the environment.
	ClientID    string `yaml:"-"`
	AccessToken string `yaml:"-"`
}

type StreamConfig struct {
	Enabled           bool          `yaml:"enabled"`
	FailoverThreshold int           `yaml:"failover_threshold"`
	CooldownCycles    int           `yaml:"cooldown_cycles"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

type PollConfig struct {
	QuoteInterval time.Duration `yaml:"quote_interval"`
	ChainInterval time.Duration `yaml:"chain_interval"`
}

type ChainConfig struct {
	HalfWidth   int              `yaml:"half_width"`
	Underlyings []UnderlyingSpec `yaml:"underlyings"`
}

// UnderlyingSpec names one index or security whose option chain is polled.
// Expiry may be left empty to track the nearest listed expiry.
type UnderlyingSpec struct {
	DisplayName    string `yaml:"display_name"`
	ExchangeSymbol string `yaml:"exchange_symbol"`
	Segment        string `yaml:"segment"`
	SecurityID     string `yaml:"security_id"`
	Expiry         string `yaml:"expiry"`
}

type SnapshotConfig struct {
	Enabled bool     `yaml:"enabled"`
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type TelegramConfig struct {
	Enabled bool `yaml:"enabled"`

	// Credentials are only ever read from the environment.
	BotToken string `yaml:"-"`
	ChatID   string `yaml:"-"`
}

// InstrumentSpec is one configured instrument together with its upstream
// security id. The id mapping normally comes out of the exchange master file;
// config carries the already-resolved values.
type InstrumentSpec struct {
	DisplayName    string `yaml:"display_name"`
	ExchangeSymbol string `yaml:"exchange_symbol"`
	Segment        string `yaml:"segment"`
	SecurityID     string `yaml:"security_id"`
}

// Ref converts the spec into the runtime instrument identity.
func (s InstrumentSpec) Ref() models.InstrumentRef {
	return models.InstrumentRef{
		DisplayName:    s.DisplayName,
		ExchangeSymbol: s.ExchangeSymbol,
		Segment:        models.ExchangeSegment(s.Segment),
	}
}

// Ref converts the underlying spec into the runtime instrument identity.
func (s UnderlyingSpec) Ref() models.InstrumentRef {
	return models.InstrumentRef{
		DisplayName:    s.DisplayName,
		ExchangeSymbol: s.ExchangeSymbol,
		Segment:        models.ExchangeSegment(s.Segment),
	}
}

// Instruments returns the configured instrument identities in config order.
func (c *Config) Instruments() []models.InstrumentRef {
	refs := make([]models.InstrumentRef, 0, len(c.Instrums))
	for _, s := range c.Instrums {
		refs = append(refs, s.Ref())
	}
	return refs
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Upstream.ClientID = strings.TrimSpace(os.Getenv("DHAN_CLIENT_ID"))
	config.Upstream.AccessToken = strings.TrimSpace(os.Getenv("DHAN_ACCESS_TOKEN"))
	config.Telegram.BotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	config.Telegram.ChatID = strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID"))

	if config.Snapshot.S3.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Snapshot.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Snapshot.S3.Bucket = strings.TrimSpace(v)
		}
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Channels.QuoteBuffer <= 0 {
		cfg.Channels.QuoteBuffer = 256
	}
	if cfg.Channels.ChainBuffer <= 0 {
		cfg.Channels.ChainBuffer = 16
	}
	if cfg.Upstream.Timeout <= 0 {
		cfg.Upstream.Timeout = 10 * time.Second
	}
	if cfg.Upstream.RequestsPerSecond <= 0 {
		cfg.Upstream.RequestsPerSecond = 2
	}
	if cfg.Upstream.Burst <= 0 {
		cfg.Upstream.Burst = 2
	}
	if cfg.Upstream.RetryAfterDefault <= 0 {
		cfg.Upstream.RetryAfterDefault = 10 * time.Second
	}
	if cfg.Stream.FailoverThreshold <= 0 {
		cfg.Stream.FailoverThreshold = 3
	}
	if cfg.Stream.CooldownCycles <= 0 {
		cfg.Stream.CooldownCycles = 5
	}
	if cfg.Stream.ReconnectDelay <= 0 {
		cfg.Stream.ReconnectDelay = 5 * time.Second
	}
	if cfg.Poll.QuoteInterval <= 0 {
		cfg.Poll.QuoteInterval = time.Minute
	}
	if cfg.Poll.ChainInterval <= 0 {
		cfg.Poll.ChainInterval = 5 * time.Minute
	}
	if cfg.Chain.HalfWidth <= 0 {
		cfg.Chain.HalfWidth = 5
	}
	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = "data/snapshots"
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = "data/history"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if cfg.Stream.Enabled && cfg.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url is required when stream.enabled")
	}
	if len(cfg.Instrums) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	for i, ins := range cfg.Instrums {
		if ins.ExchangeSymbol == "" {
			return fmt.Errorf("instruments[%d].exchange_symbol is required", i)
		}
		if ins.SecurityID == "" {
			return fmt.Errorf("instruments[%d].security_id is required", i)
		}
		switch models.ExchangeSegment(ins.Segment) {
		case models.SegmentIndex, models.SegmentNSEEquity, models.SegmentNSEFNO:
		default:
			return fmt.Errorf("instruments[%d].segment %q is not a known segment", i, ins.Segment)
		}
	}
	for i, u := range cfg.Chain.Underlyings {
		if u.SecurityID == "" {
			return fmt.Errorf("chain.underlyings[%d].security_id is required", i)
		}
	}

	// Development runs may dry-run without credentials; deployed ones may not.
	if IsProductionLike(AppEnvironment()) {
		if cfg.Upstream.ClientID == "" || cfg.Upstream.AccessToken == "" {
			return fmt.Errorf("DHAN_CLIENT_ID and DHAN_ACCESS_TOKEN are required in %s", AppEnvironment())
		}
		if cfg.Telegram.Enabled && (cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "") {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required when telegram.enabled")
		}
	}
	return nil
}
