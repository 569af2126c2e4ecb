package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/claritap/internal/normalize"
)

// Version is reported in the default User-Agent. Set at build time.
var Version = "dev"

const (
	SinkSinger = "singer"
	SinkKafka  = "kafka"
)

type Config struct {
	API     APIConfig
	Sync    SyncConfig
	Storage StorageConfig
	Log     LogConfig
	Sink    SinkConfig
}

type APIConfig struct {
	Key        string
	Password   string
	URL        string
	UserAgent  string
	PageSize   int
	Timeout    string
	MaxRetries int
}

type SyncConfig struct {
	// StartDate bounds the first sync of a stream without a bookmark.
	StartDate string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type SinkConfig struct {
	Type             string
	KafkaBrokers     string // comma separated
	KafkaTopicPrefix string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			URL:        "https://rest-api.copilot.clari.com",
			UserAgent:  "claritap/" + Version,
			PageSize:   100,
			Timeout:    "60s",
			MaxRetries: 5,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Sink: SinkConfig{
			Type:             SinkSinger,
			KafkaBrokers:     "localhost:9092",
			KafkaTopicPrefix: "clari.",
		},
	}
}

// Load reads configuration from the YAML config file, CLARITAP_* environment
// variables and the secrets file, in increasing order of precedence for
// non-secrets. Secrets come from the environment first and the secrets file
// second; both API credentials are required.
//
// The config file lives at $XDG_CONFIG_HOME/claritap/config.yaml unless
// CLARITAP_CONFIG points elsewhere. Secrets live at
// $XDG_DATA_HOME/claritap/secrets.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{}, true)
}

// LoadLocal is Load without the credential requirement, for commands that
// never reach the upstream API.
func LoadLocal() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{}, false)
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, ss secretStore, requireSecrets bool) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := ss.Get(secretService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if requireSecrets {
		var missing []string
		for _, s := range specs {
			if s.secret && s.extract(cfg).(string) == "" {
				missing = append(missing, s.env)
			}
		}
		if len(missing) > 0 {
			return Config{}, fmt.Errorf("missing required config: set %s or store them in %s",
				strings.Join(missing, " and "), secretsFilePath())
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := c.StartTime(); err != nil {
		return err
	}
	if _, err := c.RequestTimeout(); err != nil {
		return err
	}
	if c.API.PageSize <= 0 {
		return fmt.Errorf("invalid api.page_size %d: must be positive", c.API.PageSize)
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("invalid api.max_retries %d: must not be negative", c.API.MaxRetries)
	}
	switch c.Sink.Type {
	case SinkSinger, SinkKafka:
	default:
		return fmt.Errorf("invalid sink.type %q: want %q or %q", c.Sink.Type, SinkSinger, SinkKafka)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// StartTime parses sync.start_date. An empty value yields the zero time.
func (c Config) StartTime() (time.Time, error) {
	if c.Sync.StartDate == "" {
		return time.Time{}, nil
	}
	t, err := normalize.ParseTimestamp(c.Sync.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sync.start_date: %w", err)
	}
	return t, nil
}

// RequestTimeout parses api.timeout.
func (c Config) RequestTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.API.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid api.timeout %q: %w", c.API.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid api.timeout %q: must be positive", c.API.Timeout)
	}
	return d, nil
}

// Brokers splits sink.kafka_brokers.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.Sink.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: want debug, info, warn or error", s)
	}
	return l, nil
}
