package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secrets file account, secrets only
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "api.key", typ: kString, env: "CLARITAP_API_KEY",
		secret: true, account: "api_key",
		apply:   func(cfg *Config, v any) { cfg.API.Key = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Key },
	},
	{
		key: "api.password", typ: kString, env: "CLARITAP_API_PASSWORD",
		secret: true, account: "api_password",
		apply:   func(cfg *Config, v any) { cfg.API.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Password },
	},
	{
		key: "api.url", typ: kString, env: "CLARITAP_API_URL",
		apply:   func(cfg *Config, v any) { cfg.API.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.URL },
	},
	{
		key: "api.user_agent", typ: kString, env: "CLARITAP_API_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.API.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.API.UserAgent },
	},
	{
		key: "api.page_size", typ: kInt, env: "CLARITAP_API_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.API.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.API.PageSize },
	},
	{
		key: "api.timeout", typ: kString, env: "CLARITAP_API_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.API.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Timeout },
	},
	{
		key: "api.max_retries", typ: kInt, env: "CLARITAP_API_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.API.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.API.MaxRetries },
	},
	{
		key: "sync.start_date", typ: kString, env: "CLARITAP_START_DATE",
		apply:   func(cfg *Config, v any) { cfg.Sync.StartDate = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.StartDate },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CLARITAP_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CLARITAP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "sink.type", typ: kString, env: "CLARITAP_SINK_TYPE",
		apply:   func(cfg *Config, v any) { cfg.Sink.Type = v.(string) },
		extract: func(cfg Config) any { return cfg.Sink.Type },
	},
	{
		key: "sink.kafka_brokers", typ: kString, env: "CLARITAP_SINK_KAFKA_BROKERS",
		apply:   func(cfg *Config, v any) { cfg.Sink.KafkaBrokers = v.(string) },
		extract: func(cfg Config) any { return cfg.Sink.KafkaBrokers },
	},
	{
		key: "sink.kafka_topic_prefix", typ: kString, env: "CLARITAP_SINK_KAFKA_TOPIC_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Sink.KafkaTopicPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Sink.KafkaTopicPrefix },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
