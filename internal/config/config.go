package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Address string
}

type TransportConfig struct {
	URL     string
	Timeout time.Duration
	RPS     int
	Burst   int
}

// DatabaseConfig is optional; without a URL failed sends are not journaled.
type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type PipelineConfig struct {
	MaxMessageSize int
	ResolveDelay   time.Duration
	DraftDelay     time.Duration
	SelfID         int64
	JournalBuffer  int
}

func LoadAll() (*Config, error) {
	var errs []error
	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Transport: TransportConfig{
			URL:     str("TRANSPORT_URL"),
			Timeout: time.Duration(num("TRANSPORT_TIMEOUT_SECONDS", 10)) * time.Second,
			RPS:     num("TRANSPORT_RPS", 20),
			Burst:   num("TRANSPORT_BURST", 5),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Pipeline: PipelineConfig{
			MaxMessageSize: num("MAX_MESSAGE_SIZE", 4096),
			ResolveDelay:   time.Duration(num("RESOLVE_DELAY_MS", 5)) * time.Millisecond,
			DraftDelay:     time.Duration(num("DRAFT_SAVE_DELAY_MS", 1000)) * time.Millisecond,
			SelfID:         int64(num("SELF_ID", 0)),
			JournalBuffer:  num("JOURNAL_BUFFER", 1024),
		},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis = RedisConfig{
			Enabled:  true,
			Address:  addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       num("REDIS_DB", 0),
			TTL:      time.Duration(num("REDIS_TTL_SECONDS", 86400)) * time.Second,
		}
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Transport.Timeout <= 0 {
		errs = append(errs, errors.New("TRANSPORT_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Transport.RPS < 0 {
		errs = append(errs, errors.New("TRANSPORT_RPS must be >= 0"))
	}
	if cfg.Transport.Burst <= 0 {
		errs = append(errs, errors.New("TRANSPORT_BURST must be > 0"))
	}
	if cfg.Pipeline.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_SIZE must be > 0"))
	}
	if cfg.Pipeline.ResolveDelay <= 0 {
		errs = append(errs, errors.New("RESOLVE_DELAY_MS must be > 0"))
	}
	if cfg.Pipeline.DraftDelay <= 0 {
		errs = append(errs, errors.New("DRAFT_SAVE_DELAY_MS must be > 0"))
	}
	if cfg.Pipeline.JournalBuffer <= 0 {
		errs = append(errs, errors.New("JOURNAL_BUFFER must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
