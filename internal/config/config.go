package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingContract is a fatal configuration error: without a contract
// address the indexer has no event source and must not start.
var ErrMissingContract = errors.New("ledger.contract_address is required")

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LedgerConfig identifies the external ledger read endpoint.
type LedgerConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	WSURL           string `yaml:"ws_url"`
	ChainID         int64  `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
}

// IndexerConfig tunes the ingestion engine. Reconnect bounds and the stale
// threshold are deliberately configurable rather than hard-coded.
type IndexerConfig struct {
	StreamKey         string `yaml:"stream_key"`
	StartBlock        uint64 `yaml:"start_block"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
	ReconnectDelay    string `yaml:"reconnect_delay"`
	StaleThreshold    uint64 `yaml:"stale_threshold"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads the yaml file, applies env overrides and defaults, and validates
// the parts whose absence must abort startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets/endpoints from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if rpc := os.Getenv("LEDGER_RPC_URL"); rpc != "" {
		cfg.Ledger.RPCURL = rpc
	}
	if ws := os.Getenv("LEDGER_WS_URL"); ws != "" {
		cfg.Ledger.WSURL = ws
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Indexer.StreamKey == "" {
		c.Indexer.StreamKey = "shipment-created"
	}
	if c.Indexer.ReconnectAttempts <= 0 {
		c.Indexer.ReconnectAttempts = 5
	}
	if c.Indexer.ReconnectDelay == "" {
		c.Indexer.ReconnectDelay = "10s"
	}
	if c.Indexer.StaleThreshold == 0 {
		c.Indexer.StaleThreshold = 20
	}
	if c.Ledger.WSURL == "" {
		c.Ledger.WSURL = c.Ledger.RPCURL
	}
}

func (c *Config) validate() error {
	if c.Ledger.ContractAddress == "" {
		return ErrMissingContract
	}
	if _, err := time.ParseDuration(c.Indexer.ReconnectDelay); err != nil {
		return fmt.Errorf("indexer.reconnect_delay: %w", err)
	}
	return nil
}

// ReconnectDelayDuration returns the parsed inter-attempt delay. Load has
// already validated the string.
func (c *IndexerConfig) ReconnectDelayDuration() time.Duration {
	d, err := time.ParseDuration(c.ReconnectDelay)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
