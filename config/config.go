package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shard-txn-router/common"
	"gopkg.in/yaml.v3"
)

const (
	// ClusterConfigFilePath is the default file path of the cluster configuration
	ClusterConfigFilePath = "config/cluster.yaml"
)

// ShardConfig names one shard and its RPC address.
type ShardConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// LogConfig controls the logrus logger.
type LogConfig struct {
	// Level is a logrus level name ("debug", "info", ...).
	Level string `yaml:"level"`
	// ReportCaller adds file:line of the call site to every entry.
	ReportCaller bool `yaml:"report_caller"`
}

// Config is read by every role of the binary.
type Config struct {
	CatalogAddress string        `yaml:"catalog_address"`
	Shards         []ShardConfig `yaml:"shards"`
	MaxRetries     int           `yaml:"max_retries"`
	TxnLifetime    time.Duration `yaml:"txn_lifetime"`
	Log            LogConfig     `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		CatalogAddress: "localhost:13000",
		MaxRetries:     common.DefaultMaxRetries,
		TxnLifetime:    common.DefaultTxnLifetime,
		Log:            LogConfig{Level: "info", ReportCaller: true},
	}
}

// Load reads a yaml cluster config. Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %s", path, err)
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks invariants the router relies on.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.TxnLifetime <= 0 {
		return fmt.Errorf("txn_lifetime must be positive, got %s", c.TxnLifetime)
	}
	seen := make(map[string]struct{}, len(c.Shards))
	for _, s := range c.Shards {
		if s.ID == "" || s.Address == "" {
			return fmt.Errorf("shard entries need both id and address: %+v", s)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate shard id %s", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Shard returns the config of shard id.
func (c *Config) Shard(id string) (ShardConfig, bool) {
	for _, s := range c.Shards {
		if s.ID == id {
			return s, true
		}
	}
	return ShardConfig{}, false
}
