// Package config loads flowctl settings from a YAML file and FLOWCTL_*
// environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/logging"
	"github.com/fortressi/crosschain/provision"
)

const envPrefix = "FLOWCTL_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Config struct {
	Portfolio string                 `yaml:"portfolio"`
	Owner     string                 `yaml:"owner"`
	Log       logging.Config         `yaml:"log"`
	Store     StoreConfig            `yaml:"store"`
	Retry     provision.RetryPolicy  `yaml:"retry"`
	Chains    []crosschain.ChainInfo `yaml:"chains,omitempty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the directory of the file store or the SQLite database file.
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redisAddr"`
	Namespace string `yaml:"namespace"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Portfolio: "portfolio0",
		Owner:     "owner0",
		Log:       logging.Config{Level: "info"},
		Store: StoreConfig{
			Driver:    DriverMemory,
			Path:      "./flowctl-state",
			RedisAddr: "localhost:6379",
			Namespace: "flowctl",
		},
	}
}

// Load reads path, if not empty, over the defaults and then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Portfolio = getEnv("PORTFOLIO", c.Portfolio)
	c.Owner = getEnv("OWNER", c.Owner)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("STORE_PATH", c.Store.Path)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.Namespace = getEnv("REDIS_NAMESPACE", c.Store.Namespace)

	if v, ok := os.LookupEnv(envPrefix + "LOG_DEVELOPMENT"); ok {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_DEVELOPMENT: %w", envPrefix, err)
		}
		c.Log.Development = dev
	}
	for name, dst := range map[string]*time.Duration{
		"RETRY_BASE": &c.Retry.Base,
		"RETRY_MAX":  &c.Retry.Max,
	} {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		return value
	}
	return fallback
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.Portfolio == "" {
		errs = append(errs, errors.New("portfolio is required"))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverFile, DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store driver %s needs a path", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	for _, chain := range c.Chains {
		if chain.Name == "" || chain.ChainID == "" {
			errs = append(errs, fmt.Errorf("chain %q needs a name and a chain id", chain.Name))
		}
		if chain.Kind != crosschain.KindCosmos && chain.Kind != crosschain.KindEVM {
			errs = append(errs, fmt.Errorf("chain %q has unknown kind %q", chain.Name, chain.Kind))
		}
	}
	return errors.Join(errs...)
}

// ChainTable returns the configured chains, or the default table when none
// are configured.
func (c Config) ChainTable() crosschain.Chains {
	if len(c.Chains) == 0 {
		return crosschain.DefaultChains()
	}
	out := make(crosschain.Chains, len(c.Chains))
	for _, chain := range c.Chains {
		out[chain.Name] = chain
	}
	return out
}

// OpenStore opens the configured store. The returned func releases it.
func (c Config) OpenStore(ctx context.Context) (kv.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Store.Driver {
	case DriverMemory:
		return kv.NewMemoryStore(), noop, nil
	case DriverFile:
		s, err := kv.NewFileStore(c.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case DriverSQLite:
		s, err := kv.OpenSQLite(c.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case DriverRedis:
		s, err := kv.OpenRedis(ctx, c.Store.RedisAddr, c.Store.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
}
