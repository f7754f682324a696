package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size written either as a plain number of bytes or in human
// form ("50MiB", "64 MB").
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	v, err := humanize.ParseBytes(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

type Config struct {
	DB       string        `yaml:"db"`
	API      string        `yaml:"api"`
	LogLevel string        `yaml:"logLevel"`
	Cache    CacheConfig   `yaml:"cache"`
	Fetcher  FetcherConfig `yaml:"fetcher"`
	Worker   WorkerConfig  `yaml:"worker"`
}

type CacheConfig struct {
	MaxSize           ByteSize      `yaml:"maxSize"`
	EvictionThreshold float64       `yaml:"evictionThreshold"`
	EvictionTarget    float64       `yaml:"evictionTarget"`
	TTL               time.Duration `yaml:"ttl"`
	CleanupInterval   time.Duration `yaml:"cleanupInterval"`
	Codec             string        `yaml:"codec"` // msgpack | cbor
}

type FetcherConfig struct {
	StaleAfter          time.Duration `yaml:"staleAfter"`
	PrefetchConcurrency int           `yaml:"prefetchConcurrency"`
	PrefetchRate        float64       `yaml:"prefetchRate"` // requests/s; 0 = unlimited
	Debounce            time.Duration `yaml:"debounce"`
	MaxTargets          int           `yaml:"maxTargets"`
}

type WorkerConfig struct {
	Provider  string        `yaml:"provider"` // ristretto | bigcache | otter | redis
	Memory    ByteSize      `yaml:"memory"`   // in-process provider budget
	MaxAge    time.Duration `yaml:"maxAge"`
	Retention time.Duration `yaml:"retention"`
	Precache  []string      `yaml:"precache"`
	Redis     RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Prefix    string `yaml:"prefix"`
	Namespace string `yaml:"namespace"`
}

func defaultConfig() Config {
	return Config{
		DB:       "refcache.db",
		LogLevel: "info",
		Cache:    CacheConfig{Codec: "msgpack"},
		Worker: WorkerConfig{
			Provider:  "ristretto",
			Memory:    64 << 20,
			MaxAge:    time.Hour,
			Retention: 7 * 24 * time.Hour,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Prefix:    "refcache:",
				Namespace: "refcache",
			},
		},
	}
}

// loadConfig reads path over the defaults. A missing file is not an error
// unless path was set explicitly. The result is validated after flags apply.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Cache.Codec {
	case "msgpack", "cbor":
	default:
		return fmt.Errorf("config: unknown codec %q", c.Cache.Codec)
	}
	switch c.Worker.Provider {
	case "ristretto", "bigcache", "otter", "redis":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Worker.Provider)
	}
	if c.API == "" {
		return errors.New("config: api base url is required")
	}
	return nil
}
