// Package config loads the YAML configuration of the decrypting proxy.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cencstrip/keystore"
)

type Cache struct {
	// Dir holds the file cache of decrypted segments.
	Dir string `yaml:"dir"`
	// MemoryTTL and FileTTL: negative disables that tier, zero never
	// expires.
	MemoryTTL time.Duration `yaml:"memory_ttl"`
	FileTTL   time.Duration `yaml:"file_ttl"`
	// InitTTL is how long parsed init segments and manifests are kept.
	InitTTL time.Duration `yaml:"init_ttl"`
	// RedirectTTL is how long an upstream redirect target is reused.
	RedirectTTL time.Duration `yaml:"redirect_ttl"`
}

type Config struct {
	Listen   string        `yaml:"listen"`
	Timeout  time.Duration `yaml:"timeout"`
	LogLevel string        `yaml:"log_level"`
	// UpstreamHeaders are "Name: value" lines sent with every upstream
	// request.
	UpstreamHeaders []string `yaml:"upstream_headers"`
	MaxRedirects    int      `yaml:"max_redirects"`
	// Keys are "kid:key" pairs, bare keys or ClearKey JWK sets.
	Keys []string `yaml:"keys"`
	// Scheme forces cenc or cbcs instead of the scheme signalled by schm.
	Scheme          string `yaml:"scheme"`
	SkipMissingKeys bool   `yaml:"skip_missing_keys"`
	// Parallel is how many samples of a segment are decrypted at once.
	Parallel int   `yaml:"parallel"`
	Cache    Cache `yaml:"cache"`
}

func Default() Config {
	return Config{
		Listen:       ":8080",
		Timeout:      30 * time.Second,
		LogLevel:     "info",
		MaxRedirects: 5,
		Parallel:     1,
		Cache: Cache{
			Dir:         "cache",
			MemoryTTL:   5 * time.Minute,
			FileTTL:     -1,
			InitTTL:     30 * time.Minute,
			RedirectTTL: time.Hour,
		},
	}
}

// Load reads path over the defaults. Unknown fields are an error.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen is empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout %s must be positive", c.Timeout)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("config: parallel %d must be at least 1", c.Parallel)
	}
	switch c.Scheme {
	case "", "cenc", "cbcs":
	default:
		return fmt.Errorf("config: unsupported scheme %q", c.Scheme)
	}
	for _, h := range c.UpstreamHeaders {
		if name, _, ok := strings.Cut(h, ":"); !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("config: upstream header %q is not \"Name: value\"", h)
		}
	}
	return nil
}

// Keystore parses Keys into a new store.
func (c Config) Keystore() (*keystore.Store, error) {
	s := keystore.New()
	for _, k := range c.Keys {
		if err := s.Parse(k); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return s, nil
}

// ParseLevel maps debug, info, warn or error to a slog level; anything
// else is info.
func ParseLevel(level string) slog.Level {
	var lv slog.LevelVar
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lv.Level()
}
