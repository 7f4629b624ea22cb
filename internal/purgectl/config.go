package purgectl

import (
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ModeHTTP  = "http"
	ModeAdmin = "admin"
)

type Config struct {
	Proxy struct {
		URL           string            `yaml:"url" toml:"url"`
		Mode          string            `yaml:"mode" toml:"mode"`
		Method        string            `yaml:"method" toml:"method"`
		BanMethod     string            `yaml:"banMethod" toml:"banMethod"`
		PatternHeader string            `yaml:"patternHeader" toml:"patternHeader"`
		Host          string            `yaml:"host" toml:"host"`
		Headers       map[string]string `yaml:"headers" toml:"headers"`
		Timeout       string            `yaml:"timeout" toml:"timeout"`
		MaxAttempts   int               `yaml:"maxAttempts" toml:"maxAttempts"`
		Backoff       string            `yaml:"backoff" toml:"backoff"`
		MaxBackoff    string            `yaml:"maxBackoff" toml:"maxBackoff"`

		// compiled
		timeoutDur    time.Duration
		backoffDur    time.Duration
		maxBackoffDur time.Duration
	} `yaml:"proxy" toml:"proxy"`

	Admin struct {
		Addr       string `yaml:"addr" toml:"addr"`
		SecretFile string `yaml:"secretFile" toml:"secretFile"`
	} `yaml:"admin" toml:"admin"`

	Bulk struct {
		Concurrency   int     `yaml:"concurrency" toml:"concurrency"`
		RatePerSecond float64 `yaml:"ratePerSecond" toml:"ratePerSecond"`
	} `yaml:"bulk" toml:"bulk"`

	Journal struct {
		Path string `yaml:"path" toml:"path"`
		Max  string `yaml:"max" toml:"max"`

		maxBytes int64
	} `yaml:"journal" toml:"journal"`

	Logging struct {
		Level      string `yaml:"level" toml:"level"`
		Format     string `yaml:"format" toml:"format"`
		StatsEvery string `yaml:"statsEvery" toml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging" toml:"logging"`
}

// LoadConfig reads a YAML or TOML file (chosen by extension) and returns a
// validated config with defaults applied.
func LoadConfig(path string) (Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadConfig decodes path without applying defaults, so callers can layer
// overrides on top before calling Normalize.
func ReadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		err = yaml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// Normalize fills defaults, validates, and compiles durations and sizes. It
// is idempotent.
func (cfg *Config) Normalize() error {
	p := &cfg.Proxy
	if p.Mode == "" {
		p.Mode = ModeHTTP
	}
	if p.Method == "" {
		p.Method = "PURGE"
	}
	if p.BanMethod == "" {
		p.BanMethod = "BAN"
	}
	if p.PatternHeader == "" {
		p.PatternHeader = "X-Ban-Url"
	}
	if p.Timeout == "" {
		p.Timeout = "5s"
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff == "" {
		p.Backoff = "200ms"
	}
	if p.MaxBackoff == "" {
		p.MaxBackoff = "2s"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = "127.0.0.1:6082"
	}
	if cfg.Bulk.Concurrency == 0 {
		cfg.Bulk.Concurrency = 8
	}
	if cfg.Journal.Max == "" {
		cfg.Journal.Max = "16mb"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	switch p.Mode {
	case ModeHTTP:
		if p.URL == "" {
			return errors.New("proxy.url is required")
		}
		u, err := url.Parse(p.URL)
		if err != nil {
			return errors.Wrap(err, "proxy.url")
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Errorf("proxy.url: expected http(s)://host, got %q", p.URL)
		}
		p.URL = strings.TrimRight(p.URL, "/")
	case ModeAdmin:
	default:
		return errors.Errorf("proxy.mode: unknown mode %q", p.Mode)
	}

	if p.MaxAttempts < 1 {
		return errors.Errorf("proxy.maxAttempts: must be >= 1, got %d", p.MaxAttempts)
	}
	if cfg.Bulk.Concurrency < 1 {
		return errors.Errorf("bulk.concurrency: must be >= 1, got %d", cfg.Bulk.Concurrency)
	}
	if cfg.Bulk.RatePerSecond < 0 {
		return errors.Errorf("bulk.ratePerSecond: must not be negative")
	}

	var err error
	if p.timeoutDur, err = parsePositiveDuration(p.Timeout); err != nil {
		return errors.Wrap(err, "proxy.timeout")
	}
	if p.backoffDur, err = parsePositiveDuration(p.Backoff); err != nil {
		return errors.Wrap(err, "proxy.backoff")
	}
	if p.maxBackoffDur, err = parsePositiveDuration(p.MaxBackoff); err != nil {
		return errors.Wrap(err, "proxy.maxBackoff")
	}
	if p.maxBackoffDur < p.backoffDur {
		p.maxBackoffDur = p.backoffDur
	}
	if cfg.Journal.maxBytes, err = parseBytes(cfg.Journal.Max); err != nil {
		return errors.Wrap(err, "journal.max")
	}
	if cfg.Logging.StatsEvery != "" {
		if cfg.Logging.statsEveryDur, err = parsePositiveDuration(cfg.Logging.StatsEvery); err != nil {
			return errors.Wrap(err, "logging.statsEvery")
		}
	}
	return nil
}

func (cfg Config) JournalMaxBytes() int64 { return cfg.Journal.maxBytes }

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

var byteUnits = []struct {
	suffix string
	mult   float64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// parseBytes reads sizes like "512", "64kb", "1.5m" or "2 GB".
func parseBytes(s string) (int64, error) {
	num := strings.ToLower(strings.TrimSpace(s))
	mult := 1.0
	for _, u := range byteUnits {
		if strings.HasSuffix(num, u.suffix) {
			num, mult = strings.TrimSpace(strings.TrimSuffix(num, u.suffix)), u.mult
			break
		}
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Errorf("invalid size %q", s)
	}
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.Errorf("size must be positive, got %q", s)
	}
	return int64(v * mult), nil
}
