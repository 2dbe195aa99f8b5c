// Package config loads requestctl tuning from a YAML file and the
// environment.
//
// File format (every key optional; missing keys keep their defaults):
//
//	ttl: 5m
//	max_entries: 0
//	window_size: 1s
//	max_per_window: 5
//	min_spacing: 100ms
//	backoff_cooldown: 5s
//	short_window: 1s
//	emergency_ceiling: 10
//
// Durations accept Go syntax plus days and weeks ("1d", "2w"). Environment
// variables RIGUP_<KEY> (e.g. RIGUP_MAX_PER_WINDOW) override the file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"rigup.app/requestctl"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "RIGUP_"

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = EnvPrefix + "CONFIG"

// File is the on-disk shape. Durations stay strings until parsed.
type File struct {
	TTL              string `yaml:"ttl"`
	MaxEntries       *int   `yaml:"max_entries"`
	WindowSize       string `yaml:"window_size"`
	MaxPerWindow     *int   `yaml:"max_per_window"`
	MinSpacing       string `yaml:"min_spacing"`
	BackoffCooldown  string `yaml:"backoff_cooldown"`
	ShortWindow      string `yaml:"short_window"`
	EmergencyCeiling *int   `yaml:"emergency_ceiling"`
	RedisAddr        string `yaml:"redis_addr"`
	Backend          string `yaml:"backend"`
}

// Settings is the loaded configuration.
type Settings struct {
	Controller requestctl.Config
	RedisAddr  string // shared window store; empty means local windows only
	Backend    string // base URL the proxy forwards to
}

// Load reads path (or $RIGUP_CONFIG when path is empty), applies env
// overrides and validates the result. A missing path means defaults plus
// env.
func Load(path string) (Settings, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	var f File
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return Settings{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	applyEnv(&f)
	return f.Settings()
}

// Settings converts the file into validated Settings.
func (f File) Settings() (Settings, error) {
	cfg := requestctl.DefaultConfig()

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ttl", f.TTL, &cfg.TTL},
		{"window_size", f.WindowSize, &cfg.WindowSize},
		{"min_spacing", f.MinSpacing, &cfg.MinSpacing},
		{"backoff_cooldown", f.BackoffCooldown, &cfg.BackoffCooldown},
		{"short_window", f.ShortWindow, &cfg.ShortWindow},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := ParseDuration(d.raw)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "%s", d.name)
		}
		*d.dst = v
	}

	if f.MaxEntries != nil {
		cfg.MaxEntries = *f.MaxEntries
	}
	if f.MaxPerWindow != nil {
		cfg.MaxPerWindow = *f.MaxPerWindow
	}
	if f.EmergencyCeiling != nil {
		cfg.EmergencyCeiling = *f.EmergencyCeiling
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}

	return Settings{
		Controller: cfg,
		RedisAddr:  f.RedisAddr,
		Backend:    strings.TrimRight(f.Backend, "/"),
	}, nil
}

// ParseDuration accepts "0", Go durations and day/week units.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "0" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", raw)
	}
	return d, nil
}

func applyEnv(f *File) {
	strs := map[string]*string{
		"TTL":              &f.TTL,
		"WINDOW_SIZE":      &f.WindowSize,
		"MIN_SPACING":      &f.MinSpacing,
		"BACKOFF_COOLDOWN": &f.BackoffCooldown,
		"SHORT_WINDOW":     &f.ShortWindow,
		"REDIS_ADDR":       &f.RedisAddr,
		"BACKEND":          &f.Backend,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]**int{
		"MAX_ENTRIES":       &f.MaxEntries,
		"MAX_PER_WINDOW":    &f.MaxPerWindow,
		"EMERGENCY_CEILING": &f.EmergencyCeiling,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		// Unparseable values are left to the file or the default.
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = &n
		}
	}
}
