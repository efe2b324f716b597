package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/sagawidget/internal/api"
	"github.com/knadh/sagawidget/internal/media"
	"github.com/knadh/sagawidget/internal/session"
	"github.com/knadh/sagawidget/internal/widget"
	fsstore "github.com/knadh/sagawidget/store/fs"
	"github.com/knadh/sagawidget/store/pebble"
	"github.com/knadh/sagawidget/store/redis"
	flag "github.com/spf13/pflag"
)

const envPrefix = "SAGA_"

// Config is the app configuration.
type Config struct {
	// URL is the widget URL the session was opened with. The identity is
	// read from its query parameters.
	URL string `koanf:"url"`

	App struct {
		Address string `koanf:"address"`
	} `koanf:"app"`

	API     api.Config     `koanf:"api"`
	Session session.Config `koanf:"session"`
	Widget  widget.Config  `koanf:"widget"`
	Media   media.Config   `koanf:"media"`
	Store   storeConfig    `koanf:"store"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

type storeConfig struct {
	// Type is one of fs, memory, redis or pebble.
	Type   string         `koanf:"type"`
	FS     fsstore.Config `koanf:"fs"`
	Redis  redis.Config   `koanf:"redis"`
	Pebble pebble.Config  `koanf:"pebble"`
}

// defaultConfig returns the config values loaded before everything else.
func defaultConfig() map[string]interface{} {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	dir = filepath.Join(dir, "sagawidget")

	return map[string]interface{}{
		"app.address":                   "127.0.0.1:9100",
		"session.pin_enabled":           false,
		"session.refresh_interval":      "30s",
		"session.expiry_check_interval": "60s",
		"session.max_refresh_backoff":   "5m",
		"widget.library_url":            widget.DefaultLibraryURL,
		"widget.ready_timeout":          "10s",
		"media.max_memory":              media.DefaultMaxMemory,
		"store.type":                    "fs",
		"store.fs.path":                 filepath.Join(dir, "room_auth.json"),
		"store.pebble.dir":              filepath.Join(dir, "pebble"),
		"store.redis.address":           "127.0.0.1:6379",
		"store.redis.active_conns":      10,
		"store.redis.idle_conns":        2,
		"store.redis.timeout":           "3s",
		"log.level":                     "info",
	}
}

// initFlags registers the config flags on f.
func initFlags(f *flag.FlagSet) {
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML or YAML config files to load in order")
	f.String("env-file", ".env", "Path to a .env file to load into the environment")
	f.String("url", "", "Widget URL carrying the matrix_user_id and matrix_room_id parameters")
	f.String("api.base_url", "", "API base URL")
	f.Bool("session.pin_enabled", false, "Require PIN authentication")
	f.String("app.address", "", "Control server listen address")
	f.String("log.level", "", "Log level (debug, info, warn, error)")
}

// loadConfig loads the config from defaults, files, a .env file, the
// environment and command line flags, in that order.
func loadConfig(f *flag.FlagSet) (*koanf.Koanf, Config, error) {
	ko := koanf.New(".")
	var cfg Config

	if err := ko.Load(confmap.Provider(defaultConfig(), "."), nil); err != nil {
		return nil, cfg, err
	}

	// Read the config files. A missing file isn't an error.
	cFiles, _ := f.GetStringSlice("config")
	for _, fname := range cFiles {
		p := koanf.Parser(toml.Parser())
		switch strings.ToLower(filepath.Ext(fname)) {
		case ".yml", ".yaml":
			p = yaml.Parser()
		}
		if err := ko.Load(file.Provider(fname), p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, cfg, fmt.Errorf("error reading config %s: %w", fname, err)
		}
	}

	// Load the .env file into the environment without overriding
	// variables that are already set.
	if envFile, _ := f.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, cfg, fmt.Errorf("error reading env file %s: %w", envFile, err)
		}
	}

	// Merge env vars into config. SAGA_API__BASE_URL becomes api.base_url.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, cfg, fmt.Errorf("error loading env config: %w", err)
	}

	// Merge command line flags into config.
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return nil, cfg, fmt.Errorf("error loading flags: %w", err)
	}

	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, cfg, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return ko, cfg, nil
}
