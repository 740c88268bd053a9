package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	offlinecache "github.com/representacao-comercial/offline-cache"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Identifier of the current cache generation.
	CacheName string `yaml:"cacheName"`
	// Assets stored at install time.
	Manifest []string `yaml:"manifest"`

	Server struct {
		Port int `yaml:"port"`
		// Origin URL to proxy to.
		Origin string `yaml:"origin"`
		// Hostname of origin, if it differs from the origin URL.
		Host string `yaml:"host"`
		// Static folder to serve instead of proxying to an origin.
		Static string `yaml:"static"`
		// Listen address of the admin routes, e.g. "127.0.0.1:8081".
		// The admin routes are not served if empty.
		Admin string `yaml:"admin"`
	} `yaml:"server"`

	Storage struct {
		// memory, sqlite or leveldb
		Provider string `yaml:"provider"`
		Path     string `yaml:"path"`
	} `yaml:"storage"`

	Connectivity struct {
		// Start offline and never probe.
		Offline bool `yaml:"offline"`
		// Probe interval, e.g. "5s". Probing is disabled if empty.
		Probe string `yaml:"probe"`

		probeDur time.Duration
	} `yaml:"connectivity"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	// Log at trace level instead of debug.
	Trace bool `yaml:"trace"`
	// File to append JSON logs to, in addition to the console.
	File string `yaml:"file"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.CacheName = offlinecache.DefaultCacheName
	cfg.Manifest = append([]string(nil), offlinecache.DefaultManifest...)
	cfg.Server.Port = 8080
	cfg.Storage.Provider = "sqlite"
	cfg.Storage.Path = "cache.db"
	return cfg
}

// loadConfig reads the YAML file at path over the defaults.
// An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks the final config, after flags have been applied.
func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if cfg.Server.Origin == "" && cfg.Server.Static == "" {
		return fmt.Errorf("server.origin or server.static is required")
	}
	if cfg.Server.Origin != "" && cfg.Server.Static != "" {
		return fmt.Errorf("server.origin and server.static are mutually exclusive")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.CacheName == "" {
		return fmt.Errorf("cacheName is required")
	}
	for i, asset := range cfg.Manifest {
		if !strings.HasPrefix(asset, "/") {
			return fmt.Errorf("manifest[%d]: %q is not an absolute path", i, asset)
		}
	}
	if cfg.Server.Admin != "" {
		if _, port, err := net.SplitHostPort(cfg.Server.Admin); err != nil {
			return fmt.Errorf("server.admin: %w", err)
		} else if port == strconv.Itoa(cfg.Server.Port) {
			return fmt.Errorf("server.admin must not use the public port %d", cfg.Server.Port)
		}
	}
	switch cfg.Storage.Provider {
	case "memory", "sqlite", "leveldb":
	default:
		return fmt.Errorf("storage.provider: unsupported provider %q", cfg.Storage.Provider)
	}
	if cfg.Connectivity.Probe != "" {
		d, err := time.ParseDuration(cfg.Connectivity.Probe)
		if err != nil {
			return fmt.Errorf("connectivity.probe: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("connectivity.probe must be positive")
		}
		if cfg.Server.Origin == "" {
			return fmt.Errorf("connectivity.probe needs server.origin")
		}
		cfg.Connectivity.probeDur = d
	}
	return nil
}
