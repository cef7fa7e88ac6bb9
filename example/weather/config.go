package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type config struct {
	Mode      string `yaml:"mode" toml:"mode"`           // "demo", "server", "client"
	Transport string `yaml:"transport" toml:"transport"` // "sse", "stdio"
	Addr      string `yaml:"addr" toml:"addr"`
	ServerURL string `yaml:"server_url" toml:"server_url"`
	LogLevel  string `yaml:"log_level" toml:"log_level"` // "debug", "info", "warn", "error"
	Verbose   bool   `yaml:"verbose" toml:"verbose"`

	ProtocolVersions []string `yaml:"protocol_versions" toml:"protocol_versions"`
	CallTimeout      duration `yaml:"call_timeout" toml:"call_timeout"`
	ToolTimeout      duration `yaml:"tool_timeout" toml:"tool_timeout"`
	PingInterval     duration `yaml:"ping_interval" toml:"ping_interval"`

	Weather weatherConfig `yaml:"weather" toml:"weather"`
}

type weatherConfig struct {
	BaseURL   string   `yaml:"base_url" toml:"base_url"`
	Timeout   duration `yaml:"timeout" toml:"timeout"`
	CachePath string   `yaml:"cache_path" toml:"cache_path"`
	CacheTTL  duration `yaml:"cache_ttl" toml:"cache_ttl"`
	RateLimit float64  `yaml:"rate_limit" toml:"rate_limit"` // lookups per second, 0 disables
	RateBurst int      `yaml:"rate_burst" toml:"rate_burst"`
	Tools     []string `yaml:"tools" toml:"tools"` // glob patterns, empty exposes every tool
}

// duration reads "10s" style strings from both YAML and TOML.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func defaultConfig() config {
	return config{
		Mode:         "demo",
		Transport:    "sse",
		Addr:         "localhost:8000",
		ServerURL:    "http://localhost:8000",
		LogLevel:     "warn",
		CallTimeout:  duration{30 * time.Second},
		ToolTimeout:  duration{20 * time.Second},
		PingInterval: duration{30 * time.Second},
		Weather: weatherConfig{
			BaseURL:   "https://wttr.in",
			Timeout:   duration{10 * time.Second},
			CacheTTL:  duration{15 * time.Minute},
			RateBurst: 1,
		},
	}
}

// loadConfig reads the config file, if any, over the defaults, then applies the command line.
func loadConfig(args []string) (config, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("weather", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to configuration file (yaml or toml)")
	mode := fs.String("mode", "", "Run mode: demo, server or client")
	transport := fs.String("transport", "", "Transport: sse or stdio")
	addr := fs.String("addr", "", "Listen address of the SSE server")
	serverURL := fs.String("server-url", "", "Base URL of the SSE server the client connects to")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error")
	verbose := fs.Bool("verbose", false, "Show detailed JSON-RPC messages")
	cachePath := fs.String("cache", "", "Path to the SQLite weather cache, empty disables caching")
	tools := fs.String("tools", "", "Comma separated glob patterns of the tools to expose")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if *configFile != "" {
		if err := readConfigFile(*configFile, &cfg); err != nil {
			return config{}, err
		}
	}

	// Flags win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "transport":
			cfg.Transport = *transport
		case "addr":
			cfg.Addr = *addr
		case "server-url":
			cfg.ServerURL = *serverURL
		case "log-level":
			cfg.LogLevel = *logLevel
		case "verbose":
			cfg.Verbose = *verbose
		case "cache":
			cfg.Weather.CachePath = *cachePath
		case "tools":
			cfg.Weather.Tools = splitList(*tools)
		}
	})

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func readConfigFile(path string, cfg *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to unmarshal TOML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension: %s", ext)
	}
	return nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (c config) validate() error {
	switch c.Mode {
	case "demo", "server", "client":
	default:
		return fmt.Errorf("unknown mode: %s", c.Mode)
	}
	switch c.Transport {
	case "sse", "stdio":
	default:
		return fmt.Errorf("unknown transport: %s", c.Transport)
	}
	if c.Mode == "client" && c.Transport != "sse" {
		return fmt.Errorf("client mode only supports the sse transport")
	}
	for _, d := range []duration{c.CallTimeout, c.ToolTimeout, c.Weather.Timeout} {
		if d.Duration <= 0 {
			return fmt.Errorf("timeouts must be positive")
		}
	}
	return nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelWarn
	}
	return level
}
