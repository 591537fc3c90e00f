// Package config provides configuration management for the camera
// control service.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
	// StatusIntervalSeconds is the periodic status_update cadence.
	StatusIntervalSeconds int `yaml:"status_interval_seconds"`
}

// DataConfig holds filesystem locations.
type DataConfig struct {
	// Path is the root for the database and timelapse reports.
	Path string `yaml:"path"`
}

// NetworkConfig describes the two client-facing interfaces. Clients
// inside the access-point subnet outrank Wi-Fi-client-mode clients for
// time sync.
type NetworkConfig struct {
	// APCIDR is the access-point subnet, e.g. 192.168.4.0/24.
	APCIDR string `yaml:"ap_cidr"`
}

// DiscoveryConfig holds camera discovery settings.
type DiscoveryConfig struct {
	// SearchIntervalSeconds is the cadence of active SSDP M-SEARCH.
	SearchIntervalSeconds int `yaml:"search_interval_seconds"`
	// CameraPort is the default CCAPI port for manually added cameras.
	CameraPort int `yaml:"camera_port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, applies defaults and environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.path = path
	cfg.setDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.StatusIntervalSeconds == 0 {
		c.Server.StatusIntervalSeconds = 10
	}
	if c.Data.Path == "" {
		c.Data.Path = "/var/lib/pi-camera-control"
	}
	if c.Network.APCIDR == "" {
		c.Network.APCIDR = "192.168.4.0/24"
	}
	if c.Discovery.SearchIntervalSeconds == 0 {
		c.Discovery.SearchIntervalSeconds = 60
	}
	if c.Discovery.CameraPort == 0 {
		c.Discovery.CameraPort = 443
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnv applies environment overrides, which win over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATA_PATH"); v != "" {
		c.Data.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AP_CIDR"); v != "" {
		c.Network.APCIDR = v
	}
}

// StatusInterval returns the status broadcast period.
func (c *Config) StatusInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Server.StatusIntervalSeconds) * time.Second
}

// Watch starts watching for configuration file changes.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk.
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Server = newCfg.Server
	c.Data = newCfg.Data
	c.Network = newCfg.Network
	c.Discovery = newCfg.Discovery
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// LogLevel maps the configured level string to slog.
func (c *Config) LogLevel() slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
