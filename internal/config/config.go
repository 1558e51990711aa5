// Package config holds all configuration types and loading logic for lapse.
// One file configures both binaries: the player reads player/loader/output/
// viewer, the frame server reads server; both read metrics.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/lapse/internal/tier"
)

// Config is the root configuration.
type Config struct {
	Player  PlayerConfig  `yaml:"player"`
	Loader  LoaderConfig  `yaml:"loader"`
	Output  OutputConfig  `yaml:"output"`
	Viewer  ViewerConfig  `yaml:"viewer"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// PlayerConfig controls the playback engine.
type PlayerConfig struct {
	// BaseURL is the frame server root; /images and /image/{tier}/{key} hang off it.
	BaseURL        string  `yaml:"base_url"`
	BufferAhead    int     `yaml:"buffer_ahead"`
	BufferBehind   int     `yaml:"buffer_behind"`
	FPS            float64 `yaml:"fps"`
	SwipeThreshold float64 `yaml:"swipe_threshold"`
	// ViewportWidth picks the resolution tier once at startup.
	ViewportWidth int `yaml:"viewport_width"`
	// Tier overrides ViewportWidth when set.
	Tier      string `yaml:"tier"`
	RefreshHz int    `yaml:"refresh_hz"`
	Autoplay  bool   `yaml:"autoplay"`
}

// LoaderConfig bounds frame fetching.
type LoaderConfig struct {
	TimeoutMs   int `yaml:"timeout_ms"`
	MaxInFlight int `yaml:"max_in_flight"`
}

// OutputConfig controls where presented frames go besides the log.
type OutputConfig struct {
	// FramePath, when set, receives every presented frame via an atomic rename.
	FramePath string `yaml:"frame_path"`
}

// ViewerConfig controls the player's HTTP/WebSocket control surface.
type ViewerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ServerConfig controls the frame server.
type ServerConfig struct {
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	ImageDir       string  `yaml:"image_dir"`
	DataDir        string  `yaml:"data_dir"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// Watch re-scans ImageDir when files change.
	Watch bool `yaml:"watch"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Player: PlayerConfig{
			BaseURL:        "http://127.0.0.1:3000",
			BufferAhead:    50,
			BufferBehind:   20,
			FPS:            8,
			SwipeThreshold: 30,
			ViewportWidth:  1280,
			RefreshHz:      60,
			Autoplay:       true,
		},
		Loader: LoaderConfig{
			TimeoutMs:   15_000,
			MaxInFlight: 8,
		},
		Viewer: ViewerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           3000,
			ImageDir:       "./images",
			DataDir:        "./data",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			Watch:          true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	LAPSE_BASE_URL        — sets player.base_url
//	LAPSE_VIEWPORT_WIDTH  — sets player.viewport_width
//	LAPSE_IMAGE_DIR       — sets server.image_dir
//	LAPSE_PORT            — sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LAPSE_BASE_URL"); v != "" {
		cfg.Player.BaseURL = v
	}
	if v := os.Getenv("LAPSE_VIEWPORT_WIDTH"); v != "" {
		var w int
		if _, err := fmt.Sscanf(v, "%d", &w); err == nil && w > 0 {
			cfg.Player.ViewportWidth = w
		}
	}
	if v := os.Getenv("LAPSE_IMAGE_DIR"); v != "" {
		cfg.Server.ImageDir = v
	}
	if v := os.Getenv("LAPSE_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// ResolvedTier returns the configured tier override, or the tier for the
// viewport width.
func (c *Config) ResolvedTier() tier.Tier {
	if c.Player.Tier != "" {
		if t, err := tier.Parse(c.Player.Tier); err == nil {
			return t
		}
	}
	return tier.ForViewport(c.Player.ViewportWidth)
}

// Validate checks the player settings. It returns the first error found.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Player.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("player.base_url must be an absolute URL")
	}
	if c.Player.BufferAhead < 1 {
		return errors.New("player.buffer_ahead must be at least 1")
	}
	if c.Player.BufferBehind < 0 {
		return errors.New("player.buffer_behind must be >= 0")
	}
	if c.Player.FPS <= 0 {
		return errors.New("player.fps must be positive")
	}
	if c.Player.SwipeThreshold < 0 {
		return errors.New("player.swipe_threshold must be >= 0")
	}
	if c.Player.RefreshHz < 1 {
		return errors.New("player.refresh_hz must be at least 1")
	}
	if c.Player.Tier != "" {
		if _, err := tier.Parse(c.Player.Tier); err != nil {
			return fmt.Errorf("player.tier: %w", err)
		}
	}
	if c.Loader.MaxInFlight < 1 {
		return errors.New("loader.max_in_flight must be at least 1")
	}
	if c.Loader.TimeoutMs < 0 {
		return errors.New("loader.timeout_ms must be >= 0")
	}
	if c.Viewer.Enabled && (c.Viewer.Port < 1 || c.Viewer.Port > 65535) {
		return errors.New("viewer.port must be between 1 and 65535")
	}
	return c.validateMetrics()
}

// ValidateServer checks the frame server settings.
func (c *Config) ValidateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.ImageDir == "" {
		return errors.New("server.image_dir must not be empty")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_rps and server.rate_limit_burst must be positive")
	}
	return c.validateMetrics()
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
