// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Planner  PlannerConfig  `mapstructure:"planner" yaml:"planner"`
	Approval ApprovalConfig `mapstructure:"approval" yaml:"approval"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// LoggerConfig controls the zap logger and its rotated file sink.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Type is one of "memory", "file", "postgres".
	Type string `mapstructure:"type" yaml:"type"`
	// Dir is the session directory for the file backend.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// DatabaseURL is the pgx connection string for the postgres backend.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// EngineConfig configures the session engine and its execution loop.
type EngineConfig struct {
	// MaxConcurrentSessions bounds simultaneously running sessions.
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	// BrowserSlots bounds concurrently held capabilities (browser contexts).
	BrowserSlots int64 `mapstructure:"browser_slots" yaml:"browser_slots"`
	// PlannerRatePerMinute throttles outbound planning calls.
	PlannerRatePerMinute float64 `mapstructure:"planner_rate_per_minute" yaml:"planner_rate_per_minute"`
	// BackoffBase and BackoffMax shape the retry delay schedule.
	BackoffBase   time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	BackoffJitter bool          `mapstructure:"backoff_jitter" yaml:"backoff_jitter"`
	// ResultSuccessThreshold is the minimum fraction of successful steps
	// for result validation to pass.
	ResultSuccessThreshold float64 `mapstructure:"result_success_threshold" yaml:"result_success_threshold"`
	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// BrowserConfig holds settings for the headless browser capability.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
	DownloadDir     string   `mapstructure:"download_dir" yaml:"download_dir"`
	ScreenshotDir   string   `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// PlannerConfig selects and configures plan synthesis.
type PlannerConfig struct {
	// Provider is one of "gemini", "rules".
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxActions  int           `mapstructure:"max_actions" yaml:"max_actions"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	// PortalURL seeds the rule planner's navigation target.
	PortalURL string `mapstructure:"portal_url" yaml:"portal_url"`
}

// ApprovalConfig controls approval gating and the denial policy.
type ApprovalConfig struct {
	// GateAt is the minimum risk tier that requires approval: "low",
	// "medium" or "high". An empty value keeps the default (medium).
	GateAt string `mapstructure:"gate_at" yaml:"gate_at"`
	// Deadline bounds how long a session waits for a decision; zero means
	// wait indefinitely.
	Deadline time.Duration `mapstructure:"deadline" yaml:"deadline"`
	// OnDenial is "abort" (default) or "replan": whether a denied plan
	// approval permanently aborts the session or permits one re-plan with
	// the denial feedback folded into the next planning call.
	OnDenial string `mapstructure:"on_denial" yaml:"on_denial"`
}

// ServerConfig configures the HTTP API daemon.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GateTier translates the configured gate into a risk tier.
func (a ApprovalConfig) GateTier() schemas.RiskTier {
	switch a.GateAt {
	case "low":
		return schemas.RiskLow
	case "high":
		return schemas.RiskHigh
	default:
		return schemas.RiskMedium
	}
}

// ReplanOnDenial reports whether a denied plan approval permits a re-plan.
func (a ApprovalConfig) ReplanOnDenial() bool {
	return a.OnDenial == "replan"
}

// SetDefaults initializes default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "portero-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Store --
	v.SetDefault("store.type", "file")
	v.SetDefault("store.dir", defaultSessionDir())
	v.SetDefault("store.database_url", "")

	// -- Engine --
	v.SetDefault("engine.max_concurrent_sessions", 16)
	v.SetDefault("engine.browser_slots", 4)
	v.SetDefault("engine.planner_rate_per_minute", 30.0)
	v.SetDefault("engine.backoff_base", "1s")
	v.SetDefault("engine.backoff_max", "30s")
	v.SetDefault("engine.backoff_jitter", true)
	v.SetDefault("engine.result_success_threshold", 0.8)
	v.SetDefault("engine.event_buffer", 64)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.download_dir", defaultDataDir("downloads"))
	v.SetDefault("browser.screenshot_dir", defaultDataDir("screenshots"))

	// -- Planner --
	v.SetDefault("planner.provider", "gemini")
	v.SetDefault("planner.model", "gemini-2.5-flash")
	v.SetDefault("planner.timeout", "60s")
	v.SetDefault("planner.max_actions", 25)
	v.SetDefault("planner.temperature", 0.2)

	// -- Approval --
	v.SetDefault("approval.gate_at", "medium")
	v.SetDefault("approval.deadline", "0s")
	v.SetDefault("approval.on_denial", "abort")

	// -- Server --
	v.SetDefault("server.addr", ":8700")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// NewDefaultConfig returns a Config populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory":
	case "file":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file store")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres store (hint: PORTERO_STORE_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}

	switch c.Planner.Provider {
	case "rules":
	case "gemini":
		if c.Planner.APIKey == "" {
			return fmt.Errorf("planner.api_key is required for the gemini planner (hint: PORTERO_PLANNER_API_KEY)")
		}
	default:
		return fmt.Errorf("unknown planner.provider %q", c.Planner.Provider)
	}

	switch c.Approval.OnDenial {
	case "", "abort", "replan":
	default:
		return fmt.Errorf("approval.on_denial must be \"abort\" or \"replan\", got %q", c.Approval.OnDenial)
	}

	if c.Engine.BrowserSlots <= 0 {
		return fmt.Errorf("engine.browser_slots must be positive")
	}
	if c.Engine.ResultSuccessThreshold < 0 || c.Engine.ResultSuccessThreshold > 1 {
		return fmt.Errorf("engine.result_success_threshold must be within [0,1]")
	}
	return nil
}

func defaultSessionDir() string {
	return defaultDataDir("sessions")
}

func defaultDataDir(sub string) string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".", ".portero", sub)
	}
	return filepath.Join(home, ".portero", sub)
}
