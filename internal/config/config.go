// Package config handles loading and hot-reloading of the gateway's
// configuration via Viper. Two shapes of the same data are accepted:
// a gateway.yaml file (for local development and hot-reload), and the JSON
// blobs MODEL_INSTANCES_JSON / SERVICE_HEALTH_CHECKS environment variables
// (for container deployment), which always win over the YAML file when set.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// InstanceCfg is the YAML/JSON representation of a single LLM instance.
type InstanceCfg struct {
	Name          string  `mapstructure:"name" json:"name"`
	URL           string  `mapstructure:"url" json:"url"`
	InitialWeight int     `mapstructure:"initial_weight" json:"initial_weight"`
	LoadThreshold float64 `mapstructure:"load_threshold" json:"load_threshold"`
}

// ModelCfg names one model and its ordered list of instances.
type ModelCfg struct {
	Name      string        `mapstructure:"name" json:"name"`
	Instances []InstanceCfg `mapstructure:"instances" json:"instances"`
}

// ToolServiceCfg is one entry of the tool microservice fleet.
type ToolServiceCfg struct {
	Name          string  `mapstructure:"name" json:"name"`
	HealthURL     string  `mapstructure:"health_url" json:"health_url"`
	QPSThreshold  float64 `mapstructure:"qps_threshold" json:"qps_threshold"`
	RTThresholdMs float64 `mapstructure:"rt_threshold_ms" json:"rt_threshold_ms"`
}

// HealthCheckCfg controls active probing of the tool fleet.
type HealthCheckCfg struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
}

// ParsedInterval returns the probe interval, defaulting to 10s.
func (h HealthCheckCfg) ParsedInterval() time.Duration {
	d, _ := time.ParseDuration(h.Interval)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ParsedTimeout returns the per-probe timeout, defaulting to 2s.
func (h HealthCheckCfg) ParsedTimeout() time.Duration {
	d, _ := time.ParseDuration(h.Timeout)
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

// RateLimitCfg controls the advisory per-IP token-bucket limiter.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AuthCfg controls the opaque shared-secret header check (mode "static",
// the default and the spec-mandated path) or HMAC JWT Bearer validation
// (mode "jwt") for operators who want more than an opaque check.
type AuthCfg struct {
	Enabled    bool     `mapstructure:"enabled"`
	Mode       string   `mapstructure:"mode"` // "static" | "jwt"
	HeaderName string   `mapstructure:"header_name"`
	Secret     string   `mapstructure:"secret"`
	Exclude    []string `mapstructure:"exclude"`
}

// Config is the top-level gateway configuration.
type Config struct {
	ListenAddr  string           `mapstructure:"listen_addr"`
	APIPrefix   string           `mapstructure:"api_prefix"`
	Models      []ModelCfg       `mapstructure:"models"`
	Tools       []ToolServiceCfg `mapstructure:"tools"`
	HealthCheck HealthCheckCfg   `mapstructure:"health_check"`
	RateLimit   RateLimitCfg     `mapstructure:"rate_limit"`
	Auth        AuthCfg          `mapstructure:"auth"`

	ProxyTimeout string `mapstructure:"proxy_timeout"`
	// StreamSniffLimit caps how many request-body bytes are buffered to
	// decide stream:true before defaulting to non-streaming (spec.md §9).
	StreamSniffLimit int64 `mapstructure:"stream_sniff_limit"`
}

// ParsedProxyTimeout returns the unary upstream timeout, defaulting to 300s.
func (c Config) ParsedProxyTimeout() time.Duration {
	d, _ := time.ParseDuration(c.ProxyTimeout)
	if d <= 0 {
		return 300 * time.Second
	}
	return d
}

// Default returns a minimal single-instance config with no tool services,
// suitable for local development when no gateway.yaml is present.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		APIPrefix:  "api/v1",
		Models: []ModelCfg{
			{
				Name: "default",
				Instances: []InstanceCfg{
					{Name: "local", URL: "http://localhost:8081", InitialWeight: 20, LoadThreshold: 100},
				},
			},
		},
		HealthCheck:      HealthCheckCfg{Enabled: true, Interval: "10s", Timeout: "2s"},
		RateLimit:        RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Auth:             AuthCfg{Enabled: false, Mode: "static", HeaderName: "X-Gateway-Token"},
		ProxyTimeout:     "300s",
		StreamSniffLimit: 4 << 20,
	}
}

// Load reads and parses the YAML file at path using Viper, then applies the
// MODEL_INSTANCES_JSON / SERVICE_HEALTH_CHECKS environment overrides.
// It returns the parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file is
// saved. The callback receives a freshly parsed Config. Invalid reloads are
// logged and silently skipped — the previous config stays active.
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded",
			"models", len(cfg.Models),
			"tools", len(cfg.Tools),
		)
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	// Defaults — all overridable by gateway.yaml.
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("api_prefix", "api/v1")
	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.mode", "static")
	v.SetDefault("auth.header_name", "X-Gateway-Token")
	v.SetDefault("proxy_timeout", "300s")
	v.SetDefault("stream_sniff_limit", int64(4<<20))

	return v
}

// unmarshal decodes v into a Config and applies the env-var JSON override
// blobs described in spec.md §6. Those blobs, when present, always win —
// they are the container-deployment path; the YAML file is the dev path.
func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}

	if blob := os.Getenv("MODEL_INSTANCES_JSON"); blob != "" {
		var models []ModelCfg
		if err := json.Unmarshal([]byte(blob), &models); err != nil {
			return Config{}, fmt.Errorf("config: parsing MODEL_INSTANCES_JSON: %w", err)
		}
		cfg.Models = models
	}
	if blob := os.Getenv("SERVICE_HEALTH_CHECKS"); blob != "" {
		var tools []ToolServiceCfg
		if err := json.Unmarshal([]byte(blob), &tools); err != nil {
			return Config{}, fmt.Errorf("config: parsing SERVICE_HEALTH_CHECKS: %w", err)
		}
		cfg.Tools = tools
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Models) == 0 {
		return fmt.Errorf("config: at least one model must be defined")
	}
	seen := map[string]struct{}{}
	for mi, m := range cfg.Models {
		if m.Name == "" {
			return fmt.Errorf("config: models[%d] has empty name", mi)
		}
		if len(m.Instances) == 0 {
			return fmt.Errorf("config: model %q has no instances", m.Name)
		}
		for ii, inst := range m.Instances {
			if inst.URL == "" {
				return fmt.Errorf("config: model %q instance[%d] has empty url", m.Name, ii)
			}
			if inst.Name == "" {
				return fmt.Errorf("config: model %q instance[%d] has empty name", m.Name, ii)
			}
			key := m.Name + "/" + inst.Name
			if _, dup := seen[key]; dup {
				return fmt.Errorf("config: model %q has duplicate instance name %q", m.Name, inst.Name)
			}
			seen[key] = struct{}{}
			if cfg.Models[mi].Instances[ii].InitialWeight <= 0 {
				cfg.Models[mi].Instances[ii].InitialWeight = 20
			}
			if cfg.Models[mi].Instances[ii].InitialWeight > 100 {
				cfg.Models[mi].Instances[ii].InitialWeight = 100
			}
			if cfg.Models[mi].Instances[ii].LoadThreshold <= 0 {
				cfg.Models[mi].Instances[ii].LoadThreshold = 100
			}
		}
	}
	for ti, t := range cfg.Tools {
		if t.Name == "" {
			return fmt.Errorf("config: tools[%d] has empty name", ti)
		}
		if t.HealthURL == "" {
			return fmt.Errorf("config: tool %q has empty health_url", t.Name)
		}
		if cfg.Tools[ti].QPSThreshold <= 0 {
			cfg.Tools[ti].QPSThreshold = 100
		}
		if cfg.Tools[ti].RTThresholdMs <= 0 {
			cfg.Tools[ti].RTThresholdMs = 500
		}
	}
	return nil
}
