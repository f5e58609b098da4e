// Package config loads and validates the process configuration. Bad
// configuration is fatal at load time; nothing downstream re-validates.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/infra/sink"
)

// Config is the root of both the headend and agent configuration. Each
// process reads the sections it needs.
type Config struct {
	Headend HeadendConfig `json:"headend"`
	Agent   AgentConfig   `json:"agent"`
	Fleet   FleetConfig   `json:"fleet"`
	Sink    SinkConfig    `json:"sink"`
}

// HeadendConfig configures the control-plane process.
type HeadendConfig struct {
	// Addr serves the agent link and the operator API.
	Addr string `json:"addr"`
	// MetricsAddr serves the Prometheus scrape endpoint.
	MetricsAddr string `json:"metrics_addr"`
}

// AgentConfig configures one field agent process.
type AgentConfig struct {
	// HeadendURL is the websocket link endpoint, e.g. ws://host:8080/agents/link.
	HeadendURL string `json:"headend_url"`
	GatewayID  string `json:"gateway_id"`
	SiteID     string `json:"site_id"`
	// AssetIDs lists the assets this gateway serves, in declaration order.
	AssetIDs []string `json:"asset_ids"`
	// TickIntervalS advances every simulated asset. Defaults to 4 seconds.
	TickIntervalS int `json:"tick_interval_s"`
	// InitialSoCPct seeds each asset's state of charge. Defaults to 50.
	InitialSoCPct float64 `json:"initial_soc_pct"`
	// HeartbeatS refreshes liveness between telemetry frames.
	HeartbeatS int `json:"heartbeat_s"`
}

// FleetConfig is the static asset and site inventory. Site resolution and
// split weights come from here, never from live registrations.
type FleetConfig struct {
	Sites  []model.Site  `json:"sites"`
	Assets []model.Asset `json:"assets"`
}

// SinkConfig selects the history backends. Empty sections disable them.
type SinkConfig struct {
	// Buffer is the async write queue capacity.
	Buffer int               `json:"buffer"`
	Influx sink.InfluxConfig `json:"influx"`
	MQTT   sink.MQTTConfig   `json:"mqtt"`
}

// Load reads and validates a yaml or json configuration file, applying
// K_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Headend.Addr == "" {
		c.Headend.Addr = ":8080"
	}
	if c.Headend.MetricsAddr == "" {
		c.Headend.MetricsAddr = ":9090"
	}
	if c.Agent.TickIntervalS <= 0 {
		c.Agent.TickIntervalS = 4
	}
	if c.Agent.InitialSoCPct <= 0 {
		c.Agent.InitialSoCPct = 50
	}
	if c.Agent.HeartbeatS <= 0 {
		c.Agent.HeartbeatS = 30
	}
	if c.Sink.Buffer <= 0 {
		c.Sink.Buffer = 1024
	}
}

// Validate checks the fleet inventory. Every asset must reference a
// declared site and carry physically consistent parameters.
func (c Config) Validate() error {
	sites := make(map[string]struct{}, len(c.Fleet.Sites))
	for _, s := range c.Fleet.Sites {
		if s.ID == "" {
			return fmt.Errorf("site with empty id")
		}
		if _, dup := sites[s.ID]; dup {
			return fmt.Errorf("duplicate site %s", s.ID)
		}
		sites[s.ID] = struct{}{}
	}

	assets := make(map[string]struct{}, len(c.Fleet.Assets))
	for _, a := range c.Fleet.Assets {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("asset %s: %w", a.ID, err)
		}
		if _, dup := assets[a.ID]; dup {
			return fmt.Errorf("duplicate asset %s", a.ID)
		}
		assets[a.ID] = struct{}{}
		if _, ok := sites[a.SiteID]; !ok {
			return fmt.Errorf("asset %s references unknown site %s", a.ID, a.SiteID)
		}
	}

	for _, id := range c.Agent.AssetIDs {
		if _, ok := assets[id]; !ok && len(c.Fleet.Assets) > 0 {
			return fmt.Errorf("agent serves unknown asset %s", id)
		}
	}
	return nil
}
