package config

import (
	"fmt"
	"os"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node struct {
		DisplayName string `yaml:"display_name"`
		Role        string `yaml:"role"`
	} `yaml:"node"`

	Signal struct {
		URL          string        `yaml:"url"`
		TokenSecret  string        `yaml:"token_secret"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Monitor struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PingTimeout       time.Duration `yaml:"ping_timeout"`
		StatsInterval     time.Duration `yaml:"stats_interval"`
		RingCapacity      int           `yaml:"ring_capacity"`
		MinSamples        int           `yaml:"min_samples"`
		Probe             struct {
			Enabled     bool          `yaml:"enabled"`
			Interval    time.Duration `yaml:"interval"`
			Duration    time.Duration `yaml:"duration"`
			BitrateKbps int           `yaml:"bitrate_kbps"`
		} `yaml:"probe"`
	} `yaml:"monitor"`

	Adaptation struct {
		DowngradeRTT           time.Duration `yaml:"downgrade_rtt"`
		DowngradePacketLossPct float64       `yaml:"downgrade_packet_loss_pct"`
		DowngradeBandwidthKbps int           `yaml:"downgrade_bandwidth_kbps"`
		MaxUpgradeAttempts     int           `yaml:"max_upgrade_attempts"`
		UpgradeCooldownInitial time.Duration `yaml:"upgrade_cooldown_initial"`
		UpgradeCooldownStep    time.Duration `yaml:"upgrade_cooldown_step"`
		StabilityRTTDelta      time.Duration `yaml:"stability_rtt_delta"`
		StabilityLossDeltaPct  float64       `yaml:"stability_loss_delta_pct"`
		StabilityJitterDelta   time.Duration `yaml:"stability_jitter_delta"`
	} `yaml:"adaptation"`

	Reconnect struct {
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Factor       float64       `yaml:"factor"`
		Jitter       float64       `yaml:"jitter"`
		CheckDelay   time.Duration `yaml:"check_delay"`
	} `yaml:"reconnect"`

	Media struct {
		DefaultPreset string                      `yaml:"default_preset"`
		Audio         bool                        `yaml:"audio"`
		Video         bool                        `yaml:"video"`
		Presets       []domain.VideoQualityPreset `yaml:"presets"`
	} `yaml:"media"`

	DebugHTTP struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"debug_http"`

	Redis struct {
		Enabled       bool   `yaml:"enabled"`
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.DisplayName = "meshnode"
	cfg.Node.Role = "participant"

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.TokenSecret = "change-me-in-production"
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Monitor.HeartbeatInterval = 5 * time.Second
	cfg.Monitor.PingTimeout = 10 * time.Second
	cfg.Monitor.StatsInterval = 2 * time.Second
	cfg.Monitor.RingCapacity = 30
	cfg.Monitor.MinSamples = 5
	cfg.Monitor.Probe.Enabled = true
	cfg.Monitor.Probe.Interval = 30 * time.Second
	cfg.Monitor.Probe.Duration = 3 * time.Second
	cfg.Monitor.Probe.BitrateKbps = 2500

	cfg.Adaptation.DowngradeRTT = 300 * time.Millisecond
	cfg.Adaptation.DowngradePacketLossPct = 5.0
	cfg.Adaptation.DowngradeBandwidthKbps = 400
	cfg.Adaptation.MaxUpgradeAttempts = 3
	cfg.Adaptation.UpgradeCooldownInitial = 30 * time.Second
	cfg.Adaptation.UpgradeCooldownStep = 30 * time.Second
	cfg.Adaptation.StabilityRTTDelta = 50 * time.Millisecond
	cfg.Adaptation.StabilityLossDeltaPct = 1.0
	cfg.Adaptation.StabilityJitterDelta = 20 * time.Millisecond

	cfg.Reconnect.InitialDelay = 1 * time.Second
	cfg.Reconnect.MaxDelay = 30 * time.Second
	cfg.Reconnect.Factor = 2.0
	cfg.Reconnect.Jitter = 0.3
	cfg.Reconnect.CheckDelay = 2 * time.Second

	cfg.Media.DefaultPreset = "high"
	cfg.Media.Audio = true
	cfg.Media.Video = true
	cfg.Media.Presets = domain.DefaultPresetLadder()

	cfg.DebugHTTP.Enabled = false
	cfg.DebugHTTP.Address = ":8088"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.ChannelPrefix = "peermesh:presence"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "peermesh"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := validation.SignalURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if err := validation.DisplayName(c.Node.DisplayName); err != nil {
		return fmt.Errorf("node.display_name: %w", err)
	}
	if c.Signal.DialTimeout <= 0 {
		return fmt.Errorf("signal.dial_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}

	if c.Monitor.HeartbeatInterval <= 0 {
		return fmt.Errorf("monitor.heartbeat_interval must be > 0")
	}
	if c.Monitor.PingTimeout <= c.Monitor.HeartbeatInterval {
		return fmt.Errorf("monitor.ping_timeout must be > monitor.heartbeat_interval")
	}
	if c.Monitor.StatsInterval <= 0 {
		return fmt.Errorf("monitor.stats_interval must be > 0")
	}
	if c.Monitor.RingCapacity <= 0 {
		return fmt.Errorf("monitor.ring_capacity must be > 0")
	}
	if c.Monitor.MinSamples <= 0 || c.Monitor.MinSamples > c.Monitor.RingCapacity {
		return fmt.Errorf("monitor.min_samples must be in 1..ring_capacity")
	}
	if c.Monitor.Probe.Enabled {
		if c.Monitor.Probe.Interval <= 0 || c.Monitor.Probe.Duration <= 0 {
			return fmt.Errorf("monitor.probe.interval and duration must be > 0 when probing is enabled")
		}
		if c.Monitor.Probe.BitrateKbps <= 0 {
			return fmt.Errorf("monitor.probe.bitrate_kbps must be > 0 when probing is enabled")
		}
	}

	if c.Adaptation.MaxUpgradeAttempts < 0 {
		return fmt.Errorf("adaptation.max_upgrade_attempts must be >= 0")
	}
	if c.Adaptation.UpgradeCooldownInitial <= 0 {
		return fmt.Errorf("adaptation.upgrade_cooldown_initial must be > 0")
	}

	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
	}
	if c.Reconnect.Factor < 1.0 {
		return fmt.Errorf("reconnect.factor must be >= 1.0")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be in 0..1")
	}

	if len(c.Media.Presets) == 0 {
		return fmt.Errorf("media.presets must not be empty")
	}
	if _, ok := domain.PresetLadder(c.Media.Presets).Find(c.Media.DefaultPreset); !ok {
		return fmt.Errorf("media.default_preset %q is not in media.presets", c.Media.DefaultPreset)
	}

	if c.DebugHTTP.Enabled && c.DebugHTTP.Address == "" {
		return fmt.Errorf("debug_http.address must not be empty when debug_http.enabled=true")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("PEERMESH_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if secret := os.Getenv("PEERMESH_TOKEN_SECRET"); secret != "" {
		c.Signal.TokenSecret = secret
	}
	if level := os.Getenv("PEERMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("PEERMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
