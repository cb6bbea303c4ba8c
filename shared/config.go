package shared

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvKeyOpenAIAPIKey        = "OPENAI_API_KEY"
	EnvKeyOpenAIBaseURL       = "OPENAI_BASE_URL"
	EnvKeyFoursquareToken     = "FOURSQUARE_SERVICE_TOKEN"
	EnvKeyAmadeusAPIKey       = "AMADEUS_API_KEY"
	EnvKeyAmadeusClientID     = "AMADEUS_CLIENT_ID"
	EnvKeyAmadeusClientSecret = "AMADEUS_CLIENT_SECRET"
	EnvKeyTavilyAPIKey        = "TAVILY_API_KEY"
	EnvKeyRedisURL            = "REDIS_URL"
	EnvKeyListenAddr          = "CONCIERGE_ADDR"
)

const (
	ModelTransportWebSocket = "websocket"
	ModelTransportWebRTC    = "webrtc"

	StateBackendMemory = "memory"
	StateBackendRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Tools     ToolsConfig     `yaml:"tools"`
	State     StateConfig     `yaml:"state"`
	Providers ProvidersConfig `yaml:"providers"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
	// IdleTimeout ends a session whose client sent nothing for this long. Zero disables it.
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ReadLimit       int64         `yaml:"read_limit"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type ModelConfig struct {
	Transport          string  `yaml:"transport"`
	BaseURL            string  `yaml:"base_url"`
	Model              string  `yaml:"model"`
	Voice              string  `yaml:"voice"`
	Instructions       string  `yaml:"instructions"`
	Speed              float64 `yaml:"speed"`
	MaxOutputTokens    int64   `yaml:"max_output_tokens"`
	TranscriptionModel string  `yaml:"transcription_model"`
	APIKey             string  `yaml:"-"`
}

type ToolsConfig struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
}

type StateConfig struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type ProvidersConfig struct {
	FoursquareBaseURL   string `yaml:"foursquare_base_url"`
	AmadeusBaseURL      string `yaml:"amadeus_base_url"`
	TavilyBaseURL       string `yaml:"tavily_base_url"`
	GeoIPBaseURL        string `yaml:"geoip_base_url"`
	FoursquareToken     string `yaml:"-"`
	AmadeusAPIKey       string `yaml:"-"`
	AmadeusClientID     string `yaml:"-"`
	AmadeusClientSecret string `yaml:"-"`
	TavilyAPIKey        string `yaml:"-"`
}

type LogConfig struct {
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":3000",
			Path:            "/ws",
			ReadLimit:       4 << 20,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Model: ModelConfig{
			Transport:          ModelTransportWebSocket,
			BaseURL:            "https://api.openai.com/v1",
			Model:              "gpt-realtime",
			Voice:              "ash",
			Speed:              1.0,
			MaxOutputTokens:    1024,
			TranscriptionModel: "whisper-1",
		},
		Tools: ToolsConfig{
			DefaultTimeout: 15 * time.Second,
			Timeouts:       map[string]time.Duration{},
		},
		State: StateConfig{
			Backend: StateBackendMemory,
			Prefix:  "concierge",
			TTL:     24 * time.Hour,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig reads the YAML file at path (optional) on top of DefaultConfig and
// applies environment overrides. Secrets are only ever read from the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.Model.APIKey, err = Getenv(GetenvString, EnvKeyOpenAIAPIKey, false, c.Model.APIKey); err != nil {
		return err
	}
	if c.Model.BaseURL, err = Getenv(GetenvString, EnvKeyOpenAIBaseURL, false, c.Model.BaseURL); err != nil {
		return err
	}
	if c.Server.Addr, err = Getenv(GetenvString, EnvKeyListenAddr, false, c.Server.Addr); err != nil {
		return err
	}
	if c.State.RedisURL, err = Getenv(GetenvString, EnvKeyRedisURL, false, c.State.RedisURL); err != nil {
		return err
	}
	p := &c.Providers
	if p.FoursquareToken, err = Getenv(GetenvString, EnvKeyFoursquareToken, false, p.FoursquareToken); err != nil {
		return err
	}
	if p.AmadeusAPIKey, err = Getenv(GetenvString, EnvKeyAmadeusAPIKey, false, p.AmadeusAPIKey); err != nil {
		return err
	}
	if p.AmadeusClientID, err = Getenv(GetenvString, EnvKeyAmadeusClientID, false, p.AmadeusClientID); err != nil {
		return err
	}
	if p.AmadeusClientSecret, err = Getenv(GetenvString, EnvKeyAmadeusClientSecret, false, p.AmadeusClientSecret); err != nil {
		return err
	}
	if p.TavilyAPIKey, err = Getenv(GetenvString, EnvKeyTavilyAPIKey, false, p.TavilyAPIKey); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Model.Transport {
	case ModelTransportWebSocket, ModelTransportWebRTC:
	default:
		return fmt.Errorf("unknown model transport %q", c.Model.Transport)
	}
	switch c.State.Backend {
	case StateBackendMemory:
	case StateBackendRedis:
		if c.State.RedisURL == "" {
			return fmt.Errorf("state backend redis requires %s or state.redis_url", EnvKeyRedisURL)
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if c.Tools.DefaultTimeout <= 0 {
		return fmt.Errorf("tools.default_timeout must be positive")
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		return fmt.Errorf("server.path must start with /")
	}
	return nil
}

// Dump renders the config as YAML with secrets left out.
func (c *Config) Dump() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	return string(b), nil
}
