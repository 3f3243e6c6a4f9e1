package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = 3000
	DefaultPingInterval      = 25 * time.Second
	DefaultPingTimeout       = 60 * time.Second
	DefaultMaxMessageBytes   = 64 << 10
	DefaultSendBuffer        = 64
	DefaultFanoutMode        = "all"
	DefaultVersion           = "1.0.0"
	DefaultReaderURL         = "ws://localhost:3000/ws"
	DefaultLatencyInterval   = 10 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultReconnectDelayMax = 5 * time.Second
	DefaultDialTimeout       = 20 * time.Second
	DefaultUserAgent         = "NFCReaderApp/1.0.0"
)

// Config holds both relay and reader settings.
type Config struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Reader *ReaderConfig `yaml:"reader,omitempty"`
}

// ServerConfig is used by the relay process.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBuffer      int           `yaml:"send_buffer"`
	FanoutMode      string        `yaml:"fanout_mode"`
	ProjectDomain   string        `yaml:"project_domain"`
	Version         string        `yaml:"version"`
}

// ReaderConfig is used by the scanner/listener client.
type ReaderConfig struct {
	URL               string        `yaml:"url"`
	LatencyInterval   time.Duration `yaml:"latency_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	UserAgent         string        `yaml:"user_agent"`
}

// Load reads and parses a YAML config file. An empty path yields defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills unset fields. Both sections are always present afterwards.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Reader == nil {
		cfg.Reader = &ReaderConfig{}
	}

	s := cfg.Server
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = []string{"*"}
	}
	if s.PingInterval == 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.PingTimeout == 0 {
		s.PingTimeout = DefaultPingTimeout
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if s.SendBuffer == 0 {
		s.SendBuffer = DefaultSendBuffer
	}
	if s.FanoutMode == "" {
		s.FanoutMode = DefaultFanoutMode
	}
	if s.Version == "" {
		s.Version = DefaultVersion
	}

	r := cfg.Reader
	if r.URL == "" {
		r.URL = DefaultReaderURL
	}
	if r.LatencyInterval == 0 {
		r.LatencyInterval = DefaultLatencyInterval
	}
	if r.ReconnectDelay == 0 {
		r.ReconnectDelay = DefaultReconnectDelay
	}
	if r.ReconnectDelayMax == 0 {
		r.ReconnectDelayMax = DefaultReconnectDelayMax
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = DefaultDialTimeout
	}
	if r.UserAgent == "" {
		r.UserAgent = DefaultUserAgent
	}
}

// ApplyEnv overlays environment variables on cfg. getenv is usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	ApplyDefaults(cfg)
	s, r := cfg.Server, cfg.Reader

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		s.Port = port
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		s.AllowedOrigins = splitList(v)
	}
	if err := envDuration(getenv, "PING_INTERVAL", &s.PingInterval); err != nil {
		return err
	}
	if err := envDuration(getenv, "PING_TIMEOUT", &s.PingTimeout); err != nil {
		return err
	}
	if v := getenv("FANOUT_MODE"); v != "" {
		s.FanoutMode = v
	}
	if v := getenv("PROJECT_DOMAIN"); v != "" {
		s.ProjectDomain = v
	}
	if v := getenv("RELAY_VERSION"); v != "" {
		s.Version = v
	}
	if v := getenv("RELAY_URL"); v != "" {
		r.URL = v
	}
	return nil
}

// Validate checks cfg after defaults and overrides are applied.
func Validate(cfg Config) error {
	var errs []error
	if s := cfg.Server; s != nil {
		if s.Port < 1 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("server.port %d out of range", s.Port))
		}
		if s.PingTimeout <= s.PingInterval {
			errs = append(errs, fmt.Errorf("server.ping_timeout %v must exceed ping_interval %v", s.PingTimeout, s.PingInterval))
		}
		if s.MaxMessageBytes < 0 || s.SendBuffer < 0 {
			errs = append(errs, errors.New("server.max_message_bytes and send_buffer must not be negative"))
		}
		switch strings.ToLower(strings.TrimSpace(s.FanoutMode)) {
		case "all", "others":
		default:
			errs = append(errs, fmt.Errorf("server.fanout_mode %q must be all or others", s.FanoutMode))
		}
	}
	if r := cfg.Reader; r != nil {
		if !strings.HasPrefix(r.URL, "ws://") && !strings.HasPrefix(r.URL, "wss://") {
			errs = append(errs, fmt.Errorf("reader.url %q must be a ws:// or wss:// url", r.URL))
		}
		if r.ReconnectDelayMax < r.ReconnectDelay {
			errs = append(errs, fmt.Errorf("reader.reconnect_delay_max %v below reconnect_delay %v", r.ReconnectDelayMax, r.ReconnectDelay))
		}
	}
	return errors.Join(errs...)
}

// AllowsAnyOrigin reports whether the origin list is the wildcard.
func (s *ServerConfig) AllowsAnyOrigin() bool {
	return slices.Contains(s.AllowedOrigins, "*")
}

// Addr is the listen address for Port on all interfaces.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

func envDuration(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	// Bare numbers are milliseconds.
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
