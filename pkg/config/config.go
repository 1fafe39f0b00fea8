package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream transports
const (
	TransportHTTPS = "https"
	TransportUDP   = "udp"
)

// Config holds the application configuration
type Config struct {
	// Downstream-facing UDP listener
	Server ServerConfig `yaml:"server"`

	// The single upstream resolver queries are relayed to
	Upstream UpstreamConfig `yaml:"upstream"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	// ListenAddresses are tried in order; the first one that binds is used.
	// Entries without a port get Port appended.
	ListenAddresses []string `yaml:"listen_addresses"`
	Port            int      `yaml:"port"`
}

// UpstreamConfig describes the upstream resolver
type UpstreamConfig struct {
	Transport    string        `yaml:"transport"`     // https, udp
	URL          string        `yaml:"url"`           // DoH endpoint, https only
	BootstrapIP  string        `yaml:"bootstrap_ip"`  // pins the DoH hostname to this IP
	Address      string        `yaml:"address"`       // host:port for the udp transport
	HTTPSTimeout time.Duration `yaml:"https_timeout"` // per request
	UDPTimeout   time.Duration `yaml:"udp_timeout"`   // per request
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"` // in-process spans only, no exporter
}

// Load loads the configuration from a YAML file and validates it
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Read loads the configuration from a YAML file and applies defaults without
// validating, so command line flags can still fill in missing values.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults: localhost only, both families
	if len(c.Server.ListenAddresses) == 0 {
		c.Server.ListenAddresses = []string{"127.0.0.1", "::1"}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 53
	}

	// Upstream defaults
	if c.Upstream.Transport == "" {
		c.Upstream.Transport = TransportHTTPS
	}
	if c.Upstream.HTTPSTimeout == 0 {
		c.Upstream.HTTPSTimeout = 10 * time.Second
	}
	if c.Upstream.UDPTimeout == 0 {
		c.Upstream.UDPTimeout = 5 * time.Second
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "aufloes"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// BindAddresses returns the listen addresses as host:port strings
func (s *ServerConfig) BindAddresses() []string {
	addrs := make([]string, 0, len(s.ListenAddresses))
	for _, addr := range s.ListenAddresses {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			addrs = append(addrs, addr)
			continue
		}
		addrs = append(addrs, net.JoinHostPort(addr, strconv.Itoa(s.Port)))
	}
	return addrs
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if len(c.Server.ListenAddresses) == 0 {
		return fmt.Errorf("server.listen_addresses cannot be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 0-65535)", c.Server.Port)
	}

	if err := c.Upstream.Validate(); err != nil {
		return err
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	if c.Telemetry.PrometheusEnabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("invalid telemetry.prometheus_port: %d", c.Telemetry.PrometheusPort)
	}

	return nil
}

// Validate checks the upstream settings for the selected transport
func (u *UpstreamConfig) Validate() error {
	switch u.Transport {
	case TransportHTTPS:
		if u.URL == "" {
			return fmt.Errorf("upstream.url must be set for the https transport")
		}
		if err := ValidateURL(u.URL); err != nil {
			return err
		}
	case TransportUDP:
		if u.Address == "" {
			return fmt.Errorf("upstream.address must be set for the udp transport")
		}
	default:
		return fmt.Errorf("invalid upstream.transport: %s (must be https or udp)", u.Transport)
	}

	if u.BootstrapIP != "" && net.ParseIP(u.BootstrapIP) == nil {
		return fmt.Errorf("invalid upstream.bootstrap_ip: %s", u.BootstrapIP)
	}
	if u.HTTPSTimeout < 0 || u.UDPTimeout < 0 {
		return fmt.Errorf("upstream timeouts cannot be negative")
	}

	return nil
}

// ValidateURL checks that raw is an https URL with a host
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid upstream URL %q: %w", raw, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream URL scheme is %q, only https is supported", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("upstream URL %q does not specify a host", raw)
	}
	return nil
}

// Validate checks the logging settings
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", l.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[l.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", l.Output)
	}
	if l.Output == "file" && l.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
