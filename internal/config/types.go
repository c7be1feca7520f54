package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/sma/internal/rpc"
)

// Defaults applied by Normalize.
const (
	DefaultAddress        = "localhost"
	DefaultPort           = 8080
	DefaultSocket         = "/var/tmp/spdk.sock"
	DefaultVFIOUserRoot   = "/var/run/vfio-user/sma"
	DefaultBackendTimeout = 60 * time.Second
	DefaultLogLevel       = "warning"
	DefaultLogFormat      = "text"
	DefaultMetricsAddress = "localhost:9090"
	DefaultMetricsPath    = "/metrics"
	DefaultLibvirtSocket  = "/var/run/libvirt/libvirt-sock"
)

// Emulator kinds.
const (
	EmulatorSocket  = "socket"
	EmulatorLibvirt = "libvirt"
)

// AgentConfig represents the complete agent configuration.
type AgentConfig struct {
	Address        string         `yaml:"address"`
	Port           int            `yaml:"port"`
	Socket         string         `yaml:"socket"`                    // Backend RPC unix socket
	BackendTimeout time.Duration  `yaml:"backend_timeout,omitempty"` // e.g. "30s"
	LogLevel       string         `yaml:"log_level,omitempty"`
	LogFormat      string         `yaml:"log_format,omitempty"` // text or json
	TLS            rpc.TLSConfig  `yaml:"tls,omitempty"`
	Metrics        MetricsConfig  `yaml:"metrics,omitempty"`
	Devices        []DeviceConfig `yaml:"devices,omitempty"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// DeviceConfig enables one device manager by name.
type DeviceConfig struct {
	Name   string       `yaml:"name"` // nvmf_tcp or nvmf_vfiouser
	Params DeviceParams `yaml:"params,omitempty"`
}

// DeviceParams are the manager-specific settings. Fields a manager does not
// use are ignored.
type DeviceParams struct {
	TransportParams map[string]any  `yaml:"transport_params,omitempty"`
	RootPath        string          `yaml:"root_path,omitempty"` // vfio-user socket directories
	Bus             string          `yaml:"bus,omitempty"`       // Hot-plug bus for vfio-user devices
	Emulator        *EmulatorConfig `yaml:"emulator,omitempty"`
}

// EmulatorConfig locates the emulator's monitor.
type EmulatorConfig struct {
	Kind          string        `yaml:"kind,omitempty"` // socket (default) or libvirt
	Address       string        `yaml:"address,omitempty"`
	Port          int           `yaml:"port,omitempty"` // Zero selects a unix socket at Address
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	Domain        string        `yaml:"domain,omitempty"`         // libvirt only
	LibvirtSocket string        `yaml:"libvirt_socket,omitempty"` // libvirt only
}

// Overrides are command-line values that replace file values when set.
type Overrides struct {
	Address   string
	Port      int
	Socket    string
	PrivKey   string
	CertChain string
	RootCert  string
}

// Normalize fills defaults and trims user input.
// This is called automatically by LoadFromFile before validation.
func (c *AgentConfig) Normalize() {
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			c.Metrics.Address = DefaultMetricsAddress
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		d.Name = strings.ToLower(strings.TrimSpace(d.Name))
		if d.Name == "nvmf_vfiouser" && d.Params.RootPath == "" {
			d.Params.RootPath = DefaultVFIOUserRoot
		}
		if e := d.Params.Emulator; e != nil {
			e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
			if e.Kind == "" {
				e.Kind = EmulatorSocket
			}
			if e.Kind == EmulatorLibvirt && e.LibvirtSocket == "" {
				e.LibvirtSocket = DefaultLibvirtSocket
			}
		}
	}
}

// Validate checks the configuration for errors.
// Does not check that the backend or emulator is reachable - only config structure.
func (c *AgentConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Socket == "" {
		return fmt.Errorf("socket is required")
	}
	if c.BackendTimeout < 0 {
		return fmt.Errorf("backend_timeout must be >= 0, got %s", c.BackendTimeout)
	}
	switch c.LogLevel {
	case "debug", "info", "warning", "warn", "error", "critical":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if c.TLS.RootCert != "" && !c.TLS.Enabled() {
		return fmt.Errorf("tls: root_cert requires priv_key and cert_chain")
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("metrics: invalid address %q: %w", c.Metrics.Address, err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics: path must start with /, got %q", c.Metrics.Path)
		}
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Validate checks a device entry.
func (d *DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if e := d.Params.Emulator; e != nil {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("emulator: %w", err)
		}
	}
	return nil
}

// Validate checks an emulator entry.
func (e *EmulatorConfig) Validate() error {
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %s", e.Timeout)
	}
	switch e.Kind {
	case EmulatorSocket:
		if e.Address == "" {
			return fmt.Errorf("address is required")
		}
		if e.Port < 0 || e.Port > 65535 {
			return fmt.Errorf("port must be between 0 and 65535, got %d", e.Port)
		}
	case EmulatorLibvirt:
		if e.Domain == "" {
			return fmt.Errorf("domain is required for kind %q", e.Kind)
		}
	default:
		return fmt.Errorf("kind must be %q or %q, got %q", EmulatorSocket, EmulatorLibvirt, e.Kind)
	}
	return nil
}

// ListenAddress returns the management API address.
func (c *AgentConfig) ListenAddress() string {
	return net.JoinHostPort(c.Address, fmt.Sprint(c.Port))
}

// Device returns the entry named name, or nil.
func (c *AgentConfig) Device(name string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i]
		}
	}
	return nil
}

// ApplyOverrides replaces file values with the set command-line values,
// logging each replacement of a value the file also set.
func (c *AgentConfig) ApplyOverrides(o Overrides, log *slog.Logger) {
	override := func(field string, dst *string, v string) {
		if v == "" {
			return
		}
		if *dst != "" && *dst != v && log != nil {
			log.Info("command line overrides configuration", "field", field, "file", *dst, "flag", v)
		}
		*dst = v
	}
	override("address", &c.Address, o.Address)
	override("socket", &c.Socket, o.Socket)
	override("tls.priv_key", &c.TLS.PrivKey, o.PrivKey)
	override("tls.cert_chain", &c.TLS.CertChain, o.CertChain)
	override("tls.root_cert", &c.TLS.RootCert, o.RootCert)
	if o.Port != 0 {
		if c.Port != 0 && c.Port != o.Port && log != nil {
			log.Info("command line overrides configuration", "field", "port", "file", c.Port, "flag", o.Port)
		}
		c.Port = o.Port
	}
}

// Parse decodes, normalizes and validates a YAML configuration.
func Parse(data []byte) (*AgentConfig, error) {
	var config AgentConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads an agent configuration from a YAML file.
func LoadFromFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Default returns the configuration used when no file is given.
func Default() *AgentConfig {
	c := &AgentConfig{}
	c.Normalize()
	return c
}
