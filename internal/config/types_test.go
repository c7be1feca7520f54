package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromFile_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sma.yaml")

	configYAML := `address: 0.0.0.0
port: 5114
socket: /var/tmp/spdk-test.sock
backend_timeout: 30s
log_level: INFO
log_format: json
metrics:
  enabled: true
devices:
  - name: nvmf_tcp
    params:
      transport_params:
        max_queue_depth: 128
  - name: nvmf_vfiouser
    params:
      bus: pci.0
      emulator:
        kind: libvirt
        domain: guest-1
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Address != "0.0.0.0" {
		t.Errorf("Expected address '0.0.0.0', got %q", config.Address)
	}
	if config.Port != 5114 {
		t.Errorf("Expected port 5114, got %d", config.Port)
	}
	if config.Socket != "/var/tmp/spdk-test.sock" {
		t.Errorf("Expected socket path, got %q", config.Socket)
	}
	if config.BackendTimeout != 30*time.Second {
		t.Errorf("Expected backend_timeout 30s, got %s", config.BackendTimeout)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected normalized log_level 'info', got %q", config.LogLevel)
	}
	if config.Metrics.Address != DefaultMetricsAddress || config.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Expected metrics defaults, got %+v", config.Metrics)
	}

	if len(config.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(config.Devices))
	}
	tcp := config.Device("nvmf_tcp")
	if tcp == nil {
		t.Fatal("Device(nvmf_tcp) = nil")
	}
	if tcp.Params.TransportParams["max_queue_depth"] != 128 {
		t.Errorf("Expected max_queue_depth 128, got %v", tcp.Params.TransportParams["max_queue_depth"])
	}
	vfio := config.Device("nvmf_vfiouser")
	if vfio.Params.RootPath != DefaultVFIOUserRoot {
		t.Errorf("Expected default root_path, got %q", vfio.Params.RootPath)
	}
	if vfio.Params.Emulator.LibvirtSocket != DefaultLibvirtSocket {
		t.Errorf("Expected default libvirt_socket, got %q", vfio.Params.Emulator.LibvirtSocket)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/sma.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "failed to parse YAML") {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Address != DefaultAddress || c.Port != DefaultPort || c.Socket != DefaultSocket {
		t.Errorf("Default() = %s %d %s", c.Address, c.Port, c.Socket)
	}
	if c.ListenAddress() != "localhost:8080" {
		t.Errorf("ListenAddress() = %q", c.ListenAddress())
	}
	if c.Metrics.Enabled {
		t.Error("metrics enabled by default")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"minimal", ``, ""},
		{"bad port", `port: 70000`, "port must be between"},
		{"bad log level", `log_level: verbose`, "unknown log_level"},
		{"bad log format", `log_format: xml`, "log_format must be"},
		{"half key pair", "tls:\n  priv_key: k.pem", "priv_key and cert_chain"},
		{"root cert alone", "tls:\n  root_cert: ca.pem", "root_cert requires"},
		{"metrics bad address", "metrics:\n  enabled: true\n  address: nohost", "metrics: invalid address"},
		{"metrics bad path", "metrics:\n  enabled: true\n  path: metrics", "path must start with /"},
		{"device without name", "devices:\n  - params: {}", "devices[0]: name is required"},
		{"duplicate device", "devices:\n  - name: nvmf_tcp\n  - name: NVMF_TCP", "duplicate device"},
		{
			"unknown emulator kind",
			"devices:\n  - name: nvmf_vfiouser\n    params:\n      emulator:\n        kind: qmp",
			"kind must be",
		},
		{
			"socket emulator without address",
			"devices:\n  - name: nvmf_vfiouser\n    params:\n      emulator:\n        port: 4444",
			"address is required",
		},
		{
			"libvirt emulator without domain",
			"devices:\n  - name: nvmf_vfiouser\n    params:\n      emulator:\n        kind: libvirt",
			"domain is required",
		},
		{
			"socket emulator",
			"devices:\n  - name: nvmf_vfiouser\n    params:\n      emulator:\n        address: 127.0.0.1\n        port: 4444\n        timeout: 2s",
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Parse() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	c := Default()
	c.ApplyOverrides(Overrides{
		Address:   "0.0.0.0",
		Port:      9000,
		PrivKey:   "/etc/sma/key.pem",
		CertChain: "/etc/sma/chain.pem",
	}, nil)

	if c.Address != "0.0.0.0" {
		t.Errorf("Address = %q, want 0.0.0.0", c.Address)
	}
	if c.Port != 9000 {
		t.Errorf("Port = %d, want 9000", c.Port)
	}
	if c.Socket != DefaultSocket {
		t.Errorf("Socket = %q, unset override replaced it", c.Socket)
	}
	if !c.TLS.Enabled() {
		t.Error("TLS not enabled by key pair overrides")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
