package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("default port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Network.APCIDR != "192.168.4.0/24" {
		t.Errorf("default ap_cidr = %q", cfg.Network.APCIDR)
	}
	if cfg.Discovery.CameraPort != 443 {
		t.Errorf("default camera_port = %d", cfg.Discovery.CameraPort)
	}
	if got := cfg.StatusInterval().Seconds(); got != 10 {
		t.Errorf("default status interval = %vs", got)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 8080
data:
  path: /tmp/picam-test
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("env PORT must win over file: got %d", cfg.Server.Port)
	}
	if cfg.Data.Path != "/tmp/picam-test" {
		t.Errorf("data path = %q", cfg.Data.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env LOG_LEVEL must win over file: got %q", cfg.Logging.Level)
	}
}

func TestLoad_BadYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config must fail to load")
	}
}
