package config

import (
	"os"
	"path/filepath"
	"testing"

	"cam-gateway/common"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.WebPort != DefaultWebPort {
		t.Fatalf("web port: got %d", cfg.WebPort)
	}

	// The default file was written and loads back
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.BrokerAddr != cfg.BrokerAddr {
		t.Fatalf("reload mismatch: %q vs %q", again.BrokerAddr, cfg.BrokerAddr)
	}
}

func TestParseCameraEntryValid(t *testing.T) {
	desc, err := ParseCameraEntry(CameraEntry{
		ID:        "cam-1",
		Transport: "network_stream",
		Address:   "10.0.0.5:554",
	})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if desc.Transport != common.TransportNetworkStream {
		t.Fatalf("transport: %s", desc.Transport)
	}
	// Missing name falls back to the id
	if desc.Name != "cam-1" {
		t.Fatalf("name: %q", desc.Name)
	}
}

func TestParseCameraEntryRejections(t *testing.T) {
	cases := []struct {
		name  string
		entry CameraEntry
	}{
		{"missing id", CameraEntry{Transport: "network_stream", Address: "10.0.0.5:554"}},
		{"missing address", CameraEntry{ID: "cam-1", Transport: "network_stream"}},
		{"unknown transport", CameraEntry{ID: "cam-1", Transport: "carrier_pigeon", Address: "x"}},
		{"non-numeric device index", CameraEntry{ID: "cam-1", Transport: "local_capture", Address: "/dev/video0"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseCameraEntry(tc.entry); err == nil {
				t.Fatalf("expected %s to be rejected", tc.name)
			}
		})
	}
}

func TestParseCameraEntryLocalCapture(t *testing.T) {
	desc, err := ParseCameraEntry(CameraEntry{
		ID:        "cam-local",
		Transport: "local_capture",
		Address:   "2",
	})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if desc.Address != "2" {
		t.Fatalf("address: %q", desc.Address)
	}
}

func TestEnvSecretProvider(t *testing.T) {
	t.Setenv("CAM_TEST_SECRET", "admin:hunter2")

	p := EnvSecretProvider{}

	secret, err := p.Resolve("env:CAM_TEST_SECRET")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if secret != "admin:hunter2" {
		t.Fatalf("secret: %q", secret)
	}

	if _, err := p.Resolve("env:CAM_TEST_MISSING"); err == nil {
		t.Fatal("expected unset variable to fail")
	}
	if _, err := p.Resolve("vault:whatever"); err == nil {
		t.Fatal("expected unknown scheme to fail")
	}

	// An empty ref means no credential, not an error
	if secret, err := p.Resolve(""); err != nil || secret != "" {
		t.Fatalf("empty ref: %q, %v", secret, err)
	}
}

func TestInitFrameRate(t *testing.T) {
	t.Setenv("FRAME_RATE", "")

	InitFrameRate(30)
	if GlobalFrameRate != 30 {
		t.Fatalf("frame rate: %d", GlobalFrameRate)
	}

	t.Setenv("FRAME_RATE", "15")
	InitFrameRate(30)
	if GlobalFrameRate != 15 {
		t.Fatalf("env override: %d", GlobalFrameRate)
	}

	// Out-of-range env values fall back
	t.Setenv("FRAME_RATE", "900")
	InitFrameRate(30)
	if GlobalFrameRate != 30 {
		t.Fatalf("out of range: %d", GlobalFrameRate)
	}

	t.Setenv("FRAME_RATE", "")
	InitFrameRate(0)
	if GlobalFrameRate != 10 {
		t.Fatalf("zero fallback: %d", GlobalFrameRate)
	}
}
