package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"cam-gateway/common"
)

const (
	ConfigFile = "configs/config.json"
	DataFile   = "_data/cameras.json"
	DataDir    = "_data"

	DefaultWebPort    uint = 8080
	DefaultBrokerAddr      = "127.0.0.1:8089"

	// Health monitor defaults. Thresholds are policy, tunable per Monitor.
	DefaultProbeTimeoutSecs  uint = 3
	DefaultProbeIntervalSecs uint = 15
	ProbeFailureThreshold         = 3

	// Stream negotiation cache
	DefaultHandleTTLSecs     uint = 300
	DefaultSweepIntervalSecs uint = 30

	// Transcoding pipeline restart budget
	DefaultMaxRestarts              = 3
	DefaultRestartCooldownSecs uint = 60

	// Broker lease heartbeat window
	DefaultHeartbeatWindowSecs uint = 10

	RetryTimeSecond        uint = 3
	DefaultGetFrameTimeout uint = 5
)

var (
	GlobalFrameRate     int
	GlobalFrameInterval time.Duration
	GlobalDebugMode     bool
)

// CameraEntry is one camera in the config file. Entries are validated
// individually; a bad one is skipped without aborting the rest.
type CameraEntry struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Transport     string              `json:"transport_class"`
	Address       string              `json:"address"`
	CredentialRef string              `json:"credential_ref,omitempty"`
	Capabilities  common.Capabilities `json:"capabilities"`
}

// Config application configuration structure
type Config struct {
	WebPort           uint          `json:"web_port"`
	BrokerAddr        string        `json:"broker_addr"`
	ProbeTimeoutSecs  uint          `json:"probe_timeout_secs"`
	ProbeIntervalSecs uint          `json:"probe_interval_secs"`
	HandleTTLSecs     uint          `json:"handle_ttl_secs"`
	FrameRate         int           `json:"frame_rate"`
	Cameras           []CameraEntry `json:"cameras"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		WebPort:           DefaultWebPort,
		BrokerAddr:        DefaultBrokerAddr,
		ProbeTimeoutSecs:  DefaultProbeTimeoutSecs,
		ProbeIntervalSecs: DefaultProbeIntervalSecs,
		HandleTTLSecs:     DefaultHandleTTLSecs,
		FrameRate:         10,
	}
}

// Load loads configuration from file, creating a default one when missing
func Load(filename string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		if err := Save(config, filename); err != nil {
			return nil, fmt.Errorf("failed to create default config: %v", err)
		}
		return config, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	return config, nil
}

// Save saves configuration to file
func Save(config *Config, filename string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %v", err)
	}

	return nil
}

// ParseCameraEntry validates a single config entry and converts it into a
// descriptor. Returns an error describing why the entry was rejected.
func ParseCameraEntry(e CameraEntry) (common.CameraDescriptor, error) {
	var desc common.CameraDescriptor

	if e.ID == "" {
		return desc, fmt.Errorf("camera entry missing id")
	}
	if e.Address == "" {
		return desc, fmt.Errorf("camera %s: missing address", e.ID)
	}

	transport, err := common.ParseTransportClass(e.Transport)
	if err != nil {
		return desc, fmt.Errorf("camera %s: %v", e.ID, err)
	}

	if transport == common.TransportLocalCapture {
		if _, err := strconv.Atoi(e.Address); err != nil {
			return desc, fmt.Errorf("camera %s: local capture address must be a device index, got %q", e.ID, e.Address)
		}
	}

	name := e.Name
	if name == "" {
		name = e.ID
	}

	now := time.Now()
	return common.CameraDescriptor{
		ID:            e.ID,
		Name:          name,
		Transport:     transport,
		Address:       e.Address,
		CredentialRef: e.CredentialRef,
		Capabilities:  e.Capabilities,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// InitFrameRate initializes frame rate configuration from environment variable
func InitFrameRate(fallback int) {
	fps := fallback
	if fps <= 0 {
		fps = 10
	}

	if s := os.Getenv("FRAME_RATE"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 120 {
			fps = v
		}
	}

	GlobalFrameRate = fps
	GlobalFrameInterval = time.Duration(1000/fps) * time.Millisecond
}

// InitDebugMode initializes DEBUG mode from environment variable
func InitDebugMode() {
	debugStr := os.Getenv("DEBUG")
	GlobalDebugMode = debugStr != "" && debugStr != "0" && debugStr != "false"
}

// EnvSecretProvider resolves credential references of the form "env:NAME"
// against the process environment. The default external secret collaborator
// for deployments that inject credentials via environment.
type EnvSecretProvider struct{}

func (EnvSecretProvider) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	const prefix = "env:"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		if v, ok := os.LookupEnv(ref[len(prefix):]); ok {
			return v, nil
		}
		return "", fmt.Errorf("credential ref %s not set", ref)
	}
	return "", fmt.Errorf("unsupported credential ref scheme in %q", ref)
}
