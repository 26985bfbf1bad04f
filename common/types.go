package common

import (
	"fmt"
	"time"
)

// TransportClass is the category of protocol a camera speaks.
type TransportClass string

const (
	TransportLocalCapture  TransportClass = "local_capture"
	TransportNetworkStream TransportClass = "network_stream"
	TransportCloudRelay    TransportClass = "cloud_relay"
)

// ParseTransportClass validates a transport class string from config or API input.
func ParseTransportClass(s string) (TransportClass, error) {
	switch TransportClass(s) {
	case TransportLocalCapture, TransportNetworkStream, TransportCloudRelay:
		return TransportClass(s), nil
	}
	return "", fmt.Errorf("unknown transport class %q", s)
}

// ConnectionState is the per-camera runtime status.
// Only the health monitor writes it; everyone else reads snapshots.
type ConnectionState string

const (
	StateUnknown  ConnectionState = "unknown"
	StateProbing  ConnectionState = "probing"
	StateOnline   ConnectionState = "online"
	StateDegraded ConnectionState = "degraded"
	StateOffline  ConnectionState = "offline"
	StateRetired  ConnectionState = "retired"
)

// Capabilities are the per-camera feature flags.
type Capabilities struct {
	PTZ         bool `json:"supports_ptz"`
	Snapshot    bool `json:"supports_snapshot"`
	TwoWayAudio bool `json:"supports_two_way_audio"`
}

// CameraDescriptor describes one camera: identity, transport class, address
// and an opaque credential reference. The credential itself is never stored
// here and never logged.
type CameraDescriptor struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Transport     TransportClass `json:"transport_class"`
	Address       string         `json:"address"` // device index or host:port or relay URL
	CredentialRef string         `json:"credential_ref,omitempty"`
	Capabilities  Capabilities   `json:"capabilities"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Frame is a single encoded (JPEG) video frame.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
}

// PTZCommand is the uniform pan/tilt/zoom payload forwarded to cameras.
type PTZCommand struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
	Zoom float64 `json:"zoom"`
}

// SecretProvider resolves opaque credential references to actual secrets.
// The gateway only ever holds the reference.
type SecretProvider interface {
	Resolve(ref string) (string, error)
}
