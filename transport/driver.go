package transport

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"cam-gateway/broker"
	"cam-gateway/common"
)

// ProbeQuality classifies a successful probe. Partial means the camera
// answered but reported trouble, which the health monitor maps to degraded.
type ProbeQuality int

const (
	QualityGood ProbeQuality = iota
	QualityPartial
)

// Driver is the per-transport protocol adapter. A camera gets exactly one
// driver, chosen at registration from its transport class, and keeps it for
// life. Probe and Negotiate honor the context deadline.
type Driver interface {
	// Class reports the transport class this driver speaks.
	Class() common.TransportClass

	// Probe checks reachability without starting a stream.
	Probe(ctx context.Context) (ProbeQuality, error)

	// Negotiate sets up stream access and returns the media location the
	// pipeline should consume. Credentials are resolved here and discarded;
	// they never appear in the returned location's logs.
	Negotiate(ctx context.Context) (string, error)

	// PTZ forwards a pan/tilt/zoom command where the transport has a
	// control channel, otherwise ErrNotSupported.
	PTZ(ctx context.Context, cmd common.PTZCommand) error
}

// ForCamera selects and builds the driver for a descriptor. This is the only
// place transport class is inspected; everything downstream goes through the
// Driver interface.
func ForCamera(desc common.CameraDescriptor, secrets common.SecretProvider, brokerClient *broker.Client) (Driver, error) {
	switch desc.Transport {
	case common.TransportLocalCapture:
		deviceIndex, err := strconv.Atoi(desc.Address)
		if err != nil {
			return nil, errors.Errorf("camera %s: local capture address must be a device index, got %q", desc.ID, desc.Address)
		}
		return NewLocalDriver(desc.ID, deviceIndex, brokerClient), nil
	case common.TransportNetworkStream:
		return NewNetworkDriver(desc.ID, desc.Address, desc.CredentialRef, secrets), nil
	case common.TransportCloudRelay:
		return NewCloudDriver(desc.ID, desc.Address, desc.CredentialRef, secrets), nil
	}
	return nil, errors.Errorf("camera %s: no driver for transport class %q", desc.ID, desc.Transport)
}
