package transport

import (
	"context"
	"fmt"

	"cam-gateway/broker"
	"cam-gateway/common"
)

// LocalDriver fronts a capture device managed by the lock broker. The gateway
// never touches the device node; every interaction goes through a lease.
type LocalDriver struct {
	cameraID    string
	deviceIndex int
	client      *broker.Client
}

func NewLocalDriver(cameraID string, deviceIndex int, client *broker.Client) *LocalDriver {
	return &LocalDriver{
		cameraID:    cameraID,
		deviceIndex: deviceIndex,
		client:      client,
	}
}

func (d *LocalDriver) Class() common.TransportClass {
	return common.TransportLocalCapture
}

// Probe asks the broker whether the device exists and is reachable. A device
// leased to another holder still probes good: busy is not broken.
func (d *LocalDriver) Probe(ctx context.Context) (ProbeQuality, error) {
	done := make(chan error, 1)
	go func() {
		_, err := d.client.Status(d.deviceIndex)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("broker probe for device %d: %v", d.deviceIndex, err)
		}
		return QualityGood, nil
	}
}

// Negotiate for local capture is a no-op beyond naming the source; the lease
// itself is taken by the pipeline when the stream opens, so an unused handle
// never holds the device.
func (d *LocalDriver) Negotiate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("broker:%d", d.deviceIndex), nil
}

func (d *LocalDriver) PTZ(ctx context.Context, cmd common.PTZCommand) error {
	return common.ErrNotSupported
}

// DeviceIndex exposes the broker device index for the pipeline's lease calls.
func (d *LocalDriver) DeviceIndex() int {
	return d.deviceIndex
}
