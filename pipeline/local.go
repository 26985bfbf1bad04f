package pipeline

import (
	"fmt"
	"time"

	"cam-gateway/broker"
	"cam-gateway/common"
	"cam-gateway/common/config"
	"cam-gateway/common/log"
)

// deviceLeaser is the slice of the broker client the local runner needs.
type deviceLeaser interface {
	Acquire(deviceIndex int, holder string) (*broker.Lease, error)
	Release(leaseID string) error
	Heartbeat(leaseID string) error
	Frame(leaseID string) ([]byte, error)
}

const maxConsecutiveFrameErrors = 5

// localRunner pulls frames from a broker-leased capture device. The lease is
// taken when the stream starts and held with heartbeats for its lifetime, so
// an unopened stream never blocks another process's access to the device.
type localRunner struct {
	cameraID    string
	deviceIndex int
	leaser      deviceLeaser
	buffer      *FrameBuffer

	heartbeatEvery time.Duration
	frameEvery     time.Duration

	lease *broker.Lease
}

func newLocalRunner(cameraID string, deviceIndex int, leaser deviceLeaser, buffer *FrameBuffer) *localRunner {
	window := time.Duration(config.DefaultHeartbeatWindowSecs) * time.Second
	return &localRunner{
		cameraID:       cameraID,
		deviceIndex:    deviceIndex,
		leaser:         leaser,
		buffer:         buffer,
		heartbeatEvery: window / 3,
		frameEvery:     config.GlobalFrameInterval,
	}
}

// Start acquires the device lease. DeviceInUse propagates untouched so the
// opener fails fast on contention.
func (r *localRunner) Start() error {
	lease, err := r.leaser.Acquire(r.deviceIndex, "gateway:"+r.cameraID)
	if err != nil {
		return err
	}
	r.lease = lease
	log.Info(fmt.Sprintf("streaming device %d for camera %s under lease %s", r.deviceIndex, r.cameraID, lease.ID))
	return nil
}

func (r *localRunner) Run(stop <-chan struct{}) error {
	lease := r.lease
	defer r.leaser.Release(lease.ID)

	heartbeat := time.NewTicker(r.heartbeatEvery)
	defer heartbeat.Stop()
	frames := time.NewTicker(r.frameEvery)
	defer frames.Stop()

	frameErrors := 0
	for {
		select {
		case <-stop:
			return nil
		case <-heartbeat.C:
			if err := r.leaser.Heartbeat(lease.ID); err != nil {
				return fmt.Errorf("lease heartbeat for camera %s: %w", r.cameraID, err)
			}
		case <-frames.C:
			frame, err := r.leaser.Frame(lease.ID)
			if err != nil {
				if common.IsLeaseExpired(err) {
					return err
				}
				frameErrors++
				if frameErrors >= maxConsecutiveFrameErrors {
					return fmt.Errorf("device %d stopped producing frames: %v", r.deviceIndex, err)
				}
				continue
			}
			frameErrors = 0
			r.buffer.Publish(frame)
		}
	}
}
