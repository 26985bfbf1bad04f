package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"cam-gateway/common/config"
)

// snapshotSource is the slice of the cloud driver the polling runner needs.
type snapshotSource interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

const cloudPollInterval = time.Second

// cloudRunner fills the frame buffer by polling the relay's snapshot
// endpoint. Playback goes straight to the relay's stream URL; the poll keeps
// a warm frame around for snapshots and multipart consumers.
type cloudRunner struct {
	cameraID  string
	source    snapshotSource
	buffer    *FrameBuffer
	pollEvery time.Duration
}

func newCloudRunner(cameraID string, source snapshotSource, buffer *FrameBuffer) *cloudRunner {
	return &cloudRunner{
		cameraID:  cameraID,
		source:    source,
		buffer:    buffer,
		pollEvery: cloudPollInterval,
	}
}

// Start fetches one frame up front so a dead relay fails the open.
func (r *cloudRunner) Start() error {
	data, err := r.fetch()
	if err != nil {
		return err
	}
	r.buffer.Publish(data)
	return nil
}

func (r *cloudRunner) Run(stop <-chan struct{}) error {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	frameErrors := 0
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			data, err := r.fetch()
			if err != nil {
				frameErrors++
				if frameErrors >= maxConsecutiveFrameErrors {
					return errors.Wrapf(err, "camera %s: relay stopped serving snapshots", r.cameraID)
				}
				continue
			}
			frameErrors = 0
			r.buffer.Publish(data)
		}
	}
}

func (r *cloudRunner) fetch() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.DefaultGetFrameTimeout)*time.Second)
	defer cancel()
	return r.source.Snapshot(ctx)
}
