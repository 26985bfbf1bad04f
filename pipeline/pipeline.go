package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cam-gateway/common"
	"cam-gateway/common/config"
	"cam-gateway/common/log"
	"cam-gateway/negotiate"
	"cam-gateway/registry"
)

// streamRunner is one frame producer. Start acquires what the producer needs
// (a device lease, a subprocess) and fails fast; Run pumps frames until the
// producer dies or stop closes. Run releases whatever Start acquired.
type streamRunner interface {
	Start() error
	Run(stop <-chan struct{}) error
}

// Stream is a live frame-producing pipeline for one camera. Consumers share
// the stream through its frame buffer; the stream itself holds exactly one
// negotiation handle reference for its lifetime.
type Stream struct {
	CameraID string
	HandleID string

	buffer *FrameBuffer

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	failure  error
	restarts int
}

// Buffer returns the shared frame buffer.
func (s *Stream) Buffer() *FrameBuffer { return s.buffer }

// Stop requests shutdown. Safe to call more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done closes when the pipeline has fully unwound.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Failure returns the terminal error, if the stream died rather than being
// stopped.
func (s *Stream) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Restarts reports how many times the producer was restarted.
func (s *Stream) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Stream) setFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Manager owns all live streams, one at most per camera. Opening an already
// streaming camera attaches to the existing pipeline instead of spawning a
// second producer.
type Manager struct {
	registry   *registry.Registry
	negotiator *negotiate.Negotiator
	leaser     deviceLeaser

	maxRestarts     int
	restartCooldown time.Duration
	retryDelay      time.Duration
	attachWait      time.Duration

	mu      sync.Mutex
	streams map[string]*Stream

	// newRunner builds the producer for a stream attempt. Swappable so
	// tests can run without ffmpeg or a broker.
	newRunner func(camera *registry.Camera, handle *negotiate.Handle, buffer *FrameBuffer) (streamRunner, error)
}

func NewManager(reg *registry.Registry, neg *negotiate.Negotiator, leaser deviceLeaser) *Manager {
	m := &Manager{
		registry:        reg,
		negotiator:      neg,
		leaser:          leaser,
		maxRestarts:     config.DefaultMaxRestarts,
		restartCooldown: time.Duration(config.DefaultRestartCooldownSecs) * time.Second,
		retryDelay:      time.Duration(config.RetryTimeSecond) * time.Second,
		attachWait:      500 * time.Millisecond,
		streams:         make(map[string]*Stream),
	}
	m.newRunner = m.buildRunner
	return m
}

func (m *Manager) buildRunner(camera *registry.Camera, handle *negotiate.Handle, buffer *FrameBuffer) (streamRunner, error) {
	desc := camera.Descriptor()
	switch desc.Transport {
	case common.TransportLocalCapture:
		deviceIndex, err := parseBrokerLocation(handle.Location)
		if err != nil {
			return nil, err
		}
		return newLocalRunner(desc.ID, deviceIndex, m.leaser, buffer), nil
	case common.TransportNetworkStream:
		return newFFmpegRunner(desc.ID, handle.Location, buffer), nil
	case common.TransportCloudRelay:
		source, ok := camera.Driver().(snapshotSource)
		if !ok {
			return nil, errors.Wrapf(common.ErrNotSupported, "camera %s: relay driver exposes no snapshot source", desc.ID)
		}
		return newCloudRunner(desc.ID, source, buffer), nil
	}
	return nil, errors.Errorf("camera %s: no pipeline for transport %q", desc.ID, desc.Transport)
}

func parseBrokerLocation(location string) (int, error) {
	raw, ok := strings.CutPrefix(location, "broker:")
	if !ok {
		return 0, errors.Errorf("malformed broker location %q", location)
	}
	return strconv.Atoi(raw)
}

// Open starts (or attaches to) the stream for a camera. Startup failures
// surface synchronously: lock contention as ErrDeviceInUse, negotiation
// problems as ErrNegotiationFailed.
func (m *Manager) Open(ctx context.Context, cameraID string) (*Stream, error) {
	m.mu.Lock()
	if stream, ok := m.streams[cameraID]; ok {
		m.mu.Unlock()
		return stream, nil
	}
	m.mu.Unlock()

	camera, ok := m.registry.Get(cameraID)
	if !ok {
		return nil, errors.Errorf("camera %s not found", cameraID)
	}

	handle, err := m.negotiator.Open(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	stream := &Stream{
		CameraID: cameraID,
		HandleID: handle.ID,
		buffer:   NewFrameBuffer(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	runner, err := m.newRunner(camera, handle, stream.buffer)
	if err != nil {
		m.negotiator.Release(handle.ID)
		return nil, err
	}

	// The first Start runs in the caller: device contention and dead
	// cameras fail the open, not some later log line
	if err := runner.Start(); err != nil {
		m.negotiator.Release(handle.ID)
		// The device holder may be a racing opener that has not finished
		// registering its stream yet; attach to it instead of bouncing
		// the caller
		if common.IsDeviceInUse(err) {
			if existing := m.waitForStream(ctx, cameraID); existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.streams[cameraID]; ok {
		// Lost the race to another opener; ride its stream
		m.mu.Unlock()
		stream.Stop()
		go runner.Run(stream.stop)
		m.negotiator.Release(handle.ID)
		return existing, nil
	}
	m.streams[cameraID] = stream
	m.mu.Unlock()

	go m.supervise(stream, handle, runner)

	m.registry.SetRunning(cameraID, true)
	return stream, nil
}

// waitForStream gives a racing opener time to finish registering its stream.
// When the device is held by another process rather than another opener, the
// window runs out and the contention surfaces to the caller.
func (m *Manager) waitForStream(ctx context.Context, cameraID string) *Stream {
	deadline := time.After(m.attachWait)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		stream, ok := m.streams[cameraID]
		m.mu.Unlock()
		if ok {
			return stream
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case <-ticker.C:
		}
	}
}

// supervise runs the producer, restarting it within the restart budget. The
// budget is a count per cooldown window; blowing it marks the stream
// unavailable until a caller opens it fresh.
func (m *Manager) supervise(stream *Stream, handle *negotiate.Handle, runner streamRunner) {
	defer func() {
		stream.buffer.Close()
		m.negotiator.Release(handle.ID)
		m.mu.Lock()
		if current, ok := m.streams[stream.CameraID]; ok && current == stream {
			delete(m.streams, stream.CameraID)
		}
		m.mu.Unlock()
		close(stream.done)
	}()

	windowStart := time.Now()
	failures := 0
	started := true // Open already ran the first Start

	for {
		var err error
		if !started {
			err = runner.Start()
		}
		if err == nil {
			err = runner.Run(stream.stop)
		}
		started = false

		select {
		case <-stream.stop:
			return
		default:
		}

		if err == nil {
			err = errors.Errorf("stream for camera %s ended without error", stream.CameraID)
		}

		now := time.Now()
		if now.Sub(windowStart) > m.restartCooldown {
			windowStart = now
			failures = 0
		}
		failures++

		if failures > m.maxRestarts {
			failure := errors.Wrapf(common.ErrStreamUnavailable, "camera %s: %d restarts within %s: %v",
				stream.CameraID, failures-1, m.restartCooldown, err)
			stream.setFailure(failure)
			m.negotiator.Invalidate(stream.CameraID)
			log.Error(fmt.Sprintf("stream for camera %s exhausted its restart budget: %v", stream.CameraID, err))
			return
		}

		stream.mu.Lock()
		stream.restarts++
		stream.mu.Unlock()
		log.Warn(fmt.Sprintf("restarting stream for camera %s (attempt %d/%d): %v", stream.CameraID, failures, m.maxRestarts, err))

		select {
		case <-stream.stop:
			return
		case <-time.After(m.retryDelay):
		}
	}
}

// Get returns the live stream for a camera, if any.
func (m *Manager) Get(cameraID string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, ok := m.streams[cameraID]
	return stream, ok
}

// Close stops the camera's stream and waits for it to unwind.
func (m *Manager) Close(cameraID string) error {
	stream, ok := m.Get(cameraID)
	if !ok {
		return errors.Errorf("no stream open for camera %s", cameraID)
	}

	stream.Stop()
	<-stream.Done()
	m.registry.SetRunning(cameraID, false)
	return nil
}

// Shutdown stops every stream and waits up to the deadline for them to
// unwind. Streams still running at the deadline are abandoned; their
// producers kill themselves through the stop escalation.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	m.mu.Unlock()

	for _, stream := range streams {
		stream.Stop()
	}

	deadline := time.After(timeout)
	for _, stream := range streams {
		select {
		case <-stream.Done():
		case <-deadline:
			log.Warn(fmt.Sprintf("stream for camera %s did not stop before shutdown deadline", stream.CameraID))
			return
		}
	}
}
