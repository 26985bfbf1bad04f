package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cam-gateway/common"
	"cam-gateway/common/config"
	"cam-gateway/common/log"
	"cam-gateway/registry"
	"cam-gateway/transport"
)

// Monitor probes every registered camera on a fixed interval and is the only
// writer of connection state. Probes within a cycle run concurrently, so the
// cycle takes about as long as the slowest probe, not the sum of them all.
type Monitor struct {
	registry  *registry.Registry
	timeout   time.Duration
	interval  time.Duration
	threshold int

	mu       sync.Mutex
	failures map[string]int

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(reg *registry.Registry, timeout, interval time.Duration) *Monitor {
	return &Monitor{
		registry:  reg,
		timeout:   timeout,
		interval:  interval,
		threshold: config.ProbeFailureThreshold,
		failures:  make(map[string]int),
		stop:      make(chan struct{}),
	}
}

// Start launches the probe loop. One initial cycle runs immediately so
// freshly loaded cameras do not sit in unknown for a full interval.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.RunCycle()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.RunCycle()
			}
		}
	}()
}

// Stop halts the probe loop and waits for an in-flight cycle to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Probe runs an immediate probe of a single camera, outside the cycle. Used
// when a camera is registered so it does not sit in unknown until the next
// tick.
func (m *Monitor) Probe(id string) error {
	camera, ok := m.registry.Get(id)
	if !ok {
		return errors.Errorf("camera %s not found", id)
	}
	m.probeCamera(camera)
	return nil
}

// RunCycle probes all cameras concurrently and applies the results.
func (m *Monitor) RunCycle() {
	cameras := m.registry.List()

	var wg sync.WaitGroup
	for _, camera := range cameras {
		wg.Add(1)
		go func(camera *registry.Camera) {
			defer wg.Done()
			m.probeCamera(camera)
		}(camera)
	}
	wg.Wait()
}

func (m *Monitor) probeCamera(camera *registry.Camera) {
	id := camera.Descriptor().ID

	// A camera that has never been probed shows probing, not a guess
	if camera.State() == common.StateUnknown {
		m.registry.SetState(id, common.StateProbing)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	quality, err := camera.Driver().Probe(ctx)
	if err != nil {
		m.recordFailure(id, err)
		return
	}

	m.mu.Lock()
	m.failures[id] = 0
	m.mu.Unlock()

	if quality == transport.QualityPartial {
		m.registry.SetState(id, common.StateDegraded)
	} else {
		m.registry.SetState(id, common.StateOnline)
	}
}

func (m *Monitor) recordFailure(id string, err error) {
	m.mu.Lock()
	m.failures[id]++
	streak := m.failures[id]
	m.mu.Unlock()

	if streak < m.threshold {
		// Debounce: a camera that was fine keeps its state until the
		// streak proves the outage is real
		log.Debug(fmt.Sprintf("probe failure %d/%d for camera %s: %v", streak, m.threshold, id, err))
		return
	}

	log.Warn(fmt.Sprintf("camera %s offline after %d consecutive probe failures: %v", id, streak, err))
	m.registry.SetState(id, common.StateOffline)
}

// Forget drops the failure streak for a removed camera.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, id)
}
