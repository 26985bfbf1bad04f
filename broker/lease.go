package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cam-gateway/common"
)

// Lease is a time-bounded exclusive grant of access to one capture device.
type Lease struct {
	ID          string    `json:"lease_id"`
	DeviceIndex int       `json:"device_index"`
	Holder      string    `json:"holder"`
	AcquiredAt  time.Time `json:"acquired_at"`

	lastBeat time.Time
}

// LeaseTable enforces the mutual exclusion invariant: at most one live lease
// per device index. A second acquire fails fast with ErrDeviceInUse rather
// than queuing. Leases that miss the heartbeat window are expired so a
// crashed holder cannot starve the device.
type LeaseTable struct {
	mu       sync.Mutex
	byDevice map[int]*Lease
	byID     map[string]*Lease
	window   time.Duration

	now func() time.Time // swappable for tests
}

func NewLeaseTable(heartbeatWindow time.Duration) *LeaseTable {
	return &LeaseTable{
		byDevice: make(map[int]*Lease),
		byID:     make(map[string]*Lease),
		window:   heartbeatWindow,
		now:      time.Now,
	}
}

// Acquire grants a lease on the device or fails fast with ErrDeviceInUse.
func (t *LeaseTable) Acquire(deviceIndex int, holder string) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.expireLocked(now)

	if existing, ok := t.byDevice[deviceIndex]; ok {
		return nil, errors.Wrapf(common.ErrDeviceInUse, "device %d held by %s", deviceIndex, existing.Holder)
	}

	lease := &Lease{
		ID:          uuid.New().String(),
		DeviceIndex: deviceIndex,
		Holder:      holder,
		AcquiredAt:  now,
		lastBeat:    now,
	}
	t.byDevice[deviceIndex] = lease
	t.byID[lease.ID] = lease

	return lease, nil
}

// Release drops the lease. Releasing an unknown or already-expired lease id
// reports ErrLeaseExpired so the holder knows its grant is gone either way.
func (t *LeaseTable) Release(leaseID string) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lease, ok := t.byID[leaseID]
	if !ok {
		return nil, errors.Wrapf(common.ErrLeaseExpired, "lease %s", leaseID)
	}

	delete(t.byID, leaseID)
	delete(t.byDevice, lease.DeviceIndex)
	return lease, nil
}

// Heartbeat renews the lease's liveness window.
func (t *LeaseTable) Heartbeat(leaseID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(t.now())

	lease, ok := t.byID[leaseID]
	if !ok {
		return errors.Wrapf(common.ErrLeaseExpired, "lease %s", leaseID)
	}

	lease.lastBeat = t.now()
	return nil
}

// Lookup returns the live lease for the id, expiring stale ones first.
func (t *LeaseTable) Lookup(leaseID string) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(t.now())

	lease, ok := t.byID[leaseID]
	if !ok {
		return nil, errors.Wrapf(common.ErrLeaseExpired, "lease %s", leaseID)
	}
	return lease, nil
}

// Leased reports whether the device currently has a live lease.
func (t *LeaseTable) Leased(deviceIndex int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(t.now())

	_, ok := t.byDevice[deviceIndex]
	return ok
}

// Sweep expires stale leases and returns the device indexes that were freed.
func (t *LeaseTable) Sweep() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expireLocked(t.now())
}

func (t *LeaseTable) expireLocked(now time.Time) []int {
	var freed []int
	for id, lease := range t.byID {
		if now.Sub(lease.lastBeat) > t.window {
			delete(t.byID, id)
			delete(t.byDevice, lease.DeviceIndex)
			freed = append(freed, lease.DeviceIndex)
		}
	}
	return freed
}
