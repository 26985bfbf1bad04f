package negotiate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cam-gateway/common/log"
	"cam-gateway/registry"
	"cam-gateway/transport"
)

// Handle is a cached, refcounted grant of stream access. It stays valid for
// consumers that hold a reference even after its TTL lapses; expiry only
// stops new consumers from attaching.
type Handle struct {
	ID       string
	CameraID string
	Location string

	CreatedAt time.Time
	expiresAt time.Time
	refs      int
	retired   bool
}

// Negotiator caches stream negotiation per camera. A fresh negotiation only
// happens when no live handle exists, so a burst of viewers on one camera
// costs one negotiation, not one per viewer.
type Negotiator struct {
	registry *registry.Registry
	ttl      time.Duration

	mu      sync.Mutex
	handles map[string]*Handle // live handle per camera id
	byID    map[string]*Handle // every handle holding refs, retired included

	negotiations int

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewNegotiator(reg *registry.Registry, ttl time.Duration) *Negotiator {
	return &Negotiator{
		registry: reg,
		ttl:      ttl,
		handles:  make(map[string]*Handle),
		byID:     make(map[string]*Handle),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the background sweep that evicts expired unreferenced handles.
func (n *Negotiator) Start(sweepInterval time.Duration) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-n.stop:
				return
			case <-ticker.C:
				if evicted := n.Sweep(); evicted > 0 {
					log.Debug(fmt.Sprintf("evicted %d expired stream handles", evicted))
				}
			}
		}
	}()
}

func (n *Negotiator) Stop() {
	close(n.stop)
	n.wg.Wait()
}

// Open returns a referenced handle for the camera, reusing the cached one
// when it is still live. An expired handle with active references is retired
// in place: its consumers keep streaming while new opens negotiate fresh.
func (n *Negotiator) Open(ctx context.Context, cameraID string) (*Handle, error) {
	camera, ok := n.registry.Get(cameraID)
	if !ok {
		return nil, errors.Errorf("camera %s not found", cameraID)
	}

	n.mu.Lock()
	if handle, ok := n.handles[cameraID]; ok {
		if n.now().Before(handle.expiresAt) {
			handle.refs++
			n.mu.Unlock()
			return handle, nil
		}
		n.retireLocked(handle)
	}
	n.mu.Unlock()

	// Negotiate outside the lock: a slow camera must not stall opens on
	// other cameras. Failures surface immediately and are never cached.
	location, err := camera.Driver().Negotiate(ctx)
	if err != nil {
		return nil, err
	}

	now := n.now()
	handle := &Handle{
		ID:        uuid.New().String(),
		CameraID:  cameraID,
		Location:  location,
		CreatedAt: now,
		expiresAt: now.Add(n.ttl),
		refs:      1,
	}

	n.mu.Lock()
	// Another open may have raced us here; the later handle wins and the
	// earlier one ages out through the retired path
	if existing, ok := n.handles[cameraID]; ok && existing.ID != handle.ID {
		if n.now().Before(existing.expiresAt) {
			existing.refs++
			n.mu.Unlock()
			return existing, nil
		}
		n.retireLocked(existing)
	}
	n.handles[cameraID] = handle
	n.byID[handle.ID] = handle
	n.negotiations++
	n.mu.Unlock()

	log.Info(fmt.Sprintf("negotiated stream for camera %s at %s", cameraID, transport.SanitizeLocation(location)))
	return handle, nil
}

// Release drops one reference. A retired handle with no references left is
// gone for good; a live one stays cached for the next consumer.
func (n *Negotiator) Release(handleID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	handle, ok := n.byID[handleID]
	if !ok {
		return
	}
	if handle.refs > 0 {
		handle.refs--
	}
	if handle.retired && handle.refs == 0 {
		delete(n.byID, handle.ID)
	}
}

// Invalidate drops the cached handle for a camera regardless of TTL. Used
// when the camera is removed or its stream dies in a way that suggests the
// negotiated location went stale.
func (n *Negotiator) Invalidate(cameraID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if handle, ok := n.handles[cameraID]; ok {
		n.retireLocked(handle)
	}
}

// Sweep evicts expired handles nobody references and returns the count.
// Referenced handles are never evicted, expired or not.
func (n *Negotiator) Sweep() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	evicted := 0

	for cameraID, handle := range n.handles {
		if now.Before(handle.expiresAt) {
			continue
		}
		if handle.refs > 0 {
			continue
		}
		delete(n.handles, cameraID)
		delete(n.byID, handle.ID)
		evicted++
	}

	for id, handle := range n.byID {
		if handle.retired && handle.refs == 0 {
			delete(n.byID, id)
			evicted++
		}
	}

	return evicted
}

// Negotiations reports how many fresh negotiations have run.
func (n *Negotiator) Negotiations() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.negotiations
}

// ActiveHandles reports how many handles currently hold references or are
// live in the cache.
func (n *Negotiator) ActiveHandles() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.byID)
}

// retireLocked removes the handle from the per-camera cache but keeps it
// resolvable while references remain.
func (n *Negotiator) retireLocked(handle *Handle) {
	handle.retired = true
	if current, ok := n.handles[handle.CameraID]; ok && current.ID == handle.ID {
		delete(n.handles, handle.CameraID)
	}
	if handle.refs == 0 {
		delete(n.byID, handle.ID)
	}
}
