package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cam-gateway/broker"
	"cam-gateway/common"
	"cam-gateway/common/log"
	"cam-gateway/common/store"
	"cam-gateway/transport"
)

// Camera is one registered camera with its immutable driver and mutable
// runtime state. Each camera carries its own lock so state updates on one
// camera never contend with another.
type Camera struct {
	mu     sync.Mutex
	desc   common.CameraDescriptor
	driver transport.Driver
	state  common.ConnectionState

	// stateChanges counts real transitions, not redundant writes
	stateChanges int
}

// Descriptor returns a snapshot of the camera's descriptor.
func (c *Camera) Descriptor() common.CameraDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Driver returns the transport driver bound at registration. Re-registering
// rebinds it, so reads go through the lock.
func (c *Camera) Driver() transport.Driver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driver
}

// State returns the current connection state.
func (c *Camera) State() common.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges reports how many real transitions this camera has seen.
func (c *Camera) StateChanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateChanges
}

// StateChange is one camera state transition, fanned out to subscribers.
type StateChange struct {
	CameraID string                 `json:"camera_id"`
	From     common.ConnectionState `json:"from"`
	To       common.ConnectionState `json:"to"`
	At       time.Time              `json:"at"`
}

// Registry holds every registered camera. The health monitor is the single
// writer of connection state; all other components read snapshots.
type Registry struct {
	mu      sync.RWMutex
	cameras map[string]*Camera

	secrets      common.SecretProvider
	brokerClient *broker.Client

	subMu       sync.Mutex
	subscribers []chan StateChange
	dropped     uint64

	// DriverFactory builds the transport driver for a descriptor. Defaults
	// to transport.ForCamera; swappable so tests can plug in fakes.
	DriverFactory func(common.CameraDescriptor) (transport.Driver, error)
}

func NewRegistry(secrets common.SecretProvider, brokerClient *broker.Client) *Registry {
	return &Registry{
		cameras:      make(map[string]*Camera),
		secrets:      secrets,
		brokerClient: brokerClient,
	}
}

func (r *Registry) buildDriver(desc common.CameraDescriptor) (transport.Driver, error) {
	if r.DriverFactory != nil {
		return r.DriverFactory(desc)
	}
	return transport.ForCamera(desc, r.secrets, r.brokerClient)
}

// Register validates the descriptor, binds a driver for its transport class
// and adds the camera in state unknown. Registration is idempotent on id:
// re-registering refreshes address and credentials (DHCP re-discovery) and
// rebinds the driver, but keeps the camera's state and transition history.
// The transport class is permanent; changing it requires removal and
// re-registration.
func (r *Registry) Register(desc common.CameraDescriptor) (*Camera, error) {
	if desc.ID == "" {
		return nil, errors.New("camera descriptor missing id")
	}
	if desc.Address == "" {
		return nil, errors.Errorf("camera %s: missing address", desc.ID)
	}
	if _, err := common.ParseTransportClass(string(desc.Transport)); err != nil {
		return nil, errors.Wrapf(err, "camera %s", desc.ID)
	}

	driver, err := r.buildDriver(desc)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = now
	}
	desc.UpdatedAt = now

	camera := &Camera{
		desc:   desc,
		driver: driver,
		state:  common.StateUnknown,
	}

	r.mu.Lock()
	existing, exists := r.cameras[desc.ID]
	if !exists {
		r.cameras[desc.ID] = camera
	}
	r.mu.Unlock()

	if exists {
		if existing.Descriptor().Transport != desc.Transport {
			return nil, errors.Errorf("camera %s: transport class is fixed at registration", desc.ID)
		}
		existing.mu.Lock()
		desc.CreatedAt = existing.desc.CreatedAt
		existing.desc = desc
		existing.driver = driver
		existing.mu.Unlock()

		r.persist(existing)
		log.Info(fmt.Sprintf("re-registered camera %s (address %s)", desc.ID, desc.Address))
		return existing, nil
	}

	r.persist(camera)
	log.Info(fmt.Sprintf("registered camera %s (%s, transport %s)", desc.ID, desc.Name, desc.Transport))
	return camera, nil
}

// Get returns the camera by id.
func (r *Registry) Get(id string) (*Camera, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	camera, ok := r.cameras[id]
	return camera, ok
}

// List returns all cameras. Order is unspecified.
func (r *Registry) List() []*Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Camera, 0, len(r.cameras))
	for _, camera := range r.cameras {
		out = append(out, camera)
	}
	return out
}

// UpdateDescriptor applies mutable descriptor fields. Transport class and
// address changes are rejected; they would invalidate the bound driver.
func (r *Registry) UpdateDescriptor(id string, name string, caps common.Capabilities, credentialRef string) (common.CameraDescriptor, error) {
	camera, ok := r.Get(id)
	if !ok {
		return common.CameraDescriptor{}, errors.Errorf("camera %s not found", id)
	}

	camera.mu.Lock()
	if name != "" {
		camera.desc.Name = name
	}
	camera.desc.Capabilities = caps
	if credentialRef != "" {
		camera.desc.CredentialRef = credentialRef
	}
	camera.desc.UpdatedAt = time.Now()
	desc := camera.desc
	camera.mu.Unlock()

	r.persist(camera)
	log.Info(fmt.Sprintf("updated camera %s", id))
	return desc, nil
}

// Remove retires the camera and drops it from the registry. The retired
// transition is broadcast so stream consumers can unwind.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	camera, ok := r.cameras[id]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("camera %s not found", id)
	}
	delete(r.cameras, id)
	r.mu.Unlock()

	r.setState(camera, common.StateRetired)

	store.SafeUpdateDataStore(func() {
		delete(store.Data.Cameras, id)
	})
	if err := store.SaveDataStore(); err != nil {
		log.Warn(fmt.Sprintf("failed to persist removal of camera %s: %v", id, err))
	}

	log.Info(fmt.Sprintf("removed camera %s", id))
	return nil
}

// SetState records a transition. Only the health monitor calls this for
// health states; Remove uses it for the retired transition. Redundant writes
// are dropped without an event, so the monitor can report freely.
func (r *Registry) SetState(id string, state common.ConnectionState) {
	camera, ok := r.Get(id)
	if !ok {
		return
	}
	r.setState(camera, state)
}

func (r *Registry) setState(camera *Camera, state common.ConnectionState) {
	camera.mu.Lock()
	from := camera.state
	if from == state {
		camera.mu.Unlock()
		return
	}
	camera.state = state
	camera.stateChanges++
	id := camera.desc.ID
	camera.mu.Unlock()

	log.Info(fmt.Sprintf("camera %s state %s -> %s", id, from, state))
	r.broadcast(StateChange{CameraID: id, From: from, To: state, At: time.Now()})
}

// Subscribe returns a channel of state changes. The channel is buffered;
// slow consumers lose events rather than stall the monitor.
func (r *Registry) Subscribe() chan StateChange {
	ch := make(chan StateChange, 16)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes the channel from the fan-out set.
func (r *Registry) Unsubscribe(ch chan StateChange) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Dropped reports how many events were discarded on full subscriber buffers.
func (r *Registry) Dropped() uint64 {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return r.dropped
}

func (r *Registry) broadcast(change StateChange) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- change:
		default:
			r.dropped++
		}
	}
}

func (r *Registry) persist(camera *Camera) {
	desc := camera.Descriptor()
	store.SafeUpdateDataStore(func() {
		record, ok := store.Data.Cameras[desc.ID]
		if !ok {
			record = &store.CameraRecord{Enabled: true}
			store.Data.Cameras[desc.ID] = record
		}
		record.Descriptor = desc
		record.UpdatedAt = time.Now()
	})
	if err := store.SaveDataStore(); err != nil {
		log.Warn(fmt.Sprintf("failed to persist camera %s: %v", desc.ID, err))
	}
}

// SetRunning persists whether the camera's stream should be restored after a
// gateway restart.
func (r *Registry) SetRunning(id string, running bool) {
	store.SafeUpdateDataStore(func() {
		if record, ok := store.Data.Cameras[id]; ok {
			record.Running = running
			record.UpdatedAt = time.Now()
		}
	})
	if err := store.SaveDataStore(); err != nil {
		log.Warn(fmt.Sprintf("failed to persist running flag for camera %s: %v", id, err))
	}
}
