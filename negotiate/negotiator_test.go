package negotiate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cam-gateway/common"
	"cam-gateway/common/store"
	"cam-gateway/registry"
	"cam-gateway/transport"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "negotiate-test")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	store.SetDataFile(filepath.Join(dir, "cameras.json"))

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

type noSecrets struct{}

func (noSecrets) Resolve(ref string) (string, error) { return "", nil }

// countingDriver hands out a distinct location per negotiation.
type countingDriver struct {
	mu    sync.Mutex
	count int
	fail  error
}

func (d *countingDriver) Class() common.TransportClass { return common.TransportNetworkStream }

func (d *countingDriver) Probe(ctx context.Context) (transport.ProbeQuality, error) {
	return transport.QualityGood, nil
}

func (d *countingDriver) Negotiate(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return "", d.fail
	}
	d.count++
	return "rtsp://fake/stream", nil
}

func (d *countingDriver) PTZ(ctx context.Context, cmd common.PTZCommand) error {
	return common.ErrNotSupported
}

func newTestNegotiator(t *testing.T, ttl time.Duration) (*Negotiator, *countingDriver, *fakeClock) {
	t.Helper()

	driver := &countingDriver{}
	reg := registry.NewRegistry(noSecrets{}, nil)
	reg.DriverFactory = func(desc common.CameraDescriptor) (transport.Driver, error) {
		return driver, nil
	}
	if _, err := reg.Register(common.CameraDescriptor{
		ID:        "cam-1",
		Transport: common.TransportNetworkStream,
		Address:   "10.0.0.5:554",
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	n := NewNegotiator(reg, ttl)
	n.now = clock.now
	return n, driver, clock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestOpenCachesHandle(t *testing.T) {
	n, driver, _ := newTestNegotiator(t, 5*time.Minute)
	ctx := context.Background()

	h1, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	h2, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}

	// Two consumers, one negotiation, one handle
	if h1.ID != h2.ID {
		t.Fatal("second open got a different handle")
	}
	if driver.count != 1 {
		t.Fatalf("negotiations: got %d, want 1", driver.count)
	}
	if n.Negotiations() != 1 {
		t.Fatalf("negotiator counted %d", n.Negotiations())
	}
}

func TestOpenUnknownCamera(t *testing.T) {
	n, _, _ := newTestNegotiator(t, 5*time.Minute)

	if _, err := n.Open(context.Background(), "cam-missing"); err == nil {
		t.Fatal("expected open of unknown camera to fail")
	}
}

func TestNegotiationFailureNotCached(t *testing.T) {
	n, driver, _ := newTestNegotiator(t, 5*time.Minute)
	ctx := context.Background()

	driver.fail = common.ErrNegotiationFailed
	if _, err := n.Open(ctx, "cam-1"); !common.IsNegotiationFailed(err) {
		t.Fatalf("expected negotiation failure, got %v", err)
	}

	// Failure is not sticky: the next open retries from scratch
	driver.fail = nil
	if _, err := n.Open(ctx, "cam-1"); err != nil {
		t.Fatalf("open after recovery failed: %v", err)
	}
}

func TestSweepKeepsReferencedHandles(t *testing.T) {
	n, _, clock := newTestNegotiator(t, 5*time.Minute)
	ctx := context.Background()

	handle, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	clock.advance(10 * time.Minute)

	// Expired but referenced: sweep must not evict it
	if evicted := n.Sweep(); evicted != 0 {
		t.Fatalf("sweep evicted %d referenced handles", evicted)
	}
	if n.ActiveHandles() != 1 {
		t.Fatalf("active handles: got %d, want 1", n.ActiveHandles())
	}

	n.Release(handle.ID)
	if evicted := n.Sweep(); evicted != 1 {
		t.Fatalf("sweep after release evicted %d, want 1", evicted)
	}
}

func TestSweepEvictsExpiredUnreferenced(t *testing.T) {
	n, _, clock := newTestNegotiator(t, 5*time.Minute)
	ctx := context.Background()

	handle, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	n.Release(handle.ID)

	// Unexpired and unreferenced stays cached for the next consumer
	if evicted := n.Sweep(); evicted != 0 {
		t.Fatalf("sweep evicted live handle")
	}

	clock.advance(10 * time.Minute)
	if evicted := n.Sweep(); evicted != 1 {
		t.Fatalf("sweep: got %d evictions, want 1", evicted)
	}
	if n.ActiveHandles() != 0 {
		t.Fatalf("active handles after sweep: %d", n.ActiveHandles())
	}
}

func TestExpiredHandleWithRefsRetiredNotReused(t *testing.T) {
	n, driver, clock := newTestNegotiator(t, 5*time.Minute)
	ctx := context.Background()

	old, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	clock.advance(10 * time.Minute)

	// The old consumer still streams on its expired handle; a new open
	// negotiates fresh instead of reusing it
	fresh, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("open after expiry failed: %v", err)
	}
	if fresh.ID == old.ID {
		t.Fatal("expired handle handed to a new consumer")
	}
	if driver.count != 2 {
		t.Fatalf("negotiations: got %d, want 2", driver.count)
	}

	// Both handles hold references
	if n.ActiveHandles() != 2 {
		t.Fatalf("active handles: got %d, want 2", n.ActiveHandles())
	}

	// Releasing the old consumer finally drops the retired handle
	n.Release(old.ID)
	n.Sweep()
	if n.ActiveHandles() != 1 {
		t.Fatalf("active handles after old release: got %d, want 1", n.ActiveHandles())
	}
}

func TestInvalidateForcesRenegotiation(t *testing.T) {
	n, driver, _ := newTestNegotiator(t, 5*time.Minute)
	ctx := context.Background()

	h1, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	n.Release(h1.ID)

	n.Invalidate("cam-1")

	h2, err := n.Open(ctx, "cam-1")
	if err != nil {
		t.Fatalf("open after invalidate failed: %v", err)
	}
	if h2.ID == h1.ID {
		t.Fatal("invalidated handle reused")
	}
	if driver.count != 2 {
		t.Fatalf("negotiations: got %d, want 2", driver.count)
	}
}

func TestReleaseUnknownHandleIsNoop(t *testing.T) {
	n, _, _ := newTestNegotiator(t, 5*time.Minute)
	n.Release("no-such-handle")
	if n.ActiveHandles() != 0 {
		t.Fatalf("active handles: %d", n.ActiveHandles())
	}
}
