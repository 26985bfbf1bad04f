package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cam-gateway/broker"
	"cam-gateway/common"
	"cam-gateway/common/config"
	"cam-gateway/common/store"
	"cam-gateway/negotiate"
	"cam-gateway/pipeline"
	"cam-gateway/registry"
	"cam-gateway/transport"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "service-test")
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

type stubDriver struct {
	class    common.TransportClass
	location string
	ptzErr   error
}

func (d *stubDriver) Class() common.TransportClass { return d.class }

func (d *stubDriver) Probe(ctx context.Context) (transport.ProbeQuality, error) {
	return transport.QualityGood, nil
}

func (d *stubDriver) Negotiate(ctx context.Context) (string, error) {
	return d.location, nil
}

func (d *stubDriver) PTZ(ctx context.Context, cmd common.PTZCommand) error {
	return d.ptzErr
}

type stubLeaser struct {
	mu         sync.Mutex
	acquireErr error
	frameErr   error
}

func (f *stubLeaser) Acquire(deviceIndex int, holder string) (*broker.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &broker.Lease{ID: "lease-1", DeviceIndex: deviceIndex, Holder: holder}, nil
}

func (f *stubLeaser) Release(leaseID string) error   { return nil }
func (f *stubLeaser) Heartbeat(leaseID string) error { return nil }

func (f *stubLeaser) Frame(leaseID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frameErr != nil {
		return nil, f.frameErr
	}
	return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
}

type testGateway struct {
	server  *httptest.Server
	reg     *registry.Registry
	manager *pipeline.Manager
	leaser  *stubLeaser
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	config.InitFrameRate(10)

	reg := registry.NewRegistry(noSecrets{}, nil)
	reg.DriverFactory = func(desc common.CameraDescriptor) (transport.Driver, error) {
		switch desc.Transport {
		case common.TransportLocalCapture:
			return &stubDriver{class: desc.Transport, location: "broker:0", ptzErr: common.ErrNotSupported}, nil
		case common.TransportCloudRelay:
			return &stubDriver{class: desc.Transport, location: "https://edge.example.com/live/abc.m3u8"}, nil
		default:
			return &stubDriver{class: desc.Transport, location: "rtsp://fake/stream", ptzErr: common.ErrNotSupported}, nil
		}
	}

	leaser := &stubLeaser{}
	neg := negotiate.NewNegotiator(reg, 5*time.Minute)
	manager := pipeline.NewManager(reg, neg, leaser)
	ws := NewWebServer(0, reg, neg, manager, nil)

	server := httptest.NewServer(ws.Router())
	t.Cleanup(func() {
		manager.Shutdown(time.Second)
		server.Close()
	})

	return &testGateway{server: server, reg: reg, manager: manager, leaser: leaser}
}

func (g *testGateway) request(t *testing.T, method, path string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, g.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}

	var apiResp APIResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		json.NewDecoder(resp.Body).Decode(&apiResp)
	}
	resp.Body.Close()
	return resp, apiResp
}

func (g *testGateway) register(t *testing.T, req CameraRequest) {
	t.Helper()
	resp, apiResp := g.request(t, "POST", "/api/cameras", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d, error %s", req.ID, resp.StatusCode, apiResp.Error)
	}
}

func TestPing(t *testing.T) {
	g := newTestGateway(t)

	resp, apiResp := g.request(t, "GET", "/api/ping", nil)
	if resp.StatusCode != http.StatusOK || !apiResp.Success {
		t.Fatalf("ping: status %d, success %v", resp.StatusCode, apiResp.Success)
	}
}

func TestCameraCRUD(t *testing.T) {
	g := newTestGateway(t)

	g.register(t, CameraRequest{
		ID:        "cam-1",
		Name:      "front door",
		Transport: "network_stream",
		Address:   "10.0.0.5:554",
	})

	// Re-register refreshes the address in place
	resp, _ := g.request(t, "POST", "/api/cameras", CameraRequest{
		ID: "cam-1", Name: "front door", Transport: "network_stream", Address: "10.0.0.6:554",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("re-register: status %d", resp.StatusCode)
	}
	if camera, ok := g.reg.Get("cam-1"); !ok || camera.Descriptor().Address != "10.0.0.6:554" {
		t.Fatal("re-register did not refresh the address")
	}

	// Transport class changes are rejected even on re-register
	resp, _ = g.request(t, "POST", "/api/cameras", CameraRequest{
		ID: "cam-1", Transport: "local_capture", Address: "0",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("transport change: status %d", resp.StatusCode)
	}

	resp, apiResp := g.request(t, "GET", "/api/cameras/cam-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	data, _ := json.Marshal(apiResp.Data)
	var view CameraView
	json.Unmarshal(data, &view)
	if view.Name != "front door" || view.State != common.StateUnknown {
		t.Fatalf("unexpected view: %+v", view)
	}

	// Update mutable fields
	resp, _ = g.request(t, "PUT", "/api/cameras/cam-1", CameraRequest{
		Name:         "back door",
		Capabilities: common.Capabilities{PTZ: true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d", resp.StatusCode)
	}

	// Transport and address are immutable
	resp, _ = g.request(t, "PUT", "/api/cameras/cam-1", CameraRequest{Address: "10.9.9.9:554"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("immutable update: status %d", resp.StatusCode)
	}

	resp, _ = g.request(t, "DELETE", "/api/cameras/cam-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp, _ = g.request(t, "GET", "/api/cameras/cam-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", resp.StatusCode)
	}
}

func TestUnknownTransportRejected(t *testing.T) {
	g := newTestGateway(t)

	resp, _ := g.request(t, "POST", "/api/cameras", CameraRequest{
		ID: "cam-x", Transport: "carrier_pigeon", Address: "somewhere",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestStartStopStream(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{ID: "cam-1", Transport: "local_capture", Address: "0"})

	resp, apiResp := g.request(t, "POST", "/api/cameras/cam-1/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d, error %s", resp.StatusCode, apiResp.Error)
	}

	if _, ok := g.manager.Get("cam-1"); !ok {
		t.Fatal("no live stream after start")
	}

	resp, _ = g.request(t, "POST", "/api/cameras/cam-1/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: status %d", resp.StatusCode)
	}

	resp, _ = g.request(t, "POST", "/api/cameras/cam-1/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second stop: status %d", resp.StatusCode)
	}
}

func TestStartStreamDeviceInUse(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{ID: "cam-1", Transport: "local_capture", Address: "0"})

	g.leaser.mu.Lock()
	g.leaser.acquireErr = common.ErrDeviceInUse
	g.leaser.mu.Unlock()

	resp, _ := g.request(t, "POST", "/api/cameras/cam-1/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("contended start: status %d, want 409", resp.StatusCode)
	}
}

func TestPTZCapabilityGate(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{ID: "cam-1", Transport: "network_stream", Address: "10.0.0.5:554"})

	// No PTZ capability: rejected locally, before the driver is consulted
	resp, _ := g.request(t, "POST", "/api/cameras/cam-1/ptz", common.PTZCommand{Pan: 1})
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("gated ptz: status %d, want 501", resp.StatusCode)
	}

	// Capability set but the transport has no control channel
	g.request(t, "PUT", "/api/cameras/cam-1", CameraRequest{Capabilities: common.Capabilities{PTZ: true}})
	resp, _ = g.request(t, "POST", "/api/cameras/cam-1/ptz", common.PTZCommand{Pan: 1})
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("driver ptz: status %d, want 501", resp.StatusCode)
	}
}

func TestCloudPTZForwarded(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{
		ID: "cam-cloud", Transport: "cloud_relay", Address: "https://relay.example.com/cam",
		Capabilities: common.Capabilities{PTZ: true},
	})

	resp, _ := g.request(t, "POST", "/api/cameras/cam-cloud/ptz", common.PTZCommand{Zoom: 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cloud ptz: status %d", resp.StatusCode)
	}
}

func TestCloudStreamRedirects(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{
		ID: "cam-cloud", Transport: "cloud_relay", Address: "https://relay.example.com/cam",
	})

	resp, _ := g.request(t, "GET", "/cameras/cam-cloud/stream", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("cloud stream: status %d, want 302", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "https://edge.example.com/live/abc.m3u8" {
		t.Fatalf("redirect location: %q", got)
	}
}

func TestSnapshotCapabilityGate(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{ID: "cam-1", Transport: "network_stream", Address: "10.0.0.5:554"})

	resp, _ := g.request(t, "GET", "/cameras/cam-1/snapshot", nil)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("gated snapshot: status %d, want 501", resp.StatusCode)
	}
}

func TestSnapshotPlaceholderWhenNoStream(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{
		ID: "cam-1", Transport: "network_stream", Address: "10.0.0.5:554",
		Capabilities: common.Capabilities{Snapshot: true},
	})

	req, _ := http.NewRequest("GET", g.server.URL+"/cameras/cam-1/snapshot", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/jpeg" {
		t.Fatalf("snapshot content type: %q", got)
	}
}

func TestStreamHandlerStopsWhenClientGone(t *testing.T) {
	config.InitFrameRate(10)

	reg := registry.NewRegistry(noSecrets{}, nil)
	reg.DriverFactory = func(desc common.CameraDescriptor) (transport.Driver, error) {
		return &stubDriver{class: desc.Transport, location: "broker:0"}, nil
	}
	if _, err := reg.Register(common.CameraDescriptor{
		ID:        "cam-1",
		Transport: common.TransportLocalCapture,
		Address:   "0",
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// The device leases fine but never produces a frame, so the stream
	// opens and then stalls
	leaser := &stubLeaser{frameErr: fmt.Errorf("device wedged")}
	neg := negotiate.NewNegotiator(reg, 5*time.Minute)
	manager := pipeline.NewManager(reg, neg, leaser)
	t.Cleanup(func() { manager.Shutdown(time.Second) })

	ws := NewWebServer(0, reg, neg, manager, nil)
	router := ws.Router()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/cameras/cam-1/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	// The handler must notice the dead client during the stall, not only
	// when the buffer closes
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream handler kept waiting after the client went away")
	}
}

func TestStatusEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, CameraRequest{ID: "cam-1", Transport: "network_stream", Address: "10.0.0.5:554"})

	resp, apiResp := g.request(t, "GET", "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	data, _ := json.Marshal(apiResp.Data)
	var status struct {
		Cameras int `json:"cameras"`
		Streams int `json:"streams"`
	}
	json.Unmarshal(data, &status)
	if status.Cameras != 1 || status.Streams != 0 {
		t.Fatalf("status data: %+v", status)
	}
}

func TestUnknownCameraEndpoints(t *testing.T) {
	g := newTestGateway(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/cameras/nope"},
		{"DELETE", "/api/cameras/nope"},
		{"POST", "/api/cameras/nope/start"},
		{"POST", "/api/cameras/nope/ptz"},
	} {
		resp, _ := g.request(t, tc.method, tc.path, common.PTZCommand{})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: status %d, want 404", tc.method, tc.path, resp.StatusCode)
		}
	}
}
