package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"cam-gateway/common"
	"cam-gateway/common/config"
	"cam-gateway/common/log"
	"cam-gateway/negotiate"
	"cam-gateway/pipeline"
	"cam-gateway/registry"
)

// APIResponse is the uniform envelope for every JSON endpoint.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CameraRequest is the create/update payload.
type CameraRequest struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Transport     string              `json:"transport_class"`
	Address       string              `json:"address"`
	CredentialRef string              `json:"credential_ref,omitempty"`
	Capabilities  common.Capabilities `json:"capabilities"`
}

// CameraView is a camera as the API reports it: descriptor plus runtime state.
type CameraView struct {
	common.CameraDescriptor
	State     common.ConnectionState `json:"state"`
	Streaming bool                   `json:"streaming"`
}

// healthMonitor is the slice of the health monitor the server needs.
type healthMonitor interface {
	Probe(id string) error
	Forget(id string)
}

// WebServer is the gateway's public HTTP surface.
type WebServer struct {
	port       uint
	registry   *registry.Registry
	negotiator *negotiate.Negotiator
	manager    *pipeline.Manager
	monitor    healthMonitor
	events     *EventHub

	startedAt  time.Time
	httpServer *http.Server
}

func NewWebServer(port uint, reg *registry.Registry, neg *negotiate.Negotiator, mgr *pipeline.Manager, monitor healthMonitor) *WebServer {
	return &WebServer{
		port:       port,
		registry:   reg,
		negotiator: neg,
		manager:    mgr,
		monitor:    monitor,
		events:     NewEventHub(reg),
		startedAt:  time.Now(),
	}
}

// Router builds the route table.
func (ws *WebServer) Router() http.Handler {
	router := mux.NewRouter()

	// CORS middleware
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// Media routes
	router.HandleFunc("/cameras/{id}/stream", ws.handleStream).Methods("GET")
	router.HandleFunc("/cameras/{id}/snapshot", ws.handleSnapshot).Methods("GET")

	// Camera API routes
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/cameras", ws.handleListCameras).Methods("GET", "OPTIONS")
	api.HandleFunc("/cameras", ws.handleCreateCamera).Methods("POST", "OPTIONS")
	api.HandleFunc("/cameras/{id}", ws.handleGetCamera).Methods("GET", "OPTIONS")
	api.HandleFunc("/cameras/{id}", ws.handleUpdateCamera).Methods("PUT", "OPTIONS")
	api.HandleFunc("/cameras/{id}", ws.handleDeleteCamera).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/cameras/{id}/start", ws.handleStartStream).Methods("POST", "OPTIONS")
	api.HandleFunc("/cameras/{id}/stop", ws.handleStopStream).Methods("POST", "OPTIONS")
	api.HandleFunc("/cameras/{id}/ptz", ws.handlePTZ).Methods("POST", "OPTIONS")
	api.HandleFunc("/events", ws.events.Handle).Methods("GET")
	api.HandleFunc("/status", ws.handleStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/ping", ws.handlePing).Methods("GET", "OPTIONS")

	return router
}

// Start serves until Shutdown.
func (ws *WebServer) Start() error {
	ws.events.Start()
	ws.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", ws.port),
		Handler: ws.Router(),
	}

	log.Info(fmt.Sprintf("web server listening on port %d", ws.port))
	if err := ws.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.events.Stop()
	if ws.httpServer == nil {
		return nil
	}
	return ws.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), APIResponse{Success: false, Error: err.Error()})
}

// statusForError maps gateway error classes onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case common.IsDeviceInUse(err):
		return http.StatusConflict
	case common.IsLeaseExpired(err):
		return http.StatusGone
	case common.IsProbeTimeout(err):
		return http.StatusGatewayTimeout
	case common.IsNegotiationFailed(err):
		return http.StatusBadGateway
	case common.IsStreamUnavailable(err):
		return http.StatusServiceUnavailable
	case common.IsNotSupported(err):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (ws *WebServer) cameraView(camera *registry.Camera) CameraView {
	desc := camera.Descriptor()
	_, streaming := ws.manager.Get(desc.ID)
	return CameraView{
		CameraDescriptor: desc,
		State:            camera.State(),
		Streaming:        streaming,
	}
}

func (ws *WebServer) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cameras := ws.registry.List()
	views := make([]CameraView, 0, len(cameras))
	for _, camera := range cameras {
		views = append(views, ws.cameraView(camera))
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("found %d cameras", len(views)),
		Data:    views,
	})
}

func (ws *WebServer) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var req CameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Error: "invalid request body"})
		return
	}

	transportClass, err := common.ParseTransportClass(req.Transport)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	camera, err := ws.registry.Register(common.CameraDescriptor{
		ID:            id,
		Name:          req.Name,
		Transport:     transportClass,
		Address:       req.Address,
		CredentialRef: req.CredentialRef,
		Capabilities:  req.Capabilities,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	// Probe in the background so the camera resolves out of unknown without
	// waiting for the next cycle
	if ws.monitor != nil {
		go ws.monitor.Probe(camera.Descriptor().ID)
	}

	writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Message: "camera registered",
		Data:    ws.cameraView(camera),
	})
}

func (ws *WebServer) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	camera, ok := ws.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Error: fmt.Sprintf("camera %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "camera found", Data: ws.cameraView(camera)})
}

func (ws *WebServer) handleUpdateCamera(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Error: "invalid request body"})
		return
	}

	if req.Transport != "" || req.Address != "" {
		writeJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   "transport class and address are fixed at registration; remove and re-register instead",
		})
		return
	}

	desc, err := ws.registry.UpdateDescriptor(id, req.Name, req.Capabilities, req.CredentialRef)
	if err != nil {
		writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "camera updated", Data: desc})
}

func (ws *WebServer) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := ws.manager.Get(id); ok {
		ws.manager.Close(id)
	}
	ws.negotiator.Invalidate(id)
	if ws.monitor != nil {
		ws.monitor.Forget(id)
	}

	if err := ws.registry.Remove(id); err != nil {
		writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "camera removed"})
}

func (ws *WebServer) handleStartStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := ws.registry.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Error: fmt.Sprintf("camera %s not found", id)})
		return
	}

	if _, err := ws.manager.Open(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "stream started"})
}

func (ws *WebServer) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := ws.manager.Close(id); err != nil {
		writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "stream stopped"})
}

func (ws *WebServer) handlePTZ(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	camera, ok := ws.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Error: fmt.Sprintf("camera %s not found", id)})
		return
	}

	// Capability gate before any network traffic
	if !camera.Descriptor().Capabilities.PTZ {
		writeJSON(w, http.StatusNotImplemented, APIResponse{
			Success: false,
			Error:   common.ErrNotSupported.Error(),
		})
		return
	}

	var cmd common.PTZCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Error: "invalid request body"})
		return
	}

	if err := camera.Driver().PTZ(r.Context(), cmd); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ptz command forwarded"})
}

func (ws *WebServer) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	camera, ok := ws.registry.Get(id)
	if !ok {
		http.Error(w, "camera not found", http.StatusNotFound)
		return
	}

	// Cloud relay streams bypass the gateway: hand the client a direct URL
	if camera.Descriptor().Transport == common.TransportCloudRelay {
		handle, err := ws.negotiator.Open(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		defer ws.negotiator.Release(handle.ID)
		http.Redirect(w, r, handle.Location, http.StatusFound)
		return
	}

	stream, err := ws.manager.Open(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	buffer := stream.Buffer()
	buffer.AddConsumer()
	defer buffer.RemoveConsumer()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	flusher, _ := w.(http.Flusher)

	// Wait in short slices so a client that hangs up during a producer
	// stall is noticed instead of the handler spinning until the buffer
	// closes
	const waitSlice = time.Second

	// A consumer that falls behind skips to the latest frame; the gap is
	// its personal drop count
	var lastSeq, served, skipped uint64
	defer func() {
		log.Debug(fmt.Sprintf("stream viewer for camera %s disconnected: %d frames served, %d skipped", id, served, skipped))
	}()

	for {
		frame, ok := buffer.WaitNext(lastSeq, waitSlice)
		if !ok {
			if buffer.Closed() {
				return
			}
			select {
			case <-r.Context().Done():
				return
			default:
			}
			// Producer stalled; keep the connection and wait again
			continue
		}
		if lastSeq != 0 && frame.Seq > lastSeq+1 {
			skipped += frame.Seq - lastSeq - 1
		}
		lastSeq = frame.Seq
		served++

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame.Data)); err != nil {
			return
		}
		if _, err := w.Write(frame.Data); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}

func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	camera, ok := ws.registry.Get(id)
	if !ok {
		http.Error(w, "camera not found", http.StatusNotFound)
		return
	}
	desc := camera.Descriptor()

	if !desc.Capabilities.Snapshot {
		writeJSON(w, http.StatusNotImplemented, APIResponse{Success: false, Error: common.ErrNotSupported.Error()})
		return
	}

	var frameData []byte
	if stream, ok := ws.manager.Get(id); ok {
		if frame, ok := stream.Buffer().Latest(); ok {
			frameData = frame.Data
		}
	}

	if frameData == nil {
		// No live frame to serve; a placeholder beats a broken image
		placeholder := OfflinePlaceholder(desc.Name, camera.State())
		if placeholder == nil {
			http.Error(w, "no frame available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(placeholder)
		return
	}

	annotated, err := AnnotateFrame(frameData, desc.Name)
	if err != nil {
		log.Warn(fmt.Sprintf("failed to annotate snapshot for camera %s: %v", id, err))
		annotated = frameData
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(annotated)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	states := make(map[common.ConnectionState]int)
	cameras := ws.registry.List()
	streaming := 0
	for _, camera := range cameras {
		states[camera.State()]++
		if _, ok := ws.manager.Get(camera.Descriptor().ID); ok {
			streaming++
		}
	}

	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "gateway status",
		Data: map[string]interface{}{
			"uptime_secs":    int(time.Since(ws.startedAt).Seconds()),
			"cameras":        len(cameras),
			"states":         states,
			"streams":        streaming,
			"negotiations":   ws.negotiator.Negotiations(),
			"active_handles": ws.negotiator.ActiveHandles(),
			"dropped_events": ws.registry.Dropped(),
			"frame_rate":     config.GlobalFrameRate,
		},
	})
}

func (ws *WebServer) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "pong"})
}
