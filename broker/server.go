package broker

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"cam-gateway/common"
	"cam-gateway/common/log"
)

// Server is the lock broker process: it owns exclusive handles to local
// capture devices and leases them out over a loopback-only HTTP interface.
// The gateway never opens a device directly, so the gateway process can be
// restarted freely without losing device availability.
type Server struct {
	table *LeaseTable
	open  OpenFunc

	mu      sync.Mutex
	sources map[int]CaptureSource // keyed by device index, open while leased

	httpServer *http.Server
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewServer(heartbeatWindow time.Duration) *Server {
	return &Server{
		table:   NewLeaseTable(heartbeatWindow),
		open:    OpenDevice,
		sources: make(map[int]CaptureSource),
		stop:    make(chan struct{}),
	}
}

// Handler builds the broker's route table.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/acquire", s.handleAcquire).Methods("POST")
	router.HandleFunc("/release", s.handleRelease).Methods("POST")
	router.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	router.HandleFunc("/frame", s.handleFrame).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/ping", s.handlePing).Methods("GET")
	return router
}

// ListenAndServe binds to the loopback address only and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || (host != "127.0.0.1" && host != "localhost" && host != "::1") {
		return fmt.Errorf("broker must bind to loopback, got %q", addr)
	}

	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	// Expire abandoned leases in the background so a crashed holder
	// releases its device within the heartbeat window
	s.wg.Add(1)
	go s.sweepLoop()

	log.Info(fmt.Sprintf("lock broker listening on %s", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and closes every open device.
func (s *Server) Shutdown() {
	close(s.stop)
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, src := range s.sources {
		src.Close()
		delete(s.sources, idx)
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, idx := range s.table.Sweep() {
				log.Warn(fmt.Sprintf("lease on device %d expired, releasing device", idx))
				s.closeSource(idx)
			}
		}
	}
}

func (s *Server) closeSource(deviceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.sources[deviceIndex]; ok {
		src.Close()
		delete(s.sources, deviceIndex)
	}
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(AcquireResponse{Success: false, Error: "invalid request body"})
		return
	}

	lease, err := s.table.Acquire(req.DeviceIndex, req.Holder)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(AcquireResponse{Success: false, Error: err.Error()})
		return
	}

	// Open the device under the fresh lease. An open failure releases the
	// lease immediately so the device is not left locked but unusable.
	s.mu.Lock()
	_, alreadyOpen := s.sources[req.DeviceIndex]
	s.mu.Unlock()

	if !alreadyOpen {
		src, err := s.open(req.DeviceIndex)
		if err != nil {
			s.table.Release(lease.ID)
			log.Warn(fmt.Sprintf("failed to open device %d: %v", req.DeviceIndex, err))
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(AcquireResponse{Success: false, Error: err.Error()})
			return
		}
		s.mu.Lock()
		s.sources[req.DeviceIndex] = src
		s.mu.Unlock()
	}

	log.Info(fmt.Sprintf("leased device %d to %s (lease %s)", req.DeviceIndex, req.Holder, lease.ID))
	json.NewEncoder(w).Encode(AcquireResponse{Success: true, Lease: lease})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: "invalid request body"})
		return
	}

	lease, err := s.table.Release(req.LeaseID)
	if err != nil {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: err.Error()})
		return
	}

	s.closeSource(lease.DeviceIndex)
	log.Info(fmt.Sprintf("released device %d (lease %s)", lease.DeviceIndex, lease.ID))
	json.NewEncoder(w).Encode(GenericResponse{Success: true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: "invalid request body"})
		return
	}

	if err := s.table.Heartbeat(req.LeaseID); err != nil {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: err.Error()})
		return
	}

	json.NewEncoder(w).Encode(GenericResponse{Success: true})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	leaseID := r.URL.Query().Get("lease_id")

	lease, err := s.table.Lookup(leaseID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: common.ErrLeaseExpired.Error()})
		return
	}

	s.mu.Lock()
	src, ok := s.sources[lease.DeviceIndex]
	s.mu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: "device not open"})
		return
	}

	frame, err := src.ReadFrame()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(frame)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	deviceIndex, err := strconv.Atoi(r.URL.Query().Get("device_index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: "invalid device_index"})
		return
	}

	leased := s.table.Leased(deviceIndex)
	json.NewEncoder(w).Encode(StatusResponse{
		DeviceIndex: deviceIndex,
		Available:   !leased,
		Leased:      leased,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GenericResponse{Success: true})
}
