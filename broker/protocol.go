package broker

// Wire types for the loopback lease protocol. The broker binds to localhost
// only; this surface is never exposed beyond the host.

type AcquireRequest struct {
	DeviceIndex int    `json:"device_index"`
	Holder      string `json:"holder"`
}

type AcquireResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Lease   *Lease `json:"lease,omitempty"`
}

type ReleaseRequest struct {
	LeaseID string `json:"lease_id"`
}

type HeartbeatRequest struct {
	LeaseID string `json:"lease_id"`
}

type StatusResponse struct {
	DeviceIndex int  `json:"device_index"`
	Available   bool `json:"available"`
	Leased      bool `json:"leased"`
}

type GenericResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
