package common

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Error taxonomy for the gateway. Components wrap these with context via
// pkg/errors; callers match with the Is* helpers.
var (
	// ErrDeviceInUse: lock contention on a capture device. Retryable by the
	// caller after backoff; the broker never queues or auto-retries.
	ErrDeviceInUse = errors.New("device in use")

	// ErrLeaseExpired: a broker lease lapsed past its heartbeat window.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrProbeTimeout: transient; debounced before it affects reported state.
	ErrProbeTimeout = errors.New("probe timeout")

	// ErrNegotiationFailed: credential or transport error during stream
	// negotiation. Surfaced immediately, never cached.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrStreamUnavailable: the transcoding pipeline exhausted its restart
	// budget. Terminal until a new open attempt.
	ErrStreamUnavailable = errors.New("stream unavailable")

	// ErrNotSupported: capability mismatch. Always local, never retried.
	ErrNotSupported = errors.New("operation not supported")
)

func IsDeviceInUse(err error) bool      { return stderrors.Is(err, ErrDeviceInUse) }
func IsLeaseExpired(err error) bool     { return stderrors.Is(err, ErrLeaseExpired) }
func IsProbeTimeout(err error) bool     { return stderrors.Is(err, ErrProbeTimeout) }
func IsNegotiationFailed(err error) bool { return stderrors.Is(err, ErrNegotiationFailed) }
func IsStreamUnavailable(err error) bool { return stderrors.Is(err, ErrStreamUnavailable) }
func IsNotSupported(err error) bool     { return stderrors.Is(err, ErrNotSupported) }
