package broker

// CaptureSource is one opened capture device. The broker owns all open
// sources; the gateway only ever sees frames through a lease.
type CaptureSource interface {
	// ReadFrame returns the next encoded JPEG frame.
	ReadFrame() ([]byte, error)
	Close() error
}

// OpenFunc opens the capture device with the given index. The default is the
// platform implementation; tests substitute their own.
type OpenFunc func(deviceIndex int) (CaptureSource, error)
