//go:build linux

package broker

import (
	"fmt"

	"github.com/blackjack/webcam"
)

// V4L2 MJPG fourcc: 'M' 'J' 'P' 'G'
const formatMJPG = webcam.PixelFormat((uint32(byte('M'))) | (uint32(byte('J')) << 8) | (uint32(byte('P')) << 16) | (uint32(byte('G')) << 24))

const frameWaitTimeoutSec = 5

type v4l2Source struct {
	device *webcam.Webcam
}

// OpenDevice opens /dev/video<index> in MJPG streaming mode.
func OpenDevice(deviceIndex int) (CaptureSource, error) {
	path := fmt.Sprintf("/dev/video%d", deviceIndex)

	device, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}

	var format webcam.PixelFormat
	for f := range device.GetSupportedFormats() {
		if f == formatMJPG {
			format = f
			break
		}
	}
	if format == 0 {
		device.Close()
		return nil, fmt.Errorf("device %s does not support MJPG", path)
	}

	if _, _, _, err := device.SetImageFormat(format, 1280, 720); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to set image format on %s: %v", path, err)
	}

	// Unbuffered streaming so frames are always fresh
	device.SetBufferCount(1)

	if err := device.StartStreaming(); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to start streaming on %s: %v", path, err)
	}

	return &v4l2Source{device: device}, nil
}

func (s *v4l2Source) ReadFrame() ([]byte, error) {
	if err := s.device.WaitForFrame(frameWaitTimeoutSec); err != nil {
		switch err.(type) {
		case *webcam.Timeout:
			return nil, fmt.Errorf("timed out waiting for frame")
		default:
			return nil, fmt.Errorf("failed waiting for frame: %v", err)
		}
	}

	frame, err := s.device.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %v", err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame from device")
	}

	// The driver recycles its buffer on the next read
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

func (s *v4l2Source) Close() error {
	s.device.StopStreaming()
	return s.device.Close()
}
