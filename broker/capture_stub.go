//go:build !linux

package broker

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// Non-linux builds get a synthetic source so the broker stays runnable in
// development. Real capture is V4L2 only.

type syntheticSource struct {
	deviceIndex int
	mu          sync.Mutex
	seq         int
}

func OpenDevice(deviceIndex int) (CaptureSource, error) {
	return &syntheticSource{deviceIndex: deviceIndex}, nil
}

func (s *syntheticSource) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	// A moving gray bar, enough to tell frames apart by eye
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	barX := (seq * 8) % 320
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			c := color.RGBA{40, 40, 40, 255}
			if x >= barX && x < barX+16 {
				c = color.RGBA{200, 200, 200, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode synthetic frame: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	return buf.Bytes(), nil
}

func (s *syntheticSource) Close() error {
	return nil
}
