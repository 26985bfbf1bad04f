package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"cam-gateway/common/config"
	"cam-gateway/common/log"
	"cam-gateway/transport"
)

const stopGracePeriod = 5 * time.Second

// ffmpegRunner transcodes a network stream into MJPEG frames via an ffmpeg
// subprocess and publishes them to the frame buffer.
type ffmpegRunner struct {
	cameraID string
	location string
	buffer   *FrameBuffer

	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newFFmpegRunner(cameraID, location string, buffer *FrameBuffer) *ffmpegRunner {
	return &ffmpegRunner{
		cameraID: cameraID,
		location: location,
		buffer:   buffer,
	}
}

func (r *ffmpegRunner) buildArgs() []string {
	var args []string

	// TCP interleaving: rtp-over-udp loss on jittery camera links shows up
	// as smeared frames, so the transport is forced regardless of camera
	// default
	if strings.HasPrefix(r.location, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}

	args = append(args,
		"-i", r.location,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-r", strconv.Itoa(config.GlobalFrameRate),
		"-an",
		"-",
	)
	return args
}

// Start launches the ffmpeg subprocess. A camera that refuses the connection
// fails here, before the stream is handed to anyone.
func (r *ffmpegRunner) Start() error {
	cmd := exec.Command("ffmpeg", r.buildArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stdout: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stderr: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %v", err)
	}

	safeLocation := transport.SanitizeLocation(r.location)
	log.Info(fmt.Sprintf("started ffmpeg for camera %s from %s (pid %d)", r.cameraID, safeLocation, cmd.Process.Pid))

	// ffmpeg chatters on stderr; keep it visible in debug logs with the
	// credentialed URL scrubbed
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := strings.ReplaceAll(scanner.Text(), r.location, safeLocation)
			log.Debug(fmt.Sprintf("ffmpeg[%s]: %s", r.cameraID, line))
		}
	}()

	r.cmd = cmd
	r.stdout = stdout
	return nil
}

// Run pumps frames until ffmpeg exits or stop closes. A close of stop asks
// the process to exit and kills it after the grace period.
func (r *ffmpegRunner) Run(stop <-chan struct{}) error {
	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-stop:
			r.cmd.Process.Signal(os.Interrupt)
			select {
			case <-time.After(stopGracePeriod):
				log.Warn(fmt.Sprintf("ffmpeg for camera %s ignored interrupt, killing", r.cameraID))
				r.cmd.Process.Kill()
			case <-finished:
			}
		case <-finished:
		}
	}()

	scanner := bufio.NewScanner(r.stdout)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	scanner.Split(scanJPEG)
	for scanner.Scan() {
		frame := scanner.Bytes()
		out := make([]byte, len(frame))
		copy(out, frame)
		r.buffer.Publish(out)
	}

	err := r.cmd.Wait()

	select {
	case <-stop:
		// Requested exit is not a failure
		return nil
	default:
	}

	if err != nil {
		return fmt.Errorf("ffmpeg for camera %s exited: %v", r.cameraID, err)
	}
	return fmt.Errorf("ffmpeg for camera %s exited unexpectedly", r.cameraID)
}

var jpegEOI = []byte{0xff, 0xd9}

// scanJPEG splits a concatenated MJPEG byte stream on the JPEG end-of-image
// marker, yielding one complete frame per token.
func scanJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, jpegEOI); i >= 0 {
		end := i + len(jpegEOI)
		return end, data[:end], nil
	}
	if atEOF {
		// Trailing partial frame, drop it
		return len(data), nil, nil
	}
	return 0, nil, nil
}
