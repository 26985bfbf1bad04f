package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"cam-gateway/common"
)

// NetworkDriver speaks just enough RTSP to probe and negotiate an IP camera.
// The heavy lifting of actually pulling media stays with the transcoding
// pipeline; this driver only checks reachability and resolves the stream URL.
type NetworkDriver struct {
	cameraID      string
	address       string
	credentialRef string
	secrets       common.SecretProvider
}

func NewNetworkDriver(cameraID, address, credentialRef string, secrets common.SecretProvider) *NetworkDriver {
	return &NetworkDriver{
		cameraID:      cameraID,
		address:       address,
		credentialRef: credentialRef,
		secrets:       secrets,
	}
}

func (d *NetworkDriver) Class() common.TransportClass {
	return common.TransportNetworkStream
}

// Probe opens a fresh TCP connection and issues an RTSP OPTIONS request.
// A fresh dial every time, so a camera that silently dropped its connection
// since the last probe is caught instead of a stale socket lying about health.
func (d *NetworkDriver) Probe(ctx context.Context) (ProbeQuality, error) {
	conn, err := dialContext(ctx, d.hostPort())
	if err != nil {
		return 0, errors.Wrapf(common.ErrProbeTimeout, "dial %s: %v", d.hostPort(), err)
	}
	defer conn.Close()

	status, _, err := rtspRequest(ctx, conn, "OPTIONS", d.streamURL(""), nil)
	if err != nil {
		return 0, errors.Wrapf(common.ErrProbeTimeout, "rtsp options: %v", err)
	}

	// 401 still proves an RTSP endpoint is alive; credentials are the
	// negotiator's problem, not the prober's
	switch status {
	case 200, 401:
		return QualityGood, nil
	default:
		return QualityPartial, nil
	}
}

// Negotiate verifies the camera accepts our credentials via DESCRIBE and
// returns the stream URL for the pipeline. The resolved secret lives only in
// the returned URL; log sites must run it through SanitizeLocation.
func (d *NetworkDriver) Negotiate(ctx context.Context) (string, error) {
	secret := ""
	if d.credentialRef != "" {
		var err error
		secret, err = d.secrets.Resolve(d.credentialRef)
		if err != nil {
			return "", errors.Wrapf(common.ErrNegotiationFailed, "resolve credential ref: %v", err)
		}
	}

	conn, err := dialContext(ctx, d.hostPort())
	if err != nil {
		return "", errors.Wrapf(common.ErrNegotiationFailed, "dial %s: %v", d.hostPort(), err)
	}
	defer conn.Close()

	streamURL := d.streamURL(secret)

	headers := map[string]string{"Accept": "application/sdp"}
	if secret != "" {
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(secret))
	}

	status, respHeaders, err := rtspRequest(ctx, conn, "DESCRIBE", streamURL, headers)
	if err != nil {
		return "", errors.Wrapf(common.ErrNegotiationFailed, "rtsp describe: %v", err)
	}

	switch status {
	case 200:
	case 401, 403:
		return "", errors.Wrapf(common.ErrNegotiationFailed, "camera rejected credentials (rtsp %d)", status)
	default:
		return "", errors.Wrapf(common.ErrNegotiationFailed, "rtsp describe returned %d", status)
	}

	// Some cameras redirect the media root via Content-Base
	if base := respHeaders["Content-Base"]; base != "" {
		return injectUserinfo(base, secret), nil
	}
	return streamURL, nil
}

func (d *NetworkDriver) PTZ(ctx context.Context, cmd common.PTZCommand) error {
	return errors.Wrap(common.ErrNotSupported, "rtsp transport has no control channel")
}

func (d *NetworkDriver) hostPort() string {
	addr := strings.TrimPrefix(d.address, "rtsp://")
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	if !strings.Contains(addr, ":") {
		addr += ":554"
	}
	return addr
}

func (d *NetworkDriver) streamURL(secret string) string {
	addr := d.address
	if !strings.HasPrefix(addr, "rtsp://") {
		addr = "rtsp://" + addr
	}
	return injectUserinfo(addr, secret)
}

func injectUserinfo(rawURL, secret string) string {
	if secret == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	user, pass, found := strings.Cut(secret, ":")
	if found {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(secret)
	}
	return u.String()
}

// SanitizeLocation strips userinfo from a media location so it is safe to log.
func SanitizeLocation(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.User == nil {
		return location
	}
	u.User = nil
	return u.String()
}

func dialContext(ctx context.Context, hostPort string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", hostPort)
}

// rtspRequest runs one request/response exchange on the connection. RTSP is
// line-oriented like HTTP/1.0, which is all the probe and negotiate paths need.
func rtspRequest(ctx context.Context, conn net.Conn, method, target string, headers map[string]string) (int, map[string]string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, SanitizeLocation(target))
	fmt.Fprintf(&b, "CSeq: 1\r\n")
	fmt.Fprintf(&b, "User-Agent: cam-gateway\r\n")
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return 0, nil, fmt.Errorf("write request: %v", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("read status line: %v", err)
	}

	var proto string
	var status int
	if _, err := fmt.Sscanf(statusLine, "%s %d", &proto, &status); err != nil || !strings.HasPrefix(proto, "RTSP/") {
		return 0, nil, fmt.Errorf("malformed status line %q", strings.TrimSpace(statusLine))
	}

	respHeaders := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("read headers: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if key, value, found := strings.Cut(line, ":"); found {
			respHeaders[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}

	return status, respHeaders, nil
}
