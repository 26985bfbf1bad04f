package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"cam-gateway/common"
)

// CloudDriver talks to a vendor relay endpoint over HTTPS. The relay mediates
// everything: health, stream negotiation and PTZ forwarding.
type CloudDriver struct {
	cameraID      string
	relayURL      string
	credentialRef string
	secrets       common.SecretProvider
	httpClient    *http.Client
}

func NewCloudDriver(cameraID, relayURL, credentialRef string, secrets common.SecretProvider) *CloudDriver {
	return &CloudDriver{
		cameraID:      cameraID,
		relayURL:      strings.TrimRight(relayURL, "/"),
		credentialRef: credentialRef,
		secrets:       secrets,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

func (d *CloudDriver) Class() common.TransportClass {
	return common.TransportCloudRelay
}

// Probe hits the relay's health endpoint. A relay that answers with anything
// other than 200 is reachable but unhealthy, which reads as partial.
func (d *CloudDriver) Probe(ctx context.Context) (ProbeQuality, error) {
	resp, err := d.do(ctx, "GET", "/health", nil)
	if err != nil {
		return 0, errors.Wrapf(common.ErrProbeTimeout, "relay health: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return QualityGood, nil
	}
	return QualityPartial, nil
}

// Negotiate asks the relay for a direct stream URL. The relay returns a
// short-lived signed URL, so callers are expected to redirect clients to it
// rather than proxy the media.
func (d *CloudDriver) Negotiate(ctx context.Context) (string, error) {
	resp, err := d.do(ctx, "POST", "/negotiate", nil)
	if err != nil {
		return "", errors.Wrapf(common.ErrNegotiationFailed, "relay negotiate: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", errors.Wrapf(common.ErrNegotiationFailed, "relay rejected credentials (http %d)", resp.StatusCode)
	default:
		return "", errors.Wrapf(common.ErrNegotiationFailed, "relay negotiate returned %d", resp.StatusCode)
	}

	var body struct {
		StreamURL string `json:"stream_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrapf(common.ErrNegotiationFailed, "decode relay response: %v", err)
	}
	if body.StreamURL == "" {
		return "", errors.Wrap(common.ErrNegotiationFailed, "relay returned empty stream url")
	}
	return body.StreamURL, nil
}

// Snapshot pulls one frame from the relay. The polling pipeline uses this to
// keep a warm frame available even though playback goes directly to the relay.
func (d *CloudDriver) Snapshot(ctx context.Context) ([]byte, error) {
	resp, err := d.do(ctx, "GET", "/snapshot", nil)
	if err != nil {
		return nil, errors.Wrapf(common.ErrStreamUnavailable, "relay snapshot: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(common.ErrStreamUnavailable, "relay snapshot returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// PTZ forwards the command to the relay, which speaks the vendor protocol.
func (d *CloudDriver) PTZ(ctx context.Context, cmd common.PTZCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal ptz command: %v", err)
	}

	resp, err := d.do(ctx, "POST", "/ptz", payload)
	if err != nil {
		return fmt.Errorf("relay ptz: %v", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotImplemented:
		return errors.Wrap(common.ErrNotSupported, "relay reports no ptz on this camera")
	default:
		return fmt.Errorf("relay ptz returned %d", resp.StatusCode)
	}
}

func (d *CloudDriver) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.relayURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// The token is resolved per request and never cached or logged
	if d.credentialRef != "" {
		token, err := d.secrets.Resolve(d.credentialRef)
		if err != nil {
			return nil, fmt.Errorf("resolve credential ref: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return d.httpClient.Do(req)
}
