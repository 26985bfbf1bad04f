package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"cam-gateway/common"
)

// Client is the gateway-side handle to the lock broker. One request per
// connection keeps the loopback socket count honest when the gateway restarts.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(brokerAddr string) *Client {
	return &Client{
		baseURL: "http://" + brokerAddr,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// Acquire requests an exclusive lease on the device. Contention maps back to
// ErrDeviceInUse so callers can fail fast without parsing the response body.
func (c *Client) Acquire(deviceIndex int, holder string) (*Lease, error) {
	body, err := json.Marshal(AcquireRequest{DeviceIndex: deviceIndex, Holder: holder})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal acquire request: %v", err)
	}

	resp, err := c.httpClient.Post(c.baseURL+"/acquire", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to reach broker: %v", err)
	}
	defer resp.Body.Close()

	var ar AcquireResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("failed to decode acquire response: %v", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if ar.Lease == nil {
			return nil, fmt.Errorf("broker returned ok without a lease")
		}
		return ar.Lease, nil
	case http.StatusConflict:
		return nil, errors.Wrapf(common.ErrDeviceInUse, "device %d", deviceIndex)
	default:
		return nil, fmt.Errorf("broker acquire failed: %s", ar.Error)
	}
}

func (c *Client) Release(leaseID string) error {
	return c.postLease("/release", leaseID)
}

// Heartbeat renews the lease. ErrLeaseExpired means the grant is gone and the
// holder must stop using the device and re-acquire.
func (c *Client) Heartbeat(leaseID string) error {
	return c.postLease("/heartbeat", leaseID)
}

func (c *Client) postLease(path, leaseID string) error {
	body, err := json.Marshal(ReleaseRequest{LeaseID: leaseID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %v", err)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach broker: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusGone:
		return errors.Wrapf(common.ErrLeaseExpired, "lease %s", leaseID)
	default:
		var gr GenericResponse
		json.NewDecoder(resp.Body).Decode(&gr)
		return fmt.Errorf("broker %s failed: %s", path, gr.Error)
	}
}

// Frame fetches the next captured frame under the lease.
func (c *Client) Frame(leaseID string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/frame?lease_id=" + url.QueryEscape(leaseID))
	if err != nil {
		return nil, fmt.Errorf("failed to reach broker: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		frame, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame body: %v", err)
		}
		return frame, nil
	case http.StatusGone:
		return nil, errors.Wrapf(common.ErrLeaseExpired, "lease %s", leaseID)
	default:
		var gr GenericResponse
		json.NewDecoder(resp.Body).Decode(&gr)
		return nil, fmt.Errorf("broker frame failed: %s", gr.Error)
	}
}

// Status reports whether the device currently has a live lease.
func (c *Client) Status(deviceIndex int) (*StatusResponse, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/status?device_index=" + strconv.Itoa(deviceIndex))
	if err != nil {
		return nil, fmt.Errorf("failed to reach broker: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var gr GenericResponse
		json.NewDecoder(resp.Body).Decode(&gr)
		return nil, fmt.Errorf("broker status failed: %s", gr.Error)
	}

	var sr StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %v", err)
	}
	return &sr, nil
}

// Ping checks broker liveness.
func (c *Client) Ping() error {
	resp, err := c.httpClient.Get(c.baseURL + "/ping")
	if err != nil {
		return fmt.Errorf("failed to reach broker: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker ping returned %d", resp.StatusCode)
	}
	return nil
}
