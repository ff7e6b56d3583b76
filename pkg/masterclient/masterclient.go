// Package masterclient is the HTTP client for the master's registry
// surface (spec.md §6), used by the worker's heartbeat loop and the
// client engine's dispatch loop. It normalizes clupy:// URLs to
// http:// per spec.md §6.
package masterclient

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/clupy/pkg/codec"
	"github.com/cuemby/clupy/pkg/types"
)

// Client talks to a single master over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client pointed at masterURL, normalizing the clupy://
// scheme to http://.
func New(masterURL string) *Client {
	return &Client{
		baseURL: NormalizeURL(masterURL),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NormalizeURL rewrites a clupy://host:port URL to http://host:port
// (spec.md §6).
func NormalizeURL(raw string) string {
	return strings.Replace(raw, "clupy://", "http://", 1)
}

// Register calls the master's register endpoint.
func (c *Client) Register(workerURL string) error {
	_, err := c.get(fmt.Sprintf("/register/%s", url.QueryEscape(workerURL)))
	if err != nil {
		return &types.NetworkError{Op: "register", Err: err}
	}
	return nil
}

// Unregister calls the master's unregister endpoint.
func (c *Client) Unregister(workerURL string) error {
	_, err := c.get(fmt.Sprintf("/unregister/%s", url.QueryEscape(workerURL)))
	if err != nil {
		return &types.NetworkError{Op: "unregister", Err: err}
	}
	return nil
}

// Info fetches the full registration map.
func (c *Client) Info() (map[string]*types.WorkerRegistration, error) {
	body, err := c.get("/info")
	if err != nil {
		return nil, &types.NetworkError{Op: "info", Err: err}
	}
	var out map[string]*types.WorkerRegistration
	if err := codec.Decode(body, &out); err != nil {
		return nil, &types.ProtocolError{Op: "info", Err: err}
	}
	return out, nil
}

// Allocate reserves up to requestedCount workers for clientID.
func (c *Client) Allocate(clientID string, requestedCount int) ([]string, error) {
	resp, err := c.httpGet(fmt.Sprintf("/alloc/%s/%d", url.PathEscape(clientID), requestedCount))
	if err != nil {
		return nil, &types.NetworkError{Op: "allocate", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.NetworkError{Op: "allocate", Err: err}
	}

	if resp.StatusCode == http.StatusNotAcceptable {
		return nil, &types.ResourceError{Message: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &types.ProtocolError{Op: "allocate", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var workerURLs []string
	if err := codec.Decode(body, &workerURLs); err != nil {
		return nil, &types.ProtocolError{Op: "allocate", Err: err}
	}
	return workerURLs, nil
}

// Retain renews or releases the leases in workerList for clientID.
func (c *Client) Retain(clientID string, toFree bool, workerList []string) error {
	body, err := codec.Encode(workerList)
	if err != nil {
		return &types.ProtocolError{Op: "retain", Err: err}
	}

	toFreeFlag := "0"
	if toFree {
		toFreeFlag = "1"
	}
	path := fmt.Sprintf("%s/retain/%s/%s", c.baseURL, url.PathEscape(clientID), toFreeFlag)

	req, err := http.NewRequest(http.MethodGet, path, strings.NewReader(string(body)))
	if err != nil {
		return &types.NetworkError{Op: "retain", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &types.NetworkError{Op: "retain", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &types.ProtocolError{Op: "retain", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.httpGet(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) httpGet(path string) (*http.Response, error) {
	return c.http.Get(c.baseURL + path)
}
