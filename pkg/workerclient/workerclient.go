// Package workerclient is the HTTP client for a worker's execution
// surface (spec.md §6), used by the client engine's dispatch loop to
// issue create_sandbox and execute calls directly against allocated
// workers.
package workerclient

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/clupy/pkg/codec"
	"github.com/cuemby/clupy/pkg/types"
)

// Client talks to a single worker over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client pointed at workerURL, normalizing the clupy://
// scheme to http://.
func New(workerURL string) *Client {
	return &Client{
		baseURL: strings.Replace(workerURL, "clupy://", "http://", 1),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateSandbox asks the worker for a sandbox id.
func (c *Client) CreateSandbox(clientID, executionID string) (string, error) {
	resp, err := c.http.Get(fmt.Sprintf("%s/sandbox/%s/%s", c.baseURL, url.PathEscape(clientID), url.PathEscape(executionID)))
	if err != nil {
		return "", &types.NetworkError{Op: "create_sandbox", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &types.NetworkError{Op: "create_sandbox", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &types.ProtocolError{Op: "create_sandbox", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return string(body), nil
}

// Execute invokes sourceFile:functionName on sandboxID with
// packedArguments, and returns the unpacked result.
func (c *Client) Execute(sandboxID, sourceFile, functionName string, packedArguments map[string]any) (any, error) {
	raw, err := codec.Encode(packedArguments)
	if err != nil {
		return nil, &types.ProtocolError{Op: "execute", Err: err}
	}

	form := url.Values{}
	form.Set("file_name", sourceFile)
	form.Set("func_name", functionName)
	form.Set("input_data", base64.StdEncoding.EncodeToString(raw))

	resp, err := c.http.PostForm(fmt.Sprintf("%s/execute/%s", c.baseURL, url.PathEscape(sandboxID)), form)
	if err != nil {
		return nil, &types.NetworkError{Op: "execute", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.NetworkError{Op: "execute", Err: err}
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, &types.RemoteExecutionError{Message: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &types.ProtocolError{Op: "execute", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if len(body) == 0 {
		return nil, nil
	}

	raw, err = base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, &types.ProtocolError{Op: "execute", Err: err}
	}
	var result any
	if err := codec.Decode(raw, &result); err != nil {
		return nil, &types.ProtocolError{Op: "execute", Err: err}
	}
	return result, nil
}
