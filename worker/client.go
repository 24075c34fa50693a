// Package worker implements the Flux worker node: a long-lived process that
// registers with the coordinator, subscribes to its control stream, claims
// executions, drives workflow code, and checkpoints every journaled event.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxproj/flux/server"
)

// ErrClaimLost is returned when another worker won the claim race. The
// offer is simply dropped.
var ErrClaimLost = errors.New("claim lost")

// ErrStaleCheckpoint is returned when the server rejected a checkpoint for
// a stale sequence number. The worker refetches state before continuing.
var ErrStaleCheckpoint = errors.New("stale checkpoint")

// ErrUnauthorized is returned when the session token is rejected; the
// worker re-registers.
var ErrUnauthorized = errors.New("session token rejected")

// Client is the worker-side HTTP client for the coordinator's control
// plane.
type Client struct {
	base           string
	bootstrapToken string
	sessionToken   string
	http           *http.Client
}

// NewClient builds a control-plane client for the given server URL.
func NewClient(serverURL, bootstrapToken string) *Client {
	return &Client{
		base:           serverURL,
		bootstrapToken: bootstrapToken,
		http:           &http.Client{Timeout: 30 * time.Second},
	}
}

// SessionToken returns the current session token.
func (c *Client) SessionToken() string { return c.sessionToken }

// Register performs the bootstrap handshake and stores the issued session
// token for subsequent calls.
func (c *Client) Register(ctx context.Context, req server.RegisterRequest) error {
	var resp server.RegisterResponse
	if err := c.post(ctx, "/workers/register", c.bootstrapToken, req, &resp); err != nil {
		return err
	}
	c.sessionToken = resp.SessionToken
	return nil
}

// Claim attempts to win the lease on an execution.
func (c *Client) Claim(ctx context.Context, workerName, executionID string) (*server.ClaimResponse, error) {
	var resp server.ClaimResponse
	path := fmt.Sprintf("/workers/%s/claim/%s", workerName, executionID)
	if err := c.post(ctx, path, c.sessionToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Checkpoint persists newly-journaled events.
func (c *Client) Checkpoint(ctx context.Context, workerName, executionID string, req server.CheckpointRequest) error {
	path := fmt.Sprintf("/workers/%s/checkpoint/%s", workerName, executionID)
	return c.post(ctx, path, c.sessionToken, req, nil)
}

// ConnectURL returns the SSE control-stream endpoint for the worker.
func (c *Client) ConnectURL(workerName string) string {
	return fmt.Sprintf("%s/workers/%s/connect", c.base, workerName)
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusConflict:
		if strings.Contains(path, "/claim/") {
			return ErrClaimLost
		}
		return ErrStaleCheckpoint
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
