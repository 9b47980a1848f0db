// Package apiclient implements the agent side of the server's HTTP API.
// Every method classifies its outcome into the sentinels of
// internal/agent/apierr so callers never need to branch on status codes.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// Client is a thin, stateful wrapper over net/http implementing the
// agent<->server contract. The zero value is not usable; construct with
// New. Safe for concurrent use — the polling loop, progress reporter and
// uploader may all call it from different goroutines, though in practice
// the agent runs one job at a time.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client bound to baseURL (e.g. "https://shuttersense.example.com").
// apiKey may be empty before registration; set it with SetAPIKey once
// registration
// returns one.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetAPIKey updates the bearer token used on every subsequent request.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// WithTimeout returns a copy of the client using a per-call timeout,
// letting callers honor the per-operation timeouts (claim 30s,
// heartbeat 15s, upload chunk PUT 60s, finalize 60s) without mutating the
// shared client.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	hc := *c.httpClient
	hc.Timeout = d
	cp.httpClient = &hc
	return &cp
}

// Register implements POST /agents/register. Unauthenticated — trades a
// registration token for an API key.
func (c *Client) Register(ctx context.Context, req apitypes.RegisterRequest) (*apitypes.RegisterResponse, error) {
	var resp apitypes.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/agents/register", req, &resp, http.StatusCreated); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat implements POST /agents/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, req apitypes.HeartbeatRequest) (*apitypes.HeartbeatResponse, error) {
	var resp apitypes.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/agents/heartbeat", req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClaimJob implements POST /jobs/claim. Returns (nil, nil) on 204 — no
// job available — and a non-nil error for anything else that isn't a
// successful claim.
func (c *Client) ClaimJob(ctx context.Context, req apitypes.ClaimRequest) (*apitypes.ClaimResponse, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/jobs/claim", req)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, classifyStatus(res)
	}
	var resp apitypes.ClaimResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("apiclient: decode claim response: %w", err)
	}
	return &resp, nil
}

// ReportProgress implements POST /jobs/{guid}/progress.
func (c *Client) ReportProgress(ctx context.Context, jobGUID string, req apitypes.ProgressRequest) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+jobGUID+"/progress", req, nil, http.StatusOK)
}

// Complete implements POST /jobs/{guid}/complete.
func (c *Client) Complete(ctx context.Context, jobGUID string, req apitypes.CompleteRequest) (*apitypes.CompleteResponse, error) {
	var resp apitypes.CompleteResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+jobGUID+"/complete", req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fail implements POST /jobs/{guid}/fail.
func (c *Client) Fail(ctx context.Context, jobGUID string, req apitypes.FailRequest) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+jobGUID+"/fail", req, nil, http.StatusOK)
}

// InitiateUpload implements POST /jobs/{guid}/uploads/initiate.
func (c *Client) InitiateUpload(ctx context.Context, jobGUID string, req apitypes.InitiateUploadRequest) (*apitypes.InitiateUploadResponse, error) {
	var resp apitypes.InitiateUploadResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+jobGUID+"/uploads/initiate", req, &resp, http.StatusCreated); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutChunk implements PUT /uploads/{id}/{index}. The body is raw bytes,
// not JSON. A 409 or a 200 with received=false both mean "already have
// this chunk" — idempotent success — reported via the bool
// return rather than an error.
func (c *Client) PutChunk(ctx context.Context, uploadID string, index int, data []byte) (received bool, err error) {
	url := fmt.Sprintf("%s/uploads/%s/%d", c.baseURL, uploadID, index)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("apiclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(httpReq)

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, classifyTransport(err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return true, nil
	}
	if res.StatusCode != http.StatusOK {
		return false, classifyStatus(res)
	}
	var resp apitypes.ChunkResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return false, fmt.Errorf("apiclient: decode chunk response: %w", err)
	}
	return true, nil
}

// FinalizeUpload implements POST /uploads/{id}/finalize.
func (c *Client) FinalizeUpload(ctx context.Context, uploadID, checksum string) (*apitypes.FinalizeResponse, error) {
	var resp apitypes.FinalizeResponse
	req := apitypes.FinalizeRequest{Checksum: checksum}
	if err := c.do(ctx, http.MethodPost, "/uploads/"+uploadID+"/finalize", req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelUpload issues DELETE /uploads/{id}. Best-effort — callers are
// expected to swallow the error.
func (c *Client) CancelUpload(ctx context.Context, uploadID string) error {
	return c.do(ctx, http.MethodDelete, "/uploads/"+uploadID, nil, nil, http.StatusNoContent)
}

// ReportCapability implements POST /connectors/{guid}/report-capability.
func (c *Client) ReportCapability(ctx context.Context, connectorGUID string, hasCredentials bool) (*apitypes.ReportCapabilityResponse, error) {
	var resp apitypes.ReportCapabilityResponse
	req := apitypes.ReportCapabilityRequest{HasCredentials: hasCredentials}
	if err := c.do(ctx, http.MethodPost, "/connectors/"+connectorGUID+"/report-capability", req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version fetches the unauthenticated GET /version endpoint.
func (c *Client) Version(ctx context.Context) (*apitypes.VersionResponse, error) {
	var resp apitypes.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/version", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes a JSON request/response round trip and decodes into out
// (which may be nil for no-body responses like the upload cancel).
func (c *Client) do(ctx context.Context, method, path string, body any, out any, wantStatus int) error {
	httpReq, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer res.Body.Close()

	if res.StatusCode != wantStatus {
		return classifyStatus(res)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("apiclient: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("apiclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return req, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyTransport maps a network-level error (dial/timeout/TLS) to
// apierr.ErrConnectionFailure.
func classifyTransport(err error) error {
	return fmt.Errorf("%w: %w", apierr.ErrConnectionFailure, err)
}

// classifyStatus maps an HTTP response with an unexpected status code to
// the appropriate apierr sentinel, using the server's error envelope
// (apitypes.ErrorBody) to distinguish revoked-agent 401s from plain
// authentication-rejected ones.
func classifyStatus(res *http.Response) error {
	var body apitypes.ErrorBody
	_ = json.NewDecoder(res.Body).Decode(&body)

	switch res.StatusCode {
	case http.StatusUnauthorized:
		if strings.Contains(body.Error.Detail, "revoked") {
			return fmt.Errorf("%w: %s", apierr.ErrRevoked, body.Error.Detail)
		}
		return fmt.Errorf("%w: %s", apierr.ErrAuthenticationRejected, body.Error.Message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", apierr.ErrForbidden, body.Error.Detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w", apierr.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", apierr.ErrConflict, body.Error.Detail)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", apierr.ErrValidation, body.Error.Detail)
	default:
		if res.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", apierr.ErrServer, res.StatusCode)
		}
		return fmt.Errorf("apiclient: unexpected status %d: %s", res.StatusCode, body.Error.Message)
	}
}
