package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netintent/netintent/pkg/orchestrator"
)

// Client talks to a netintent server over HTTP.
type Client struct {
	baseURL string
	actor   string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. actor is sent with
// every mutating request.
func NewClient(baseURL, actor string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		actor:   actor,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Submit submits a run and returns its ID.
func (c *Client) Submit(ctx context.Context, body SubmitBody) (string, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/runs", body, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// SubmitText submits intent text in the given format.
func (c *Client) SubmitText(ctx context.Context, intent []byte, format string, mode orchestrator.Mode, scope, templateSet string, tags []string) (string, error) {
	encoded, err := json.Marshal(string(intent))
	if err != nil {
		return "", err
	}
	return c.Submit(ctx, SubmitBody{
		Intent:       encoded,
		IntentFormat: format,
		Mode:         string(mode),
		Scope:        scope,
		TemplateSet:  templateSet,
		Tags:         tags,
	})
}

// GetRun returns the status of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunView, error) {
	var view RunView
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListRuns lists runs, newest first.
func (c *Client) ListRuns(ctx context.Context, filter orchestrator.RunFilter) ([]*orchestrator.Run, error) {
	q := url.Values{}
	if filter.Scope != "" {
		q.Set("scope", filter.Scope)
	}
	if filter.State != "" {
		q.Set("state", string(filter.State))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Runs []*orchestrator.Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Approve approves a reviewed plan.
func (c *Client) Approve(ctx context.Context, runID string) (*orchestrator.Run, error) {
	var run orchestrator.Run
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/approve", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) (*orchestrator.Run, error) {
	var run orchestrator.Run
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Events returns execution events after the cursor.
func (c *Client) Events(ctx context.Context, runID string, after int64, limit int) ([]orchestrator.ExecutionEvent, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/runs/" + url.PathEscape(runID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Events []orchestrator.ExecutionEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Audit returns the audit entries of a run.
func (c *Client) Audit(ctx context.Context, runID string) ([]orchestrator.AuditEntry, error) {
	var resp struct {
		Entries []orchestrator.AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/audit", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Artifact copies an artifact to w and returns its digest.
func (c *Client) Artifact(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName, w io.Writer) (string, error) {
	path := fmt.Sprintf("/runs/%s/artifacts/%s/%s", url.PathEscape(runID), url.PathEscape(string(phase)), url.PathEscape(string(name)))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	return resp.Header.Get("X-Artifact-Digest"), nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// WatchFrame is one message received from the watch endpoint.
type WatchFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Watch streams the frames of a run to fn until the run is terminal, fn
// returns an error or ctx is done.
func (c *Client) Watch(ctx context.Context, runID string, after int64, fn func(WatchFrame) error) error {
	header := http.Header{}
	if c.actor != "" {
		header.Set(ActorHeader, c.actor)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, WatchURL(c.baseURL, runID, after), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("failed to connect to watch stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var frame WatchFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read watch stream: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
		if frame.Type == "status" {
			return nil
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns an error response back into a *RunError so callers can
// classify it with the orchestrator predicates.
func decodeError(resp *http.Response) error {
	var body ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return orchestrator.NewInternalError(
			fmt.Sprintf("server returned %s", resp.Status), nil).
			WithDetail("body", strings.TrimSpace(string(data)))
	}

	kind := orchestrator.ErrorKind(body.Kind)
	if kind == "" {
		kind = orchestrator.KindInternal
	}
	return &orchestrator.RunError{
		Kind:    kind,
		Message: body.Error,
		Code:    body.Code,
		Details: body.Details,
	}
}
