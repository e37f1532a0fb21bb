package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ppiankov/toolgate/internal/governance"
)

const (
	httpTimeout     = 30 * time.Second
	maxResponseBody = 4 << 20
)

// HTTPWorker forwards a call as JSON to a tool endpoint and decodes the
// JSON reply as output.
type HTTPWorker struct {
	name     string
	endpoint string
	caps     []string
	client   *http.Client
}

// NewHTTPWorker creates a worker for endpoint. A nil client uses one with
// a 30s timeout.
func NewHTTPWorker(name, endpoint string, caps []string, client *http.Client) *HTTPWorker {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &HTTPWorker{name: name, endpoint: endpoint, caps: caps, client: client}
}

func (w *HTTPWorker) Name() string           { return w.name }
func (w *HTTPWorker) Capabilities() []string { return w.caps }

type httpCall struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

func (w *HTTPWorker) Execute(ctx context.Context, tool string, input map[string]any) (any, error) {
	body, err := json.Marshal(httpCall{Tool: tool, Input: input})
	if err != nil {
		return nil, fmt.Errorf("worker: encode call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("worker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker: %s: %w", w.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("worker: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker: %s: HTTP %d", w.name, resp.StatusCode)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("worker: decode response: %w", err)
	}
	return out, nil
}

// RegisterEndpoints allows every tool in doc and binds an HTTPWorker to
// each tool that declares an endpoint. Worker names are "http:<tool>".
func RegisterEndpoints(r *Registry, doc *governance.Document, client *http.Client) error {
	for _, t := range doc.Tools {
		r.Allow(t.Name)
		if t.Endpoint == "" {
			continue
		}
		caps := []string{t.Name, t.ActionType}
		if t.Domain != "" {
			caps = append(caps, t.Domain)
		}
		if err := r.Register(t.Name, NewHTTPWorker("http:"+t.Name, t.Endpoint, caps, client)); err != nil {
			return err
		}
	}
	return nil
}
