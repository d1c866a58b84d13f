package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// DispatchClient wraps *http.Client with a configurable timeout and
// structured logging of outbound capability calls, in the shape of an AI
// provider's base HTTP client.
type DispatchClient struct {
	httpClient *http.Client
	logger     core.Logger
}

// NewDispatchClient builds a DispatchClient with the given per-request
// timeout. Pass an otelhttp-wrapped transport on httpClient.Transport from
// the caller when telemetry is enabled.
func NewDispatchClient(timeout time.Duration) *DispatchClient {
	return &DispatchClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     &core.NoOpLogger{},
	}
}

// SetLogger installs a logger, tagging it with the runner component when supported.
func (d *DispatchClient) SetLogger(logger core.Logger) {
	if logger == nil {
		d.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		d.logger = cal.WithComponent("runtime/runner")
		return
	}
	d.logger = logger
}

// SetTransport overrides the underlying transport, used to install
// otelhttp.NewTransport when telemetry is enabled.
func (d *DispatchClient) SetTransport(rt http.RoundTripper) {
	d.httpClient.Transport = rt
}

// DispatchResult is the parsed outcome of one outbound HTTP call.
type DispatchResult struct {
	StatusCode int
	Data       interface{}
	Err        error
}

// Call performs method against origin+route with the given JSON payload
// (nil for GET), parsing the response JSON first, falling back to text,
// falling back to null (spec §4.4.3 step 4).
func (d *DispatchClient) Call(ctx context.Context, origin, route, method string, payload map[string]interface{}) DispatchResult {
	url := origin + route

	var body io.Reader
	if method == http.MethodPost && payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return DispatchResult{Err: fmt.Errorf("encode payload: %w", err)}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return DispatchResult{Err: fmt.Errorf("build request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Debug("dispatch call failed", map[string]interface{}{"route": route, "error": err.Error()})
		return DispatchResult{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return DispatchResult{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return DispatchResult{StatusCode: resp.StatusCode, Err: fmt.Errorf("request failed with status %d", resp.StatusCode)}
	}

	var data interface{}
	if len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			// Not JSON: fall back to text, then to null if empty.
			if text := string(raw); text != "" {
				data = text
			} else {
				data = nil
			}
		}
	}

	return DispatchResult{StatusCode: resp.StatusCode, Data: data}
}
