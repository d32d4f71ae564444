package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/accessworks/adaptflow/internal/config"
	"github.com/accessworks/adaptflow/model"
)

// OpenAPIHook executes "openapi" operation bindings by building HTTP
// requests from the indexed spec of the target service.
type OpenAPIHook struct {
	index   *Index
	clients map[string]*http.Client
}

// NewOpenAPIHook creates a hook with one HTTP client per configured service.
func NewOpenAPIHook(idx *Index, services map[string]config.ServiceConfig) *OpenAPIHook {
	clients := make(map[string]*http.Client, len(services))
	for id, svc := range services {
		timeout := svc.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		clients[id] = &http.Client{Timeout: timeout}
	}
	return &OpenAPIHook{index: idx, clients: clients}
}

// Supports reports whether the binding targets an OpenAPI operation.
func (h *OpenAPIHook) Supports(binding model.OperationBinding) bool {
	return binding.Type == "openapi"
}

// Invoke resolves the operation, substitutes path parameters from the input,
// sends the remaining input as a JSON body on write methods, and decodes a
// JSON object response. Any transport error or non-2xx status is a failure.
func (h *OpenAPIHook) Invoke(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, input map[string]any) (map[string]any, error) {
	op, ok := h.index.Get(binding.ServiceID, binding.OperationID)
	if !ok {
		return nil, fmt.Errorf("hook: operation %s/%s not indexed", binding.ServiceID, binding.OperationID)
	}
	client, ok := h.clients[binding.ServiceID]
	if !ok {
		return nil, fmt.Errorf("hook: service %q not configured", binding.ServiceID)
	}

	path, consumed := substitutePathParams(op.PathTemplate, input)
	reqURL := strings.TrimRight(op.BaseURL, "/") + path

	var body io.Reader
	if methodHasBody(op.Method) {
		payload := make(map[string]any, len(input))
		for k, v := range input {
			if !consumed[k] {
				payload[k] = v
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("hook: marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("hook: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rctx != nil {
		if rctx.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", rctx.CorrelationID)
		}
		if rctx.ActorID != "" {
			req.Header.Set("X-Actor-Id", rctx.ActorID)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hook: %s %s: %w", op.Method, reqURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("hook: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("hook: %s %s returned %d: %s",
			op.Method, op.PathTemplate, resp.StatusCode, truncate(string(respBody), 256))
	}

	if len(respBody) == 0 {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		// Non-object JSON responses are returned under a fixed key.
		var anyResult any
		if err2 := json.Unmarshal(respBody, &anyResult); err2 != nil {
			return nil, fmt.Errorf("hook: decoding response: %w", err)
		}
		return map[string]any{"result": anyResult}, nil
	}
	return result, nil
}

// substitutePathParams replaces {name} segments with url-escaped input values
// and reports which input keys were consumed.
func substitutePathParams(template string, input map[string]any) (string, map[string]bool) {
	consumed := make(map[string]bool)
	segments := strings.Split(template, "/")
	for i, seg := range segments {
		if len(seg) < 2 || seg[0] != '{' || seg[len(seg)-1] != '}' {
			continue
		}
		name := seg[1 : len(seg)-1]
		if v, ok := input[name]; ok {
			segments[i] = url.PathEscape(fmt.Sprintf("%v", v))
			consumed[name] = true
		}
	}
	return strings.Join(segments, "/"), consumed
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
