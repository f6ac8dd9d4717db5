package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/retry"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 1 << 20
)

// HTTPStep calls a URL. Parameters:
//
//	url      required
//	method   default GET
//	headers  map of header values
//	body     raw request body
//	json     request document, sent as application/json
//	timeout  duration string or seconds, default 30s
//	output   result field, default "http"
//
// The result holds status and body, plus json when the response is a JSON
// document. Server errors and 429 are retryable; other non-2xx responses
// fail the step as fatal.
type HTTPStep struct {
	client *http.Client
}

// NewHTTPStep returns an HTTPStep using client, or http.DefaultClient.
func NewHTTPStep(client *http.Client) *HTTPStep {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStep{client: client}
}

func (s *HTTPStep) Name() string { return "http" }

func (s *HTTPStep) Execute(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	params := in.Parameters
	url := stringParam(params, "url")
	if url == "" {
		return nil, stateflow.Fatal(errors.New("invalid parameters: url is required"))
	}
	method := strings.ToUpper(stringParam(params, "method"))
	if method == "" {
		method = http.MethodGet
	}
	timeout, ok, err := durationParam(params, "timeout")
	if err != nil {
		return nil, stateflow.Fatal(err)
	}
	if !ok || timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	var isJSON bool
	if doc, ok := params["json"]; ok && doc != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, stateflow.Fatal(fmt.Errorf("invalid json parameter: %w", err))
		}
		body = bytes.NewReader(data)
		isJSON = true
	} else if raw := stringParam(params, "body"); raw != "" {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, stateflow.Fatal(fmt.Errorf("invalid request: %w", err))
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprint(value))
		}
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Stateflow-Run", in.RunID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, retry.NewRecoverableError(fmt.Errorf("%s %s: %w", method, url, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.NewRecoverableError(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		cause := fmt.Errorf("%s %s returned %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, stateflow.Retryable(cause)
		}
		return nil, stateflow.Fatal(cause)
	}

	result := map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		var doc any
		if err := json.Unmarshal(data, &doc); err == nil {
			result["json"] = doc
		}
	}
	return map[string]any{outputField(params, "http"): result}, nil
}
