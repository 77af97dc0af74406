// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/security"
	"github.com/tombee/cascade/pkg/workflow"
	"github.com/tombee/cascade/pkg/workflow/interp"
)

// defaultHTTPTimeout applies when the step declares no timeout.
const defaultHTTPTimeout = 30 * time.Second

// maxResponseBody caps how much of a response is read into the step output.
const maxResponseBody = 10 * 1024 * 1024

// httpHandler issues an outbound request. The URL is validated against the
// SSRF guard before any connection, and the transport re-validates every
// resolved address at dial time.
type httpHandler struct {
	guard *security.HTTPGuardConfig
}

func (h *httpHandler) Execute(ctx context.Context, step *workflow.StepDefinition, ec *ExecContext) (map[string]interface{}, error) {
	urlRes, err := interp.ResolveString(step.URL, ec.Scope)
	if err != nil {
		return nil, stepError(step, "url failed to resolve", err)
	}
	if err := h.guard.ValidateURL(urlRes.Value); err != nil {
		return nil, err
	}

	method := strings.ToUpper(step.Method)
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := h.buildBody(step, ec)
	if err != nil {
		return nil, err
	}

	if step.Timeout == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultHTTPTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlRes.Value, body)
	if err != nil {
		return nil, stepError(step, fmt.Sprintf("invalid request: %v", err), err)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, raw := range step.Headers {
		value, err := resolveOptionalString(raw, ec)
		if err != nil {
			return nil, stepError(step, fmt.Sprintf("header %s failed to resolve", key), err)
		}
		req.Header.Set(key, value)
	}

	client := &http.Client{
		Transport: &http.Transport{DialContext: h.guard.SecureDialContext()},
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: fmt.Sprintf("http step %s", step.ID),
				Cause:     ctx.Err(),
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var serr *errors.SecurityError
		if errors.As(err, &serr) {
			return nil, serr
		}
		return nil, stepError(step, fmt.Sprintf("request failed: %v", err), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, stepError(step, fmt.Sprintf("failed to read response: %v", err), err)
	}

	text := string(raw)
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = nil
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	output := map[string]interface{}{
		"status":  float64(resp.StatusCode),
		"body":    parsed,
		"text":    text,
		"headers": headers,
	}

	if (resp.StatusCode < 200 || resp.StatusCode >= 300) && step.FailFast() {
		return nil, &errors.StepError{
			StepID:      step.ID,
			Kind:        string(step.Type),
			Message:     fmt.Sprintf("request returned status %d", resp.StatusCode),
			FailOnError: true,
		}
	}
	return output, nil
}

// buildBody interpolates the request body. A string body resolves with type
// preservation; a composite body is resolved deeply and serialized as JSON.
func (h *httpHandler) buildBody(step *workflow.StepDefinition, ec *ExecContext) (io.Reader, string, error) {
	if step.Body == nil {
		return nil, "", nil
	}

	switch body := step.Body.(type) {
	case string:
		value, err := interp.ResolveValue(body, ec.Scope)
		if err != nil {
			return nil, "", stepError(step, "body failed to resolve", err)
		}
		if s, ok := value.(string); ok {
			return strings.NewReader(s), "", nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, "", stepError(step, fmt.Sprintf("body failed to serialize: %v", err), err)
		}
		return bytes.NewReader(data), "application/json", nil

	default:
		resolved, _, err := interp.ResolveDeep(body, ec.Scope)
		if err != nil {
			return nil, "", stepError(step, "body failed to resolve", err)
		}
		data, err := json.Marshal(resolved)
		if err != nil {
			return nil, "", stepError(step, fmt.Sprintf("body failed to serialize: %v", err), err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
