package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultMaxRetries = 2
	maxErrorBodyBytes = 4096
)

// retryWait implements exponential backoff between attempts, honoring
// cancellation.
func retryWait(ctx context.Context, attempt int) error {
	wait := time.Duration(1<<attempt) * time.Second
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryableStatus reports whether the API response warrants a retry.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// apiError extracts the error detail from a provider response body.
func apiError(providerName string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var payload struct {
		Error any `json:"error"`
		Base  *struct {
			StatusCode int    `json:"status_code"`
			StatusMsg  string `json:"status_msg"`
		} `json:"base_resp"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Base != nil && payload.Base.StatusMsg != "" {
			detail = fmt.Sprintf("[%d] %s", payload.Base.StatusCode, payload.Base.StatusMsg)
		} else if payload.Error != nil {
			if encoded, err := json.Marshal(payload.Error); err == nil {
				detail = string(encoded)
			}
		}
	}
	if detail == "" {
		detail = fmt.Sprintf("request failed with status %d", status)
	}
	return &Error{Provider: providerName, Status: status, Message: detail}
}

// postJSON posts a payload and decodes the response into out, retrying
// rate limits, server errors and network failures with backoff.
func postJSON(ctx context.Context, client *http.Client, providerName, url string, headers map[string]string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", providerName, err)
	}

	var lastErr error
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		if attempt > 0 {
			if err := retryWait(ctx, attempt-1); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = &Error{Provider: providerName, Message: err.Error()}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &Error{Provider: providerName, Message: readErr.Error()}
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = apiError(providerName, resp.StatusCode, respBody)
			continue
		}
		if resp.StatusCode >= 400 {
			return apiError(providerName, resp.StatusCode, respBody)
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", providerName, err)
		}
		return nil
	}
	return lastErr
}

// streamSSE posts a payload and feeds each SSE data line to handle
// until the stream closes or "[DONE]" arrives. Only connection setup
// retries; a broken mid-stream read surfaces as an error.
func streamSSE(ctx context.Context, client *http.Client, providerName, url string, headers map[string]string, payload any, handle func(data []byte) error) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", providerName, err)
	}

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		if attempt > 0 {
			if err := retryWait(ctx, attempt-1); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		r, err := client.Do(req)
		if err != nil {
			lastErr = &Error{Provider: providerName, Message: err.Error()}
			continue
		}
		if r.StatusCode >= 400 {
			errBody, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBodyBytes))
			r.Body.Close()
			apiErr := apiError(providerName, r.StatusCode, errBody)
			if retryableStatus(r.StatusCode) {
				lastErr = apiErr
				continue
			}
			return apiErr
		}
		resp = r
		break
	}
	if resp == nil {
		return lastErr
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data := line
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(line[len("data:"):])
		}
		if data == "[DONE]" {
			return nil
		}
		if err := handle([]byte(data)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
