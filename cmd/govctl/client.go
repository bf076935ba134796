package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient talks to the governor's control API
type apiClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func newAPIClient(addr, key string, timeout time.Duration) *apiClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		key:     key,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is the error envelope written by the daemon
type apiError struct {
	Status int
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Msg    string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// raw performs the request and returns the body of a 2xx response
func (c *apiClient) raw(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(body, &envelope) != nil || envelope.Error.Code == "" {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		envelope.Error.Status = resp.StatusCode
		return nil, &envelope.Error
	}
	return body, nil
}

// do performs the request and decodes the data field of the success
// envelope into out
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	body, err := c.raw(ctx, method, path, query)
	if err != nil {
		return err
	}
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
