package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/buildswarm/coordinator/internal/version"
)

// apiClient is a thin wrapper over the coordinator's public and admin HTTP
// surfaces. Admin-surface calls automatically target adminBaseURL and
// carry X-Admin-Key.
type apiClient struct {
	baseURL      string
	adminBaseURL string
	adminKey     string
	http         *http.Client
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, c.baseURL, path, query, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, c.baseURL, path, nil, body, out)
}

func (c *apiClient) adminGet(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, c.adminBaseURL, path, query, nil, out)
}

func (c *apiClient) adminPost(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, c.adminBaseURL, path, nil, body, out)
}

func (c *apiClient) do(ctx context.Context, method, base, path string, query url.Values, body any, out any) error {
	full := strings.TrimRight(base, "/") + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
