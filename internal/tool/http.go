package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	httpTimeout      = 30 * time.Second
	httpMaxBodyBytes = 1 << 20
	httpUserAgent    = "flowbot/1.0"
)

// HTTPRequestTool performs an HTTP request against an external API.
type HTTPRequestTool struct {
	client *http.Client
}

func NewHTTPRequestTool() *HTTPRequestTool {
	return &HTTPRequestTool{
		client: &http.Client{Timeout: httpTimeout},
	}
}

func (t *HTTPRequestTool) Name() string { return "http_request" }
func (t *HTTPRequestTool) Description() string {
	return "Perform an HTTP request. Returns the response body. Useful for calling REST APIs (GitLab, Jira, CI systems)."
}
func (t *HTTPRequestTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"url":    {Type: "string", Description: "Full URL (must start with http:// or https://)"},
			"method": {Type: "string", Description: "HTTP method (default: GET)"},
			"body":   {Type: "string", Description: "Request body for POST/PUT/PATCH"},
		},
		[]string{"url"},
	)
}

func (t *HTTPRequestTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL := ArgsString(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("missing argument: url")
	}

	// Validate URL scheme to prevent SSRF
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	method := strings.ToUpper(strings.TrimSpace(ArgsString(args, "method")))
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body := ArgsString(args, "body"); body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", httpUserAgent)
	if headers, ok := args["headers"].(map[string]any); ok {
		for k := range headers {
			req.Header.Set(k, ArgsString(headers, k))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return string(body), fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}
	return string(body), nil
}
