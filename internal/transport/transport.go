// Package transport wraps the outbound HTTP call to the Copilot upstream
// (component L, SPEC_FULL §4.11): gzip/brotli response decompression and
// classification of failures into the upstream-status / upstream-transport
// error kinds of spec.md §7. Grounded on the teacher's
// handlers.ProxyHandler.decompressReader.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

// ErrorKind is one of the upstream-facing error kinds from spec.md §7.
type ErrorKind string

const (
	KindUpstreamStatus    ErrorKind = "upstream-status"
	KindUpstreamTransport ErrorKind = "upstream-transport"
)

// Error wraps an upstream failure with its classified Kind so the pipeline
// can map it to the right HTTP response per spec.md §7.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Headers is the set of opaque identification headers the pipeline attaches
// to every upstream call, owned by configuration (spec.md §6.2).
type Headers struct {
	CopilotIntegrationID string
	EditorVersion         string
	EditorPluginVersion   string
}

// Client performs the upstream POST and classifies failures.
type Client struct {
	http *http.Client
}

func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Do sends body to <endpoint>/chat/completions with the bearer token and
// identification headers, setting Copilot-Vision-Request when vision is
// true. The caller is responsible for closing the returned response body.
func (c *Client) Do(ctx context.Context, endpoint, token string, headers Headers, vision bool, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUpstreamTransport, Message: "failed to build upstream request", Err: err}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	if headers.CopilotIntegrationID != "" {
		req.Header.Set("Copilot-Integration-Id", headers.CopilotIntegrationID)
	}

	if headers.EditorVersion != "" {
		req.Header.Set("Editor-Version", headers.EditorVersion)
	}

	if headers.EditorPluginVersion != "" {
		req.Header.Set("Editor-Plugin-Version", headers.EditorPluginVersion)
	}

	if vision {
		req.Header.Set("Copilot-Vision-Request", "true")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()

		return nil, &Error{
			Kind:       KindUpstreamStatus,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("upstream returned status %d: %s", resp.StatusCode, string(excerpt)),
		}
	}

	return resp, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error

	if errors.As(err, &netErr) {
		return &Error{Kind: KindUpstreamTransport, Message: "upstream connection failed", Err: err}
	}

	return &Error{Kind: KindUpstreamTransport, Message: "upstream request failed", Err: err}
}

// DecompressReader wraps resp.Body according to its Content-Encoding
// header, mirroring the teacher's decompressReader generalized to brotli.
func DecompressReader(resp *http.Response) (io.Reader, error) {
	var body io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}

		body = gz
	case "br":
		body = brotli.NewReader(resp.Body)
	}

	return body, nil
}
