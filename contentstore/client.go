// Package contentstore provides an HTTP client for the remote content service
// that fronts the session's persistent storage. The service exposes a small
// filesystem-like API: write a file by path with an encoding tag, read a
// file's raw bytes, and list directory entries.
//
// The client is deliberately forgiving: every public operation degrades to an
// empty or false result on transport or protocol failure and logs the cause.
// Callers own retry policy; an empty read means "unavailable", not "empty
// file". The degraded surface keeps the session loop free of per-call error
// plumbing for operations that must never abort the run.
package contentstore

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

	"goa.design/clue/log"
)

type (
	// Option configures the HTTP client.
	Option func(*Client)

	// Client talks to the content service API. It is safe for use from a
	// single goroutine; the session runtime never issues concurrent calls.
	Client struct {
		baseURL string
		http    *http.Client
		headers http.Header
	}

	// Entry describes one remote listing record.
	Entry struct {
		Name       string `json:"name"`
		Path       string `json:"path"`
		IsDir      bool   `json:"isDir"`
		Size       int64  `json:"size"`
		ModifiedAt string `json:"modifiedAt"`
	}

	// Encoding tags the payload representation of a write.
	Encoding string

	writeRequest struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}

	listResponse struct {
		Items []Entry `json:"items"`
	}
)

// Payload encodings accepted by the content service write endpoint.
const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// New constructs a content service client rooted at baseURL (for example,
// "http://ambient-content.team-a.svc:8080").
func New(baseURL string, opts ...Option) *Client {
	cl := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 30 * time.Second}
	}
	return cl
}

// Read returns the raw bytes stored at path. On any transport error or
// non-200 response it returns nil and logs a warning; callers must treat an
// empty result as "unavailable" rather than as a valid empty file.
func (c *Client) Read(ctx context.Context, path string) []byte {
	data, err := c.read(ctx, path)
	if err != nil {
		log.Warnf(ctx, "content read failed for %s: %v", path, err)
		return nil
	}
	return data
}

// Write stores content at path using the given encoding. It returns true only
// on a 2xx response; all other outcomes return false and log the cause. The
// client never retries; retry policy belongs to the caller.
func (c *Client) Write(ctx context.Context, path, content string, enc Encoding) bool {
	if err := c.write(ctx, path, content, enc); err != nil {
		log.Errorf(ctx, err, "content write failed for %s", path)
		return false
	}
	return true
}

// List returns the entries under path, in whatever order the remote reports.
// It returns an empty slice on any error; the ordering is not stable across
// calls.
func (c *Client) List(ctx context.Context, path string) []Entry {
	items, err := c.list(ctx, path)
	if err != nil {
		log.Warnf(ctx, "content list failed for %s: %v", path, err)
		return nil
	}
	return items
}

func (c *Client) read(ctx context.Context, path string) ([]byte, error) {
	u := c.baseURL + "/content/file?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content http status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) write(ctx context.Context, path, content string, enc Encoding) error {
	body, err := json.Marshal(writeRequest{
		Path:     path,
		Content:  content,
		Encoding: string(enc),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/content/write", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("content http status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) list(ctx context.Context, path string) ([]Entry, error) {
	u := c.baseURL + "/content/list?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content http status %d", resp.StatusCode)
	}
	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, err
	}
	return lr.Items, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}
