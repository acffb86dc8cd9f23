// Package worker dispatches embed and extract requests to the external
// watermark worker.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"invisimark/internal/models"
)

const InternalTokenHeader = "X-Internal-Token"

type EmbedRequest struct {
	JobID         string `json:"imageId"`
	DispatchID    string `json:"dispatchId"`
	OwnerIdentity string `json:"ownerIdentity"`
	CallbackURL   string `json:"callbackUrl"`
	SourcePath    string `json:"srcPath"`
	DestPath      string `json:"outPath"`
	Payload       string `json:"payload"`
	Method        string `json:"method"`
}

type ExtractRequest struct {
	SourceBytes    []byte `json:"sourceBytes"`
	Method         string `json:"method"`
	ExpectedLength int    `json:"expectedLen"`
}

type extractResponse struct {
	OK      *bool  `json:"ok"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Client struct {
	baseURL        string
	token          string
	http           *http.Client
	applyTimeout   time.Duration
	extractTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithTimeouts(apply, extract time.Duration) Option {
	return func(cl *Client) {
		cl.applyTimeout = apply
		cl.extractTimeout = extract
	}
}

func New(baseURL, internalToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          internalToken,
		http:           &http.Client{},
		applyTimeout:   10 * time.Second,
		extractTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendEmbed hands a job to the worker. It returns once the worker has
// accepted the job; completion arrives later through the callback.
func (c *Client) SendEmbed(ctx context.Context, req EmbedRequest) error {
	const op = "worker.SendEmbed"

	ctx, cancel := context.WithTimeout(ctx, c.applyTimeout)
	defer cancel()

	resp, err := c.post(ctx, "/apply", req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %w: %s", op, models.ErrWorkerRejected, diagnostic(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SendExtract blocks for one worker round trip and returns the extracted
// payload. An empty string means the worker found no payload.
func (c *Client) SendExtract(ctx context.Context, req ExtractRequest) (string, error) {
	const op = "worker.SendExtract"

	ctx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	defer cancel()

	resp, err := c.post(ctx, "/extract", req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s: %w: %s", op, models.ErrWorkerRejected, diagnostic(resp))
	}

	var out extractResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: %w: %v", op, models.ErrWorkerUnreachable, err)
		}
		return "", fmt.Errorf("%s: %w: malformed response: %v", op, models.ErrWorkerRejected, err)
	}
	if out.OK != nil && !*out.OK {
		msg := firstNonEmpty(out.Error, out.Message, "extraction failed")
		return "", fmt.Errorf("%s: %w: %s", op, models.ErrWorkerRejected, msg)
	}
	return strings.TrimSpace(out.Payload), nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(InternalTokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrWorkerUnreachable, err)
	}
	return resp, nil
}

func diagnostic(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if msg := firstNonEmpty(body.Error, body.Message); msg != "" {
			return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
