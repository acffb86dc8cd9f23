// Package client is a Go client for the invisimark HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"invisimark/internal/models"
	"invisimark/internal/poll"
	"invisimark/internal/watermark"
)

// APIError is a non-2xx response. It unwraps to the models sentinel named
// by Code, so errors.Is works across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return models.ErrorForKind(e.Code) }

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*models.ImageJob, error) {
	const op = "client.Upload"

	var out struct {
		Image *models.ImageJob `json:"image"`
	}
	if err := c.multipart(ctx, "/upload", filename, r, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out.Image, nil
}

func (c *Client) Apply(ctx context.Context, id uuid.UUID, options map[string]any) (models.Watermark, error) {
	const op = "client.Apply"

	body, err := json.Marshal(map[string]any{"imageId": id, "options": options})
	if err != nil {
		return models.Watermark{}, fmt.Errorf("%s: %w", op, err)
	}
	var out struct {
		Status    string           `json:"status"`
		Watermark models.Watermark `json:"watermark"`
	}
	if err := c.do(ctx, http.MethodPost, "/watermark/apply", "application/json", bytes.NewReader(body), &out); err != nil {
		return models.Watermark{}, fmt.Errorf("%s: %w", op, err)
	}
	return out.Watermark, nil
}

func (c *Client) Status(ctx context.Context, id uuid.UUID) (models.Watermark, error) {
	const op = "client.Status"

	var wm models.Watermark
	if err := c.do(ctx, http.MethodGet, "/images/"+id.String()+"/status", "", nil, &wm); err != nil {
		return models.Watermark{}, fmt.Errorf("%s: %w", op, err)
	}
	return wm, nil
}

func (c *Client) Image(ctx context.Context, id uuid.UUID) (*models.ImageJob, error) {
	const op = "client.Image"

	var job models.ImageJob
	if err := c.do(ctx, http.MethodGet, "/images/"+id.String(), "", nil, &job); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &job, nil
}

func (c *Client) Verify(ctx context.Context, filename string, r io.Reader) (watermark.VerifyResult, error) {
	const op = "client.Verify"

	var res watermark.VerifyResult
	if err := c.multipart(ctx, "/watermark/extract", filename, r, &res); err != nil {
		return watermark.VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Download copies the watermarked result into w.
func (c *Client) Download(ctx context.Context, id uuid.UUID, w io.Writer) (int64, error) {
	const op = "client.Download"

	resp, err := c.send(ctx, http.MethodGet, "/images/"+id.String()+"/download", "", nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// WaitForWatermark polls the job status until it is done or failed.
func WaitForWatermark(ctx context.Context, c *Client, id uuid.UUID, policy poll.Policy) (models.Watermark, error) {
	return poll.Until(ctx, policy, func(ctx context.Context) (models.Watermark, error) {
		return c.Status(ctx, id)
	})
}

func (c *Client) multipart(ctx context.Context, path, filename string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode, Code: "InternalError", Message: resp.Status}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return nil, apiErr
}
