package importsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionClient is the set of remote operations the wizard depends on.
// Client implements it over HTTP; CachedClient decorates any implementation.
type SessionClient interface {
	AvailableModels(ctx context.Context) ([]string, error)
	ModelMetadata(ctx context.Context, model string) (*ModelMetadata, error)
	ImportConfig(ctx context.Context) (*ImportConfig, error)
	CreateSession(ctx context.Context, model string, file Upload) (*ImportSession, error)
	MappingSuggestions(ctx context.Context, sessionID string) ([]MappingSuggestion, error)
	GeneratePreview(ctx context.Context, sessionID string, req PreviewRequest) (*PreviewResult, error)
	ValidateFullFile(ctx context.Context, sessionID string, req PreviewRequest) (*PreviewResult, error)
	ExecuteImport(ctx context.Context, sessionID string, req ExecuteRequest) (*ExecutionResult, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// ErrResponseTooLarge is returned when a response body exceeds the client's cap.
var ErrResponseTooLarge = errors.New("import service response too large")

// APIError is returned for any non-2xx response from the Import Service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: import service returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: import service returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the Import Service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration // per-call timeout for everything except execute
	ExecuteTimeout time.Duration
	HTTPClient     *http.Client

	// MaxResponseBytes caps a response body (default: DefaultMaxResponseBytes)
	MaxResponseBytes int64
}

// DefaultMaxResponseBytes bounds Import Service responses. Full-file
// validation results carry per-row errors, so the cap is generous.
const DefaultMaxResponseBytes = 64 << 20

// Client talks to the Import Service over REST/JSON.
type Client struct {
	base           *url.URL
	apiKey         string
	timeout        time.Duration
	executeTimeout time.Duration
	maxResponse    int64
	http           *http.Client
}

// NewClient validates the base URL and returns a ready client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("import service base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse import service URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("import service URL must be http or https, got %q", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}

	return &Client{
		base:           u,
		apiKey:         opts.APIKey,
		timeout:        opts.Timeout,
		executeTimeout: opts.ExecuteTimeout,
		maxResponse:    opts.MaxResponseBytes,
		http:           hc,
	}, nil
}

func (c *Client) AvailableModels(ctx context.Context) ([]string, error) {
	body, err := c.doJSON(ctx, "get available models", http.MethodGet, "/models", nil, c.timeout)
	if err != nil {
		return nil, err
	}
	return decodeModels(body)
}

func (c *Client) ModelMetadata(ctx context.Context, model string) (*ModelMetadata, error) {
	path := "/models/" + url.PathEscape(model) + "/metadata"
	body, err := c.doJSON(ctx, "get model metadata", http.MethodGet, path, nil, c.timeout)
	if err != nil {
		return nil, err
	}
	return decodeMetadata(model, body)
}

func (c *Client) ImportConfig(ctx context.Context) (*ImportConfig, error) {
	body, err := c.doJSON(ctx, "get import config", http.MethodGet, "/config", nil, c.timeout)
	if err != nil {
		return nil, err
	}
	var cfg ImportConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decode import config: %w", err)
	}
	return &cfg, nil
}

// CreateSession uploads the file as multipart form data.
func (c *Client) CreateSession(ctx context.Context, model string, file Upload) (*ImportSession, error) {
	const op = "create import session"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("model_name", model); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	part, err := w.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	body, err := c.do(ctx, op, http.MethodPost, "/sessions", &buf, w.FormDataContentType(), c.timeout)
	if err != nil {
		return nil, err
	}
	s, err := decodeSession(body)
	if err != nil {
		return nil, err
	}
	if s.ModelName == "" {
		s.ModelName = model
	}
	if s.FileName == "" {
		s.FileName = file.Name
	}
	return s, nil
}

func (c *Client) MappingSuggestions(ctx context.Context, sessionID string) ([]MappingSuggestion, error) {
	body, err := c.doJSON(ctx, "get mapping suggestions", http.MethodGet, sessionPath(sessionID, "mapping-suggestions"), nil, c.timeout)
	if err != nil {
		return nil, err
	}
	return decodeSuggestions(body)
}

func (c *Client) GeneratePreview(ctx context.Context, sessionID string, req PreviewRequest) (*PreviewResult, error) {
	body, err := c.doJSON(ctx, "generate preview", http.MethodPost, sessionPath(sessionID, "preview"), req, c.timeout)
	if err != nil {
		return nil, err
	}
	return decodePreview(body)
}

// ValidateFullFile never paginates, so batch fields are stripped from req.
func (c *Client) ValidateFullFile(ctx context.Context, sessionID string, req PreviewRequest) (*PreviewResult, error) {
	req.BatchNumber = nil
	req.BatchSize = nil
	body, err := c.doJSON(ctx, "validate full file", http.MethodPost, sessionPath(sessionID, "validate"), req, c.executeTimeout)
	if err != nil {
		return nil, err
	}
	return decodePreview(body)
}

func (c *Client) ExecuteImport(ctx context.Context, sessionID string, req ExecuteRequest) (*ExecutionResult, error) {
	body, err := c.doJSON(ctx, "execute import", http.MethodPost, sessionPath(sessionID, "execute"), req, c.executeTimeout)
	if err != nil {
		return nil, err
	}
	return decodeExecution(body)
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.doJSON(ctx, "delete import session", http.MethodDelete, sessionPath(sessionID, ""), nil, c.timeout)
	return err
}

func sessionPath(id, action string) string {
	p := "/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, payload any, timeout time.Duration) ([]byte, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, op, method, path, body, contentType, timeout)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if int64(len(data)) > c.maxResponse {
		return nil, fmt.Errorf("%s: %w: response exceeds %d bytes", op, ErrResponseTooLarge, c.maxResponse)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// errorMessage pulls a human-readable message out of an error body.
// The service uses "detail", "error" or "message" depending on the endpoint.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if m := firstNonEmpty(payload.Message, payload.Error); m != "" {
			return m
		}
		if payload.Detail != nil {
			if b, err := json.Marshal(payload.Detail); err == nil {
				return truncate(string(b), 200)
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}
