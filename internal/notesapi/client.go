package notesapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
)

// DefaultTimeout bounds every persistence request.
const DefaultTimeout = 10 * time.Second

var (
	ErrValidation = errors.New("notesapi: validation failed")
	ErrNotFound   = errors.New("notesapi: note not found")
	ErrServer     = errors.New("notesapi: server error")

	errMissingBaseURL = errors.New("notesapi: base url is required")
)

// APIError carries the server error code for a failed request.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d %s): %s", e.kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%d %s)", e.kind, e.StatusCode, e.Code)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the persistence API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("notesapi: parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	scoped := *httpClient
	scoped.Timeout = timeout
	return &Client{baseURL: baseURL, httpClient: &scoped}, nil
}

type createPayload struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedBy string `json:"createdBy,omitempty"`
}

type updatePayload struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Create stores a new note. createdBy is echoed in the note_created broadcast.
func (c *Client) Create(ctx context.Context, title, content, createdBy string) (notes.Note, error) {
	var note notes.Note
	err := c.do(ctx, http.MethodPost, c.notesURL(), createPayload{Title: title, Content: content, CreatedBy: createdBy}, &note)
	return note, err
}

// List returns every note, most recently updated first.
func (c *Client) List(ctx context.Context) ([]notes.Note, error) {
	var list []notes.Note
	err := c.do(ctx, http.MethodGet, c.notesURL(), nil, &list)
	return list, err
}

func (c *Client) Get(ctx context.Context, id string) (notes.Note, error) {
	var note notes.Note
	err := c.do(ctx, http.MethodGet, c.notesURL(id), nil, &note)
	return note, err
}

// Update sends only the provided fields.
func (c *Client) Update(ctx context.Context, id string, title, content *string) (notes.Note, error) {
	var note notes.Note
	err := c.do(ctx, http.MethodPut, c.notesURL(id), updatePayload{Title: title, Content: content}, &note)
	return note, err
}

func (c *Client) notesURL(segments ...string) string {
	parts := append([]string{"api", "v1", "notes"}, segments...)
	return c.baseURL.JoinPath(parts...).String()
}

func (c *Client) do(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notesapi: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("notesapi: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("notesapi: %s %s: %w", method, target, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("notesapi: read response: %w", err)
	}

	if response.StatusCode >= http.StatusBadRequest {
		return responseError(response.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("notesapi: decode response: %w", err)
	}
	return nil
}

func responseError(status int, raw []byte) error {
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)

	kind := ErrServer
	switch {
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		kind = ErrValidation
	}
	return &APIError{StatusCode: status, Code: payload.Error, Message: payload.Message, kind: kind}
}
