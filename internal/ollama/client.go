// Package ollama is a minimal client for the Ollama HTTP API. ragmux uses it
// for answer synthesis, image analysis, reranking, code conversion, chunk
// embeddings and the model checks run at startup.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one chat turn. Images holds base64 payloads for the image
// analysis model.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Options are the sampling parameters attached to every chat call.
type Options struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// Schema constrains a chat reply to a JSON object; the reranker uses it for
// its relevance scores.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is one field of a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Client talks to one Ollama server. Callers bound each call with their own
// context deadline; the HTTP client itself has no timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	options    *Options
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithOptions sets the sampling options attached to chat requests.
func WithOptions(o Options) ClientOption {
	return func(c *Client) { c.options = &o }
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends a request and returns the response when the status is 200. Other
// statuses become an error carrying the start of the body.
func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return resp, nil
}

// decode reads a single JSON document from resp and closes it.
func decode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

type tagsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name string `json:"name"`
}

// IsRunning reports whether the server answers /api/tags within two seconds.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ListModels returns the names of the locally pulled models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	var tags tagsResponse
	if err := decode(resp, &tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether name is pulled. A name without a tag matches any
// tag of that model, so "llava" finds "llava:7b".
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one status line of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel downloads name and returns once the stream ends. onProgress, if
// set, sees every status line.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		err := dec.Decode(&p)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading pull progress for %s: %w", name, err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
	Options  *Options  `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Chat returns the model's reply to messages, without streaming. A non-nil
// schema is sent as the response format.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error) {
	cr := chatRequest{Model: model, Messages: messages, Options: c.options}
	if schema != nil {
		cr.Format = schema
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", cr)
	if err != nil {
		return "", fmt.Errorf("chat with %s: %w", model, err)
	}
	var out chatResponse
	if err := decode(resp, &out); err != nil {
		return "", fmt.Errorf("decoding chat reply from %s: %w", model, err)
	}
	return out.Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector model assigns to text.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/embed", embedRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", model, err)
	}
	var out embedResponse
	if err := decode(resp, &out); err != nil {
		return nil, fmt.Errorf("decoding embedding from %s: %w", model, err)
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding with %s: no vectors returned", model)
	}
	return out.Embeddings[0], nil
}
