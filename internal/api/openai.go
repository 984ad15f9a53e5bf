package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragmux/internal/capability"
	"github.com/kalambet/ragmux/internal/composer"
	"github.com/kalambet/ragmux/internal/pipeline"
	"github.com/kalambet/ragmux/internal/vision"
)

const maxQueryBodySize = 20 << 20 // 20MB, images travel inline

// QueryRequest is the body of POST /v1/query. Image is base64, optionally as
// a data URL.
type QueryRequest struct {
	Query   string          `json:"query"`
	History []composer.Turn `json:"history,omitempty"`
	Image   string          `json:"image,omitempty"`
}

// QueryResponse carries the answer and how it was produced.
type QueryResponse struct {
	Answer string         `json:"answer"`
	Trace  pipeline.Trace `json:"trace"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		q := pipeline.Query{Text: req.Query, History: req.History}
		if req.Image != "" {
			img, err := decodeImage(req.Image)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid image: %v", err)
				return
			}
			q.Image = img
		}

		answer, trace := deps.Orchestrator.Run(r.Context(), q)
		w.Header().Set("X-Ragmux-Route", string(trace.Route))
		writeJSON(w, http.StatusOK, QueryResponse{Answer: answer, Trace: trace})
	}
}

// decodeImage accepts plain base64 or a data:<mime>;base64,<payload> URL.
func decodeImage(s string) (*capability.Image, error) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return nil, fmt.Errorf("remote image URLs are not supported")
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.Contains(s[:i], ";base64") {
			return nil, fmt.Errorf("unsupported data URL")
		}
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &capability.Image{Data: data, MimeType: vision.DetectMimeType(data)}, nil
}

// --- OpenAI-compatible surface ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int           `json:"index"`
	Message      answerMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type answerMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := []modelEntry{{ID: "ragmux", Object: "model", OwnedBy: "ragmux"}}
		for _, m := range deps.Models {
			data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: "ollama"})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	}
}

func handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}
		if req.Stream {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported")
			return
		}

		q, err := queryFromMessages(req.Messages)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		answer, trace := deps.Orchestrator.Run(r.Context(), q)
		slog.Debug("chat completion answered", "route", trace.Route, "model", trace.Model, "duration_ms", trace.DurationMs)

		model := trace.Model
		if model == "" {
			model = "ragmux"
		}
		w.Header().Set("X-Ragmux-Route", string(trace.Route))
		writeJSON(w, http.StatusOK, chatCompletion{
			ID:      "chatcmpl-" + uuid.New().String(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []chatChoice{{
				Message:      answerMessage{Role: "assistant", Content: answer},
				FinishReason: "stop",
			}},
		})
	}
}

// queryFromMessages turns the last user message into the query and the
// user/assistant messages before it into history. System messages are
// dropped; the synthesizer supplies its own.
func queryFromMessages(msgs []chatMessage) (pipeline.Query, error) {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 {
		return pipeline.Query{}, fmt.Errorf("no user message")
	}

	var q pipeline.Query
	for _, m := range msgs[:last] {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		text, _, err := parseContent(m.Content)
		if err != nil {
			return pipeline.Query{}, err
		}
		q.History = append(q.History, composer.Turn{Role: m.Role, Text: text})
	}

	text, imageURL, err := parseContent(msgs[last].Content)
	if err != nil {
		return pipeline.Query{}, err
	}
	q.Text = text
	if imageURL != "" {
		img, err := decodeImage(imageURL)
		if err != nil {
			return pipeline.Query{}, fmt.Errorf("invalid image: %w", err)
		}
		q.Image = img
	}
	return q, nil
}

// parseContent accepts either a string or an array of text/image_url parts.
// Only the first image is kept.
func parseContent(raw json.RawMessage) (string, string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, "", nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", "", fmt.Errorf("content must be a string or an array of parts")
	}
	var texts []string
	var image string
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image_url":
			if image == "" && p.ImageURL != nil {
				image = p.ImageURL.URL
			}
		}
	}
	return strings.Join(texts, "\n"), image, nil
}
