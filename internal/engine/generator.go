package engine

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/kalambet/ragmux/internal/capability"
)

var _ capability.Generator = Generator{}

// Generator adapts an Engine to capability.Generator. An image, when given,
// is attached to the last user message.
type Generator struct {
	Engine Engine
}

func (g Generator) Generate(ctx context.Context, model string, messages []capability.Message, image *capability.Image) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("generate: no messages")
	}
	msgs := make([]Message, len(messages))
	last := -1
	for i, m := range messages {
		msgs[i] = Message{Role: m.Role, Content: m.Content}
		if m.Role == "user" {
			last = i
		}
	}
	if image != nil && len(image.Data) > 0 {
		if last < 0 {
			last = len(msgs) - 1
		}
		msgs[last].Images = []string{base64.StdEncoding.EncodeToString(image.Data)}
	}
	return g.Engine.Chat(ctx, model, msgs, nil)
}
