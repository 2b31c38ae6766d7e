package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// openAIBackend talks to any OpenAI-compatible chat endpoint.
type openAIBackend struct {
	llm         llms.Model
	temperature float64
}

func newOpenAIBackend(s Settings) (*openAIBackend, error) {
	if !s.APIKey.IsSet() {
		return nil, fmt.Errorf("openai API key required")
	}
	opts := []openai.Option{
		openai.WithModel(s.Model),
		openai.WithToken(s.APIKey.Value()),
	}
	if s.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(s.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &openAIBackend{llm: llm, temperature: s.Temperature}, nil
}

func (o *openAIBackend) name() string { return "openai" }

func (o *openAIBackend) generate(ctx context.Context, req Request) (string, error) {
	callOpts := []llms.CallOption{llms.WithTemperature(o.temperature)}
	if req.Schema != nil {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := o.llm.GenerateContent(ctx, openAIMessages(req), callOpts...)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// JSON mode has no schema parameter, so the schema rides in the system text.
func openAIMessages(req Request) []llms.MessageContent {
	system := req.System
	if req.Schema != nil {
		system += "\n\nRespond with a single JSON object matching this schema:\n" + req.Schema.String()
	}

	msgs := make([]llms.MessageContent, 0, len(req.History)+2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := llms.ChatMessageTypeHuman
		if m.Role == session.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, m.Content))
	}
	if req.UserText != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.UserText))
	}
	return msgs
}
