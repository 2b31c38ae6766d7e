package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/turnd/internal/session"
	"google.golang.org/genai"
)

// geminiBackend talks to Gemini through the Gemini API or Vertex AI.
type geminiBackend struct {
	client      *genai.Client
	model       string
	temperature float32
}

func newGeminiBackend(ctx context.Context, s Settings) (*geminiBackend, error) {
	cc := &genai.ClientConfig{Backend: genai.BackendGeminiAPI, APIKey: s.APIKey.Value()}
	if s.Provider == ProviderVertex {
		if s.Project == "" || s.Location == "" {
			return nil, fmt.Errorf("vertex provider requires project and location")
		}
		cc = &genai.ClientConfig{Backend: genai.BackendVertexAI, Project: s.Project, Location: s.Location}
	} else if !s.APIKey.IsSet() {
		return nil, fmt.Errorf("gemini API key required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &geminiBackend{client: client, model: s.Model, temperature: float32(s.Temperature)}, nil
}

func (g *geminiBackend) name() string { return "gemini" }

func (g *geminiBackend) generate(ctx context.Context, req Request) (string, error) {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Schema != nil {
		gc.ResponseMIMEType = "application/json"
		gc.ResponseSchema = req.Schema.genai()
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, geminiContents(req), gc)
	if err != nil {
		return "", classify(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func geminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == session.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if req.UserText != "" || len(contents) == 0 {
		contents = append(contents, genai.NewContentFromText(req.UserText, genai.RoleUser))
	}
	return contents
}
