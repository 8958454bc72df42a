package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/statement-extractor/internal/domain"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model name is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini backend. An empty APIKey lets the genai
// client read GOOGLE_API_KEY / GEMINI_API_KEY or the Vertex AI variables
// (GOOGLE_GENAI_USE_VERTEXAI, GOOGLE_CLOUD_PROJECT, GOOGLE_CLOUD_LOCATION).
type GeminiConfig struct {
	APIKey     string
	Model      string
	APIVersion string
}

// Gemini is a Model backed by the Google Gen AI SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{}
	if cfg.APIKey != "" {
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	}
	if cfg.APIVersion != "" {
		cc.HTTPOptions = genai.HTTPOptions{APIVersion: cfg.APIVersion}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("NewGemini: create genai client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{client: client, model: model}, nil
}

// Name returns the model identifier.
func (g *Gemini) Name() string { return g.model }

// Generate sends the conversation to Gemini.
func (g *Gemini) Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var parts []*genai.Part
		if m.Text != "" {
			parts = append(parts, &genai.Part{Text: m.Text})
		}
		if len(m.Image) > 0 {
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{
					MIMEType: m.MIMEType,
					Data:     m.Image,
				},
			})
		}
		role := genai.RoleUser
		if m.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	gcfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		gcfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.JSON {
		gcfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, gcfg)
	if err != nil {
		return nil, geminiError(err)
	}

	out := &ModelResponse{Text: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = domain.NewTokenUsage(int(u.PromptTokenCount), int(u.CandidatesTokenCount))
	}
	return out, nil
}

// geminiError maps SDK API errors onto *StatusError so the client can
// classify them.
func geminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) || apiErrPtr == nil {
			return err
		}
		apiErr = *apiErrPtr
	}
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Status
	}
	return &StatusError{
		StatusCode: apiErr.Code,
		Message:    msg,
		Quota:      apiErr.Code == 429 && strings.Contains(strings.ToLower(msg), "quota"),
		Err:        err,
	}
}
