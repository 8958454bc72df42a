package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dvloznov/statement-extractor/internal/domain"
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint
// (vLLM, Groq, Ollama's /v1 API).
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// HTTPClient defaults to a client without its own timeout; the caller's
	// context bounds each request.
	HTTPClient *http.Client
}

// OpenAI is a Model speaking the chat completions protocol.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible backend.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("NewOpenAI: base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("NewOpenAI: model is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  client,
	}, nil
}

// Name returns the model identifier.
func (o *OpenAI) Name() string { return o.model }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatMessage content is either a string or a list of content parts.
type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate posts the conversation to /chat/completions.
func (o *OpenAI) Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	body := chatRequest{
		Model:       o.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		if len(m.Image) == 0 {
			body.Messages = append(body.Messages, chatMessage{Role: role, Content: m.Text})
			continue
		}
		parts := []contentPart{}
		if m.Text != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Text})
		}
		dataURL := "data:" + m.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(m.Image)
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL}})
		body.Messages = append(body.Messages, chatMessage{Role: role, Content: parts})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("Generate: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("Generate: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Generate: calling chat completions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, openAIStatusError(resp.StatusCode, raw)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("Generate: decoding response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("Generate: response has no choices")
	}
	return &ModelResponse{
		Text:  chat.Choices[0].Message.Content,
		Usage: domain.NewTokenUsage(chat.Usage.PromptTokens, chat.Usage.CompletionTokens),
	}, nil
}

func openAIStatusError(code int, raw []byte) *StatusError {
	se := &StatusError{StatusCode: code, Message: strings.TrimSpace(string(raw))}
	var ce chatError
	if json.Unmarshal(raw, &ce) == nil && ce.Error.Message != "" {
		se.Message = ce.Error.Message
		se.Quota = ce.Error.Code == "insufficient_quota" || ce.Error.Type == "insufficient_quota"
	}
	return se
}
