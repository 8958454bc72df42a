package extraction

import (
	"context"

	"github.com/dvloznov/statement-extractor/internal/domain"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one conversation turn. Image is optional.
type Message struct {
	Role     Role
	Text     string
	Image    []byte
	MIMEType string
}

// ModelRequest is a provider-neutral generation request.
type ModelRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
	// JSON asks the provider for a JSON-only response when it supports it.
	JSON bool
}

// ModelResponse is the text reply plus token accounting.
type ModelResponse struct {
	Text  string
	Usage domain.TokenUsage
}

// Model is a vision-capable generation backend.
type Model interface {
	Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
	Name() string
}
