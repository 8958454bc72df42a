package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAI_Generate(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	m, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "olmocr"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}

	resp, err := m.Generate(context.Background(), &ModelRequest{
		System: "sys",
		Messages: []Message{
			{Role: RoleUser, Text: "page 1", Image: []byte{1, 2, 3}, MIMEType: "image/png"},
			{Role: RoleModel, Text: "bad"},
			{Role: RoleUser, Text: "fix it"},
		},
		MaxTokens: 100,
		JSON:      true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}

	msgs := got["messages"].([]interface{})
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if role := msgs[2].(map[string]interface{})["role"]; role != "assistant" {
		t.Errorf("model turn role = %v, want assistant", role)
	}
	parts := msgs[1].(map[string]interface{})["content"].([]interface{})
	img := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})["url"].(string)
	if !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Errorf("image url = %q", img)
	}
	if rf := got["response_format"].(map[string]interface{})["type"]; rf != "json_object" {
		t.Errorf("response_format = %v", rf)
	}
}

func TestOpenAI_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantQuota bool
	}{
		{name: "server error", status: 500, body: `oops`},
		{name: "rate limited", status: 429, body: `{"error":{"message":"slow down","type":"rate_limit"}}`},
		{name: "insufficient quota", status: 429, body: `{"error":{"message":"no credit","code":"insufficient_quota"}}`, wantQuota: true},
		{name: "unauthorized", status: 401, body: `{"error":{"message":"bad key"}}`, wantQuota: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m, _ := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, Model: "m"})
			_, err := m.Generate(context.Background(), &ModelRequest{Messages: []Message{{Role: RoleUser, Text: "x"}}})

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("Generate() error = %v, want *StatusError", err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.status)
			}
			if got := classify(err) == classQuota; got != tt.wantQuota {
				t.Errorf("quota = %v, want %v", got, tt.wantQuota)
			}
		})
	}
}

func TestNewOpenAI_Validation(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{Model: "m"}); err == nil {
		t.Error("expected error without base URL")
	}
	if _, err := NewOpenAI(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Error("expected error without model")
	}
}
