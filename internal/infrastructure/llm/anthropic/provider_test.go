package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/service"
	llm "github.com/replyhub/replyhub/internal/infrastructure/llm"
)

func TestBuildParams(t *testing.T) {
	params := buildParams(&llm.CompletionRequest{
		Model:  "anthropic/claude-3-5-haiku-latest",
		System: "be kind",
		Turns: []service.PromptTurn{
			{Role: service.PromptRoleUser, Content: "hi"},
			{Role: service.PromptRoleAssistant, Content: "hello"},
			{Role: service.PromptRoleUser, Content: "refund?"},
		},
	})
	if string(params.Model) != "claude-3-5-haiku-latest" {
		t.Errorf("Model = %q", params.Model)
	}
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want default", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be kind" {
		t.Errorf("system not set: %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Errorf("len(Messages) = %d, want 3", len(params.Messages))
	}
}

func TestProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "a-key" {
			t.Error("api key header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-3-5-haiku-20241022",
			"content":       []map[string]any{{"type": "text", "text": "Sure thing."}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 30, "output_tokens": 6},
		})
	}))
	defer srv.Close()

	p := New(llm.ProviderConfig{BaseURL: srv.URL, APIKey: "a-key"}, zap.NewNop())
	out, err := p.Complete(context.Background(), &llm.CompletionRequest{
		Model: "claude-3-5-haiku-latest",
		Turns: []service.PromptTurn{{Role: service.PromptRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "Sure thing." || out.Usage.TotalTokens != 36 {
		t.Errorf("unexpected completion: %+v", out)
	}
}

func TestProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	p := New(llm.ProviderConfig{BaseURL: srv.URL, APIKey: "bad"}, zap.NewNop())
	_, err := p.Complete(context.Background(), &llm.CompletionRequest{
		Model: "claude-3-5-haiku-latest",
		Turns: []service.PromptTurn{{Role: service.PromptRoleUser, Content: "hi"}},
	})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected APIError 401, got %v", err)
	}
	if pe := service.ClassifyError(err, "anthropic", ""); pe.Kind != service.ErrKindAuth {
		t.Errorf("expected auth kind, got %s", pe.Kind)
	}
}
