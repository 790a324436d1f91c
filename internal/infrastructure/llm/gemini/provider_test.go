package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/service"
	llm "github.com/replyhub/replyhub/internal/infrastructure/llm"
)

func TestProvider_Complete(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Error("api key header missing")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"thinking","thought":true},{"text":"Open 9 to 5."}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":4,"totalTokenCount":24},"modelVersion":"gemini-2.0-flash-001"}`))
	}))
	defer srv.Close()

	p := New(llm.ProviderConfig{BaseURL: srv.URL, APIKey: "g-key"}, zap.NewNop())
	out, err := p.Complete(context.Background(), &llm.CompletionRequest{
		Model:  "gemini-2.0-flash",
		System: "shop assistant",
		Turns: []service.PromptTurn{
			{Role: service.PromptRoleUser, Content: "hours?"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "Open 9 to 5." {
		t.Errorf("thought parts must be skipped, got %q", out.Text)
	}
	if out.Usage.PromptTokens != 20 || out.Usage.TotalTokens != 24 || out.Model != "gemini-2.0-flash-001" {
		t.Errorf("unexpected metadata: %+v", out)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "shop assistant" {
		t.Error("system instruction not sent")
	}
}

func TestProvider_SafetyBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`))
	}))
	defer srv.Close()

	p := New(llm.ProviderConfig{BaseURL: srv.URL, APIKey: "k"}, zap.NewNop())
	_, err := p.Complete(context.Background(), &llm.CompletionRequest{Model: "gemini-2.0-flash"})
	if err == nil {
		t.Fatal("expected safety error")
	}
	if pe := service.ClassifyError(err, "gemini", ""); pe.Kind != service.ErrKindContentFilter {
		t.Errorf("expected content filter, got %s", pe.Kind)
	}
}
