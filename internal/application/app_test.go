package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
	"github.com/replyhub/replyhub/pkg/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []service.OutboundMessage
}

func (s *recordingSender) Send(_ context.Context, msg service.OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("mid.%d", len(s.sent)), nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Text)
	}
	return out
}

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, cfg service.GenerationConfig, parts service.PromptParts) (*service.GeneratedReply, error) {
	last := parts.Turns[len(parts.Turns)-1]
	return &service.GeneratedReply{
		Text:     "echo: " + last.Content,
		Provider: cfg.Primary.ProviderKind,
		Model:    cfg.Primary.Model,
	}, nil
}

func writeConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`
server:
  host: 127.0.0.1
  port: 0
database:
  type: memory
queue:
  driver: memory
  workers: 2
  redelivery_delay: 10ms
dispatch:
  base_backoff: 10ms
credentials:
  sealing_key: %s
embedding:
  provider: hash
  dimension: 32
tenants:
  - id: acme
    provider_kind: openai
    api_key: sk-test
    model: gpt-4o-mini
    system_prompt: You are Acme's support assistant.
`, key)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestApp_WebhookToDelivery(t *testing.T) {
	cfg := writeConfig(t)
	sender := &recordingSender{}
	app, err := NewApp(cfg, zap.NewNop(), WithSender(sender), WithGenerator(echoGenerator{}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	})

	event := map[string]any{
		"tenant_id":           "acme",
		"platform_message_id": "mid.inbound.1",
		"raw_text":            "where is my order?",
		"channel_conversation_key": map[string]string{
			"platform": "messenger", "page_id": "page-1", "sender_id": "psid-42",
		},
	}
	post := func() map[string]string {
		body, _ := json.Marshal(event)
		req := httptest.NewRequest(http.MethodPost, "/webhook/events", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		app.HTTPHandler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var out map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	first := post()
	assert.Equal(t, "accepted", first["status"])

	require.Eventually(t, func() bool {
		return len(sender.texts()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "echo: where is my order?", sender.texts()[0])

	// 重复的 webhook 不再产生回复
	assert.Equal(t, "duplicate", post()["status"])

	snap, err := app.Query().Snapshot(ctx, "acme", first["conversation_id"], 10)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err = app.Query().Snapshot(ctx, "acme", first["conversation_id"], 10)
		return err == nil && len(snap.Messages) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, sender.texts(), 1)
}

func TestNewAppCLI_SkipsInterfaces(t *testing.T) {
	cfg := writeConfig(t)
	app, err := NewAppCLI(cfg, zap.NewNop(), WithSender(&recordingSender{}))
	require.NoError(t, err)
	defer app.Stop(context.Background())

	assert.Nil(t, app.HTTPHandler())
	assert.Error(t, app.Start(context.Background()))

	// CLI 模式不自动写入租户凭证
	require.NoError(t, app.Credentials().Seed(context.Background(), SeedInputs(cfg.Tenants)))
	cred, err := app.Credentials().Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cred.Model)
}

func TestSeedInputs(t *testing.T) {
	in := SeedInputs([]config.TenantSeed{{
		ID: "acme", ProviderKind: "openai", APIKey: "k", Model: "m",
		Fallbacks: []config.FallbackSeed{{ProviderKind: "gemini", APIKey: "g", Model: "gemini-1.5-flash"}},
	}})
	require.Len(t, in, 1)
	assert.Equal(t, "acme", in[0].TenantID)
	require.Len(t, in[0].Fallbacks, 1)
	assert.Equal(t, "gemini", in[0].Fallbacks[0].ProviderKind)
}
