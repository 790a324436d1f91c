package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"go.uber.org/zap"
)

type stubInbound struct {
	seen map[string]bool
}

func (s *stubInbound) Submit(_ context.Context, evt entity.InboundEvent) (usecase.SubmitResult, error) {
	if err := evt.Validate(); err != nil {
		return usecase.SubmitResult{}, domainErrors.NewInvalidInputError(err.Error())
	}
	if s.seen[evt.PlatformMessageID] {
		return usecase.SubmitResult{Status: usecase.SubmitDuplicate}, nil
	}
	s.seen[evt.PlatformMessageID] = true
	return usecase.SubmitResult{Status: usecase.SubmitAccepted, ConversationID: "c1"}, nil
}

type stubOperator struct {
	lastTenant   string
	lastAgent    string
	lastEnabled  *bool
	lastFallback []usecase.FallbackInput
	redeliverErr error
}

func (s *stubOperator) Snapshot(_ context.Context, tenantID, conversationID string, _ int) (*usecase.ConversationSnapshot, error) {
	s.lastTenant = tenantID
	if conversationID != "c1" {
		return nil, domainErrors.NewNotFoundError("conversation " + conversationID)
	}
	return &usecase.ConversationSnapshot{
		Conversation: &entity.Conversation{ID: "c1", TenantID: tenantID, AutoBotEnabled: true},
		State:        service.StateBotActive,
		Unread:       2,
	}, nil
}

func (s *stubOperator) MarkSeen(_ context.Context, tenantID, _ string) (time.Time, error) {
	s.lastTenant = tenantID
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), nil
}

func (s *stubOperator) AgentReply(_ context.Context, tenantID, conversationID, agentID, _ string) (*usecase.AgentReplyResult, error) {
	s.lastTenant = tenantID
	s.lastAgent = agentID
	return &usecase.AgentReplyResult{MessageID: "m-1", State: service.StateHumanActive}, nil
}

func (s *stubOperator) SetAutoBot(_ context.Context, tenantID, conversationID string, enabled bool) (*entity.Conversation, error) {
	s.lastTenant = tenantID
	s.lastEnabled = &enabled
	return &entity.Conversation{ID: conversationID, TenantID: tenantID, AutoBotEnabled: enabled}, nil
}

func (s *stubOperator) DeadLetters(_ context.Context, tenantID string, _ bool, _ int) ([]*entity.DeadLetter, error) {
	s.lastTenant = tenantID
	return nil, nil
}

func (s *stubOperator) Redeliver(_ context.Context, tenantID, _ string) error {
	s.lastTenant = tenantID
	return s.redeliverErr
}

func (s *stubOperator) Upsert(_ context.Context, in usecase.CredentialInput) (*entity.ProviderCredential, error) {
	s.lastTenant = in.TenantID
	s.lastFallback = in.Fallbacks
	return &entity.ProviderCredential{TenantID: in.TenantID, ProviderKind: in.ProviderKind, EncryptedKey: "sealed", Model: in.Model}, nil
}

func (s *stubOperator) IndexDocument(_ context.Context, tenantID, documentID string, texts []string) (*usecase.IndexResult, error) {
	s.lastTenant = tenantID
	return &usecase.IndexResult{DocumentID: documentID, Chunks: len(texts)}, nil
}

func (s *stubOperator) DeleteDocument(_ context.Context, tenantID, _ string) (int, error) {
	s.lastTenant = tenantID
	return 0, errors.New("disk full")
}

func newTestServer() (*Server, *stubInbound, *stubOperator) {
	in := &stubInbound{seen: map[string]bool{}}
	op := &stubOperator{}
	s := NewServer(Config{Mode: "release"}, Deps{
		Inbound:       in,
		Conversations: op,
		Handoff:       op,
		DeadLetters:   op,
		Credentials:   op,
		Indexer:       op,
	}, zap.NewNop())
	return s, in, op
}

func do(t *testing.T, s *Server, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhook_AcceptsThenReportsDuplicate(t *testing.T) {
	s, _, _ := newTestServer()
	evt := map[string]any{
		"tenant_id":           "acme",
		"platform_message_id": "mid.1",
		"raw_text":            "hello",
		"channel_conversation_key": map[string]string{
			"platform": "messenger", "page_id": "page-1", "sender_id": "psid-42",
		},
	}

	for _, want := range []string{"accepted", "duplicate"} {
		rec := do(t, s, http.MethodPost, "/webhook/events", "", evt)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if got := decode(t, rec)["status"]; got != want {
			t.Errorf("status = %v, want %s", got, want)
		}
	}
}

func TestWebhook_RejectsInvalidEvents(t *testing.T) {
	s, _, _ := newTestServer()

	rec := do(t, s, http.MethodPost, "/webhook/events", "", map[string]any{"tenant_id": "acme", "platform_message_id": "mid.1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decode(t, rec)["code"]; got != string(domainErrors.CodeInvalidInput) {
		t.Errorf("code = %v", got)
	}

	rec = do(t, s, http.MethodPost, "/webhook/events", "", "not an object")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestTenantScope(t *testing.T) {
	s, _, op := newTestServer()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"foreign tenant", "globex", http.StatusForbidden},
		{"matching tenant", "acme", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op.lastTenant = ""
			rec := do(t, s, http.MethodGet, "/api/v1/tenants/acme/conversations/c1", tt.header, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want != http.StatusOK && op.lastTenant != "" {
				t.Error("handler ran for a refused request")
			}
		})
	}
}

func TestTenantScope_RejectsColonInTenant(t *testing.T) {
	s, _, op := newTestServer()
	op.lastTenant = ""
	rec := do(t, s, http.MethodGet, "/api/v1/tenants/acme:eu/conversations/c1", "acme:eu", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if op.lastTenant != "" {
		t.Error("handler ran for a refused request")
	}
}

func TestConversationRoutes(t *testing.T) {
	s, _, op := newTestServer()

	rec := do(t, s, http.MethodGet, "/api/v1/tenants/acme/conversations/c1", "acme", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", rec.Code)
	}
	if got := decode(t, rec)["unread"]; got != float64(2) {
		t.Errorf("unread = %v", got)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/tenants/acme/conversations/missing", "acme", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/tenants/acme/conversations/c1?limit=x", "acme", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/conversations/c1/replies", "acme", replyBody("agent-7", "On it!"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reply status = %d, body %s", rec.Code, rec.Body.String())
	}
	if op.lastAgent != "agent-7" || op.lastTenant != "acme" {
		t.Errorf("reply routed as %s/%s", op.lastTenant, op.lastAgent)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/conversations/c1/replies", "acme", map[string]string{"text": "no agent"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reply without agent status = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodPut, "/api/v1/tenants/acme/conversations/c1/autobot", "acme", map[string]bool{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("autobot status = %d", rec.Code)
	}
	if op.lastEnabled == nil || *op.lastEnabled {
		t.Error("autobot disable was not forwarded")
	}

	rec = do(t, s, http.MethodPut, "/api/v1/tenants/acme/conversations/c1/autobot", "acme", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("autobot without flag status = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/conversations/c1/seen", "acme", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("seen status = %d", rec.Code)
	}
}

func replyBody(agent, text string) map[string]string {
	return map[string]string{"agent_id": agent, "text": text}
}

func TestDeadLetterRoutes(t *testing.T) {
	s, _, op := newTestServer()

	rec := do(t, s, http.MethodGet, "/api/v1/tenants/acme/deadletters", "acme", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if got := decode(t, rec)["count"]; got != float64(0) {
		t.Errorf("count = %v", got)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/deadletters/dl-1/redeliver", "acme", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("redeliver status = %d", rec.Code)
	}

	op.redeliverErr = domainErrors.NewConflictError("dead letter dl-1 already resolved", nil)
	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/deadletters/dl-1/redeliver", "acme", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("resolved redeliver status = %d, want 409", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	s, _, op := newTestServer()

	rec := do(t, s, http.MethodPut, "/api/v1/tenants/acme/provider", "acme", map[string]any{
		"provider_kind": "openai",
		"api_key":       "sk-live",
		"model":         "gpt-4o-mini",
		"fallbacks":     []map[string]string{{"provider_kind": "gemini", "api_key": "g", "model": "gemini-1.5-flash"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("provider status = %d, body %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("sealed")) || bytes.Contains(rec.Body.Bytes(), []byte("sk-live")) {
		t.Error("provider response leaks key material")
	}
	if len(op.lastFallback) != 1 || op.lastFallback[0].Model != "gemini-1.5-flash" {
		t.Errorf("fallbacks = %+v", op.lastFallback)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/documents/faq", "acme", map[string][]string{"chunks": {"a", "b"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("index status = %d", rec.Code)
	}
	if got := decode(t, rec)["chunks"]; got != float64(2) {
		t.Errorf("chunks = %v", got)
	}

	// 内部错误不向调用方暴露细节
	rec = do(t, s, http.MethodDelete, "/api/v1/tenants/acme/documents/faq", "acme", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("delete status = %d, want 500", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("disk full")) {
		t.Error("internal error detail leaked")
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

type stubMetrics struct {
	statuses []int
}

func (m *stubMetrics) ObserveRequest(status int, _ time.Duration) {
	m.statuses = append(m.statuses, status)
}

func (m *stubMetrics) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("replyhub_up 1\n"))
	})
}

func TestMetricsRouteAndObservation(t *testing.T) {
	metrics := &stubMetrics{}
	op := &stubOperator{}
	s := NewServer(Config{Mode: "release"}, Deps{
		Inbound:       &stubInbound{seen: map[string]bool{}},
		Conversations: op,
		Handoff:       op,
		DeadLetters:   op,
		Credentials:   op,
		Indexer:       op,
		Metrics:       metrics,
	}, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "replyhub_up 1\n" {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
	do(t, s, http.MethodGet, "/api/v1/tenants/acme/conversations/c1", "globex", nil)

	if len(metrics.statuses) != 2 || metrics.statuses[1] != http.StatusForbidden {
		t.Errorf("observed statuses = %v", metrics.statuses)
	}
}
