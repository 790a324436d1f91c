package usecase_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/knowledge"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence"
	"github.com/replyhub/replyhub/pkg/secrets"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTenant = "acme"

// fakeQueue records published jobs; tests drive handlers by hand.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []service.Job
	err  error
}

func (q *fakeQueue) Publish(_ context.Context, job service.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// failWith makes every Publish fail with err until called with nil.
func (q *fakeQueue) failWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *fakeQueue) Consume(ctx context.Context, _ service.JobHandler) error {
	<-ctx.Done()
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) take() []service.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	return out
}

func (q *fakeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// fakeGenerator answers every prompt unless gen is replaced.
type fakeGenerator struct {
	mu        sync.Mutex
	calls     int
	lastParts service.PromptParts
	gen       func(ctx context.Context, parts service.PromptParts) (*service.GeneratedReply, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, _ service.GenerationConfig, parts service.PromptParts) (*service.GeneratedReply, error) {
	g.mu.Lock()
	g.calls++
	g.lastParts = parts
	gen := g.gen
	g.mu.Unlock()
	if gen != nil {
		return gen(ctx, parts)
	}
	last := parts.Turns[len(parts.Turns)-1]
	return &service.GeneratedReply{
		Text:     "answer: " + last.Content,
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Usage:    entity.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
		Attempts: 1,
	}, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) LastParts() service.PromptParts {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastParts
}

// fakeSender fails with the queued errors first, then succeeds.
type fakeSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []service.OutboundMessage
}

func (s *fakeSender) Send(_ context.Context, msg service.OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("mid.%d", s.calls), nil
}

func (s *fakeSender) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSender) Sent() []service.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]service.OutboundMessage(nil), s.sent...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []service.Alert
}

func (n *fakeNotifier) Notify(_ context.Context, a service.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *fakeNotifier) Kinds() []service.AlertKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []service.AlertKind
	for _, a := range n.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type publishedEvent struct {
	TenantID string
	Channel  string
	Type     string
}

// recordingFanout enforces channel ownership like the real bus.
type recordingFanout struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *recordingFanout) Publish(_ context.Context, tenantID, channel, eventType string, _ any) error {
	if err := service.AuthorizeChannel(tenantID, channel); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{TenantID: tenantID, Channel: channel, Type: eventType})
	return nil
}

func (f *recordingFanout) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	t *testing.T

	conversations *persistence.MemoryConversationRepository
	messages      *persistence.MemoryMessageRepository
	deadLetters   *persistence.MemoryDeadLetterRepository
	leases        *persistence.MemoryLeaseRepository

	inboundQ  *fakeQueue
	outboundQ *fakeQueue
	generator *fakeGenerator
	sender    *fakeSender
	notifier  *fakeNotifier
	fanout    *recordingFanout
	store     *knowledge.InMemoryVectorStore
	turns     *service.TurnRegistry
	leaser    *service.Leaser

	credentials *usecase.CredentialService
	dispatcher  *usecase.Dispatcher
	pipeline    *usecase.InboundPipeline
	handoff     *usecase.HandoffService
	indexer     *usecase.Indexer
	query       *usecase.ConversationQuery
	maintenance *usecase.Maintenance
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	sealer, err := secrets.NewSealer(key)
	require.NoError(t, err)

	h := &harness{
		t:             t,
		conversations: persistence.NewMemoryConversationRepository(),
		messages:      persistence.NewMemoryMessageRepository(),
		deadLetters:   persistence.NewMemoryDeadLetterRepository(),
		leases:        persistence.NewMemoryLeaseRepository(),
		inboundQ:      &fakeQueue{},
		outboundQ:     &fakeQueue{},
		generator:     &fakeGenerator{},
		sender:        &fakeSender{},
		notifier:      &fakeNotifier{},
		fanout:        &recordingFanout{},
		store:         knowledge.NewInMemoryVectorStore(),
		turns:         service.NewTurnRegistry(),
	}
	h.leaser = service.NewLeaser(h.leases, time.Minute, "test", logger)
	embedder := knowledge.NewHashEmbedder(64)

	h.credentials = usecase.NewCredentialService(persistence.NewMemoryCredentialRepository(), sealer, time.Minute, logger)
	_, err = h.credentials.Upsert(context.Background(), usecase.CredentialInput{
		TenantID:     testTenant,
		ProviderKind: "openai",
		APIKey:       "sk-test",
		Model:        "gpt-4o-mini",
		Temperature:  0.3,
		SystemPrompt: "You are Acme's support assistant.",
	})
	require.NoError(t, err)

	h.dispatcher = usecase.NewDispatcher(h.outboundQ, h.sender, h.messages, h.conversations,
		persistence.NewMemoryDeliveryRepository(), h.deadLetters, h.fanout, h.notifier,
		usecase.DispatcherConfig{MaxAttempts: 3, PersistRetries: 2}, logger)
	h.dispatcher.SkipBackoff()

	retriever := service.NewRetriever(embedder, h.store, service.RetrieverConfig{DefaultK: 3, MinScore: 0.5, Timeout: time.Second}, logger)
	turn := usecase.NewBotTurn(
		service.NewDecisionEngine(h.conversations, 0, logger),
		h.turns,
		h.credentials,
		retriever,
		service.NewComposer(service.ComposerLimits{}),
		h.generator,
		h.messages,
		h.conversations,
		h.dispatcher,
		h.fanout,
		h.notifier,
		usecase.BotTurnConfig{RetrievalK: 3, HistoryMessages: 20},
		logger,
	)
	h.pipeline = usecase.NewInboundPipeline(h.inboundQ, h.conversations, h.messages, h.deadLetters,
		h.leaser, turn, h.fanout, h.notifier, logger)
	h.dispatcher.SetInboundRequeuer(h.pipeline)
	h.handoff = usecase.NewHandoffService(h.conversations, h.turns, h.dispatcher, h.fanout, logger)
	h.indexer = usecase.NewIndexer(embedder, h.store, logger)
	h.query = usecase.NewConversationQuery(h.conversations, h.messages, h.fanout, logger)
	h.maintenance = usecase.NewMaintenance(h.leaser, h.deadLetters, h.notifier, logger)
	return h
}

func inbound(pmid, text string) entity.InboundEvent {
	return entity.InboundEvent{
		TenantID: testTenant,
		ChannelConversationKey: entity.ChannelConversationKey{
			Platform: "messenger",
			PageID:   "page-1",
			SenderID: "psid-42",
		},
		RawText:           text,
		PlatformMessageID: pmid,
	}
}

func (h *harness) submit(pmid, text string) usecase.SubmitResult {
	h.t.Helper()
	res, err := h.pipeline.Submit(context.Background(), inbound(pmid, text))
	require.NoError(h.t, err)
	return res
}

// runInbound handles every queued inbound job once.
func (h *harness) runInbound() {
	h.t.Helper()
	for _, job := range h.inboundQ.take() {
		require.NoError(h.t, h.pipeline.HandleJob(context.Background(), job))
	}
}

// runOutbound handles every queued outbound job once.
func (h *harness) runOutbound() {
	h.t.Helper()
	for _, job := range h.outboundQ.take() {
		require.NoError(h.t, h.dispatcher.HandleJob(context.Background(), job))
	}
}

func (h *harness) conversation(id string) *entity.Conversation {
	h.t.Helper()
	conv, err := h.conversations.Get(context.Background(), testTenant, id)
	require.NoError(h.t, err)
	return conv
}

func (h *harness) history(conversationID string) []*entity.Message {
	h.t.Helper()
	msgs, err := h.messages.Recent(context.Background(), testTenant, conversationID, 100)
	require.NoError(h.t, err)
	return msgs
}

func roles(msgs []*entity.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m.Role)
	}
	return strings.Join(parts, ",")
}
