package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/queue"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmit_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t)

	cases := map[string]func(*entity.InboundEvent){
		"no tenant":       func(e *entity.InboundEvent) { e.TenantID = "" },
		"no platform id":  func(e *entity.InboundEvent) { e.PlatformMessageID = "" },
		"no sender":       func(e *entity.InboundEvent) { e.ChannelConversationKey.SenderID = "" },
		"blank text":      func(e *entity.InboundEvent) { e.RawText = "   " },
		"no platform key": func(e *entity.InboundEvent) { e.ChannelConversationKey.Platform = "" },
		"colon in tenant": func(e *entity.InboundEvent) { e.TenantID = "acme:eu" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			evt := inbound("m1", "hello")
			mutate(&evt)
			_, err := h.pipeline.Submit(context.Background(), evt)
			require.Error(t, err)
			assert.True(t, domainErrors.IsInvalidInput(err))
		})
	}
	assert.Zero(t, h.inboundQ.depth())
}

func TestSubmit_DuplicateIsNoOp(t *testing.T) {
	h := newHarness(t)

	first := h.submit("m1", "What are your opening hours?")
	require.Equal(t, usecase.SubmitAccepted, first.Status)
	h.runInbound()
	h.runOutbound()

	again := h.submit("m1", "What are your opening hours?")
	assert.Equal(t, usecase.SubmitDuplicate, again.Status)
	assert.Zero(t, h.inboundQ.depth(), "a duplicate must not be queued")
	assert.Zero(t, h.outboundQ.depth())

	assert.Equal(t, "CUSTOMER,BOT", roles(h.history(first.ConversationID)))
	assert.Equal(t, 1, h.sender.Calls())
	assert.Equal(t, 1, h.generator.Calls())
}

func TestHandleJob_ConcurrentDuplicatesStoreOnce(t *testing.T) {
	h := newHarness(t)

	// Both submits race past the idempotency check before either is processed.
	a := h.submit("m1", "Is my order shipped?")
	b := h.submit("m1", "Is my order shipped?")
	require.Equal(t, usecase.SubmitAccepted, a.Status)
	require.Equal(t, usecase.SubmitAccepted, b.Status)

	h.runInbound()
	h.runOutbound()

	assert.Equal(t, "CUSTOMER,BOT", roles(h.history(a.ConversationID)))
	assert.Equal(t, 1, h.generator.Calls())
}

func TestBotTurn_RepliesWithoutRetrievedContext(t *testing.T) {
	h := newHarness(t)

	res := h.submit("m1", "What are your pricing plans?")
	h.runInbound()
	require.Equal(t, 1, h.outboundQ.depth())
	h.runOutbound()

	msgs := h.history(res.ConversationID)
	require.Equal(t, "CUSTOMER,BOT", roles(msgs))
	bot := msgs[1]
	assert.Equal(t, "answer: What are your pricing plans?", bot.Text)
	assert.Equal(t, "openai", bot.ProviderUsed)
	assert.Equal(t, "gpt-4o-mini", bot.Model)
	require.NotNil(t, bot.Usage)
	assert.Equal(t, 50, bot.Usage.TotalTokens)
	assert.Empty(t, bot.RetrievedContextIDs)
	assert.Equal(t, usecase.BotReplyID(testTenant, "m1"), bot.ID)

	parts := h.generator.LastParts()
	assert.Equal(t, "You are Acme's support assistant.", parts.System)
	assert.Empty(t, parts.Context)

	conv := h.conversation(res.ConversationID)
	assert.False(t, conv.LastMessageAt.Before(bot.CreatedAt), "lastMessageAt must cover the bot reply")

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "messenger:page-1", sent[0].DestinationChannelID)
	assert.Equal(t, "psid-42", sent[0].ParticipantID)

	types := strings.Join(h.fanout.Types(), " ")
	assert.Contains(t, types, service.EventMessageCreated)
	assert.Contains(t, types, service.EventBotDecision)
}

func TestBotTurn_RetrievalIsTenantScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	text := "pricing plans start at ten dollars"

	_, err := h.indexer.IndexDocument(ctx, testTenant, "pricing", []string{text})
	require.NoError(t, err)
	_, err = h.indexer.IndexDocument(ctx, "globex", "pricing", []string{text})
	require.NoError(t, err)

	res := h.submit("m1", text)
	h.runInbound()
	h.runOutbound()

	parts := h.generator.LastParts()
	require.Len(t, parts.Context, 1)
	assert.Equal(t, usecase.ChunkID(testTenant, "pricing", 0), parts.Context[0].ID)

	msgs := h.history(res.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{usecase.ChunkID(testTenant, "pricing", 0)}, msgs[1].RetrievedContextIDs)
}

func TestHandoff_AgentReplyCancelsInFlightDraft(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.generator.gen = func(ctx context.Context, _ service.PromptParts) (*service.GeneratedReply, error) {
		close(started)
		<-ctx.Done()
		return nil, &service.ProviderError{Kind: service.ErrKindCancelled, Message: "request cancelled", Cause: ctx.Err()}
	}

	res := h.submit("m1", "I want a refund for order 881")
	jobs := h.inboundQ.take()
	require.Len(t, jobs, 1)

	done := make(chan error, 1)
	go func() { done <- h.pipeline.HandleJob(context.Background(), jobs[0]) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation never started")
	}

	reply, err := h.handoff.AgentReply(context.Background(), testTenant, res.ConversationID, "agent-7", "Hi, this is Dana. Checking your order now.")
	require.NoError(t, err)
	assert.Equal(t, service.StateHumanActive, reply.State)

	select {
	case err := <-done:
		require.NoError(t, err, "a race abort is acknowledged, not retried")
	case <-time.After(2 * time.Second):
		t.Fatal("bot turn did not stop after takeover")
	}

	outbound := h.outboundQ.take()
	require.Len(t, outbound, 1, "only the agent reply is dispatched")
	for _, job := range outbound {
		require.NoError(t, h.dispatcher.HandleJob(context.Background(), job))
	}

	assert.Equal(t, "CUSTOMER,AGENT", roles(h.history(res.ConversationID)))
	conv := h.conversation(res.ConversationID)
	assert.False(t, conv.AutoBotEnabled)
	require.NotNil(t, conv.AssignedAgentID)
	assert.Equal(t, "agent-7", *conv.AssignedAgentID)
	require.NotNil(t, conv.LastAgentReplyAt)
}

func TestBotTurn_DiscardsDraftWhenBotDisabledBeforeCommit(t *testing.T) {
	h := newHarness(t)
	res := h.submit("m1", "Do you ship to Canada?")

	h.generator.gen = func(ctx context.Context, parts service.PromptParts) (*service.GeneratedReply, error) {
		// The toggle lands after the provider answered but before commit.
		_, err := h.handoff.SetAutoBot(context.Background(), testTenant, res.ConversationID, false)
		require.NoError(t, err)
		return &service.GeneratedReply{Text: "Yes we do.", Provider: "openai", Model: "gpt-4o-mini"}, nil
	}

	h.runInbound()
	assert.Zero(t, h.outboundQ.depth())
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)))
}

func TestBotTurn_HumanActiveConversationGetsNoDraft(t *testing.T) {
	h := newHarness(t)
	res := h.submit("m1", "Hello?")
	_, err := h.handoff.SetAutoBot(context.Background(), testTenant, res.ConversationID, false)
	require.NoError(t, err)

	h.runInbound()

	assert.Zero(t, h.generator.Calls())
	assert.Zero(t, h.outboundQ.depth())
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)))
	assert.Contains(t, h.fanout.Types(), service.EventBotDecision)
}

func TestBotTurn_GenerationFailureNotifiesOperators(t *testing.T) {
	h := newHarness(t)
	h.generator.gen = func(context.Context, service.PromptParts) (*service.GeneratedReply, error) {
		return nil, &service.ProviderError{
			Kind:      service.ErrKindAuth,
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			Message:   "invalid api key",
			Exhausted: true,
		}
	}

	res := h.submit("m1", "Where is my parcel?")
	h.runInbound()

	assert.Zero(t, h.outboundQ.depth(), "the customer gets no reply")
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)))

	conv := h.conversation(res.ConversationID)
	assert.True(t, conv.NeedsAttention)
	assert.Contains(t, conv.AttentionReason, "invalid api key")
	assert.Equal(t, []service.AlertKind{service.AlertGenerationFailed}, h.notifier.Kinds())
	assert.Contains(t, h.fanout.Types(), service.EventReplyFailed)
}

func TestBotTurn_MissingCredentialIsReportedLikeAProviderFailure(t *testing.T) {
	h := newHarness(t)
	evt := inbound("g1", "hi")
	evt.TenantID = "globex"
	res, err := h.pipeline.Submit(context.Background(), evt)
	require.NoError(t, err)

	h.runInbound()

	assert.Zero(t, h.generator.Calls())
	conv, err := h.conversations.Get(context.Background(), "globex", res.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.NeedsAttention)
	assert.Equal(t, []service.AlertKind{service.AlertGenerationFailed}, h.notifier.Kinds())
}

func TestHandleJob_LeaseHeldDefersJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.submit("m1", "anyone there?")
	jobs := h.inboundQ.take()
	require.Len(t, jobs, 1)

	lease, err := h.leaser.Acquire(ctx, service.ConversationLeaseKey(testTenant, res.ConversationID))
	require.NoError(t, err)

	err = h.pipeline.HandleJob(ctx, jobs[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, entity.ErrLeaseHeld))
	assert.Empty(t, h.history(res.ConversationID), "nothing is written without the lease")

	require.NoError(t, h.leaser.Release(ctx, lease))
	require.NoError(t, h.pipeline.HandleJob(ctx, jobs[0]))
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)))
}

func TestHandleJob_RedeliveryResumesInterruptedTurn(t *testing.T) {
	h := newHarness(t)
	res := h.submit("m1", "Can I change my address?")
	jobs := h.inboundQ.take()
	require.Len(t, jobs, 1)
	job := jobs[0]

	started := make(chan struct{})
	h.generator.gen = func(ctx context.Context, _ service.PromptParts) (*service.GeneratedReply, error) {
		close(started)
		<-ctx.Done()
		return nil, &service.ProviderError{Kind: service.ErrKindCancelled, Message: "shutdown", Cause: ctx.Err()}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.HandleJob(ctx, job) }()
	<-started
	cancel()
	require.Error(t, <-done, "an interrupted turn is redelivered")
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)))
	assert.Empty(t, h.notifier.Kinds(), "shutdown is not an operator incident")

	h.generator.gen = nil
	job.Attempt = 1
	require.NoError(t, h.pipeline.HandleJob(context.Background(), job))
	require.Equal(t, 1, h.outboundQ.depth())

	// A stray first-delivery copy of the same event stays a no-op.
	job.Attempt = 0
	require.NoError(t, h.pipeline.HandleJob(context.Background(), job))
	require.Equal(t, 1, h.outboundQ.depth())

	h.runOutbound()
	assert.Equal(t, "CUSTOMER,BOT", roles(h.history(res.ConversationID)))
}

func TestHandleJob_UndecodableJobIsPoison(t *testing.T) {
	h := newHarness(t)
	err := h.pipeline.HandleJob(context.Background(), service.Job{ID: "j1", Key: "c1", Body: []byte("{not json")})
	assert.True(t, errors.Is(err, entity.ErrPoison))
}

func TestHandleJob_StaleLeaseDoesNotExhaustRedeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.submit("m1", "hello, anyone?")
	jobs := h.inboundQ.take()
	require.Len(t, jobs, 1)

	// A worker died holding the lease; nothing releases it until it lapses.
	now := time.Now()
	ok, err := h.leases.TryAcquire(ctx, service.ConversationLeaseKey(testTenant, res.ConversationID), "dead-worker", now, now.Add(150*time.Millisecond))
	require.NoError(t, err)
	require.True(t, ok)

	q := queue.NewMemoryQueue(queue.Options{
		Workers:         1,
		MaxRedeliveries: 3,
		RedeliveryDelay: time.Millisecond,
		DeferDelay:      5 * time.Millisecond,
	}, zap.NewNop())
	defer q.Close()
	require.NoError(t, q.Publish(ctx, jobs[0]))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = q.Consume(runCtx, h.pipeline.HandleJob) }()

	require.Eventually(t, func() bool { return h.outboundQ.depth() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, q.Dead())
	assert.Empty(t, h.notifier.Kinds())

	h.runOutbound()
	assert.Equal(t, "CUSTOMER,BOT", roles(h.history(res.ConversationID)))
}

func TestHandleJob_FinalFailureIsDeadLetteredAndRedeliverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.submit("m1", "Where is my refund?")
	jobs := h.inboundQ.take()
	require.Len(t, jobs, 1)
	job := jobs[0]

	h.outboundQ.failWith(errors.New("broker unreachable"))

	err := h.pipeline.HandleJob(ctx, job)
	require.Error(t, err, "an early failure goes back to the queue")
	letters, err := h.deadLetters.List(ctx, testTenant, true, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)

	job.Attempt, job.Final = 3, true
	require.NoError(t, h.pipeline.HandleJob(ctx, job), "the last delivery is parked, not dropped")

	letters, err = h.deadLetters.List(ctx, testTenant, false, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	letter := letters[0]
	assert.Equal(t, entity.RoleCustomer, letter.Role)
	assert.Equal(t, "Where is my refund?", letter.Text)
	assert.Equal(t, "messenger:page-1", letter.DestinationChannelID)
	assert.Equal(t, 4, letter.Attempts)
	assert.Contains(t, letter.LastError, "broker unreachable")

	conv := h.conversation(res.ConversationID)
	assert.True(t, conv.NeedsAttention)
	assert.Equal(t, []service.AlertKind{service.AlertDeadLettered}, h.notifier.Kinds())
	assert.Contains(t, h.fanout.Types(), service.EventDeadLettered)
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)))

	h.outboundQ.failWith(nil)
	require.NoError(t, h.dispatcher.Redeliver(ctx, testTenant, letter.ID))
	requeued := h.inboundQ.take()
	require.Len(t, requeued, 1)
	assert.Equal(t, res.ConversationID, requeued[0].Key)
	require.NoError(t, h.pipeline.HandleJob(ctx, requeued[0]))
	h.runOutbound()

	assert.Equal(t, "CUSTOMER,BOT", roles(h.history(res.ConversationID)))
	open, err := h.deadLetters.List(ctx, testTenant, false, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHandleJob_ConversationProcessedOneJobAtATime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	h.generator.gen = func(context.Context, service.PromptParts) (*service.GeneratedReply, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &service.GeneratedReply{Text: "noted", Provider: "openai", Model: "gpt-4o-mini"}, nil
	}

	var convID string
	for i := 0; i < 5; i++ {
		convID = h.submit(fmt.Sprintf("m%d", i), fmt.Sprintf("question %d", i)).ConversationID
	}
	jobs := h.inboundQ.take()
	require.Len(t, jobs, 5)

	// Every job is delivered twice at once, as two consumers would see it.
	var (
		wg       sync.WaitGroup
		deferMu  sync.Mutex
		deferred []service.Job
	)
	for _, job := range append(append([]service.Job(nil), jobs...), jobs...) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.pipeline.HandleJob(ctx, job)
			if errors.Is(err, entity.ErrLeaseHeld) {
				deferMu.Lock()
				deferred = append(deferred, job)
				deferMu.Unlock()
				return
			}
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for _, job := range deferred {
		require.NoError(t, h.pipeline.HandleJob(ctx, job))
	}

	mu.Lock()
	assert.Equal(t, 1, peak, "generation never overlaps within a conversation")
	mu.Unlock()

	customers := 0
	for _, m := range h.history(convID) {
		if m.Role == entity.RoleCustomer {
			customers++
		}
	}
	assert.Equal(t, 5, customers)
}
