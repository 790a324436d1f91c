package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func unavailable() error {
	return &service.DeliveryError{Platform: "messenger", StatusCode: 503, Message: "service unavailable"}
}

func TestDispatcher_DeadLettersAfterThreeAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.submit("m1", "Can you resend my invoice?")
	h.runInbound()
	h.sender.failNext(unavailable(), unavailable(), unavailable())
	h.runOutbound()

	assert.Equal(t, 3, h.sender.Calls(), "attempt ceiling is three")
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)), "an undelivered reply is not persisted")

	conv := h.conversation(res.ConversationID)
	assert.True(t, conv.NeedsAttention)
	assert.Contains(t, h.notifier.Kinds(), service.AlertDeadLettered)
	assert.Contains(t, h.fanout.Types(), service.EventDeadLettered)

	letters, err := h.dispatcher.DeadLetters(ctx, testTenant, false, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	letter := letters[0]
	assert.Equal(t, 3, letter.Attempts)
	assert.Equal(t, "answer: Can you resend my invoice?", letter.Text)
	assert.Contains(t, letter.LastError, "503")

	// Operator redelivery resends the stored text, without regenerating.
	require.NoError(t, h.dispatcher.Redeliver(ctx, testTenant, letter.ID))
	h.runOutbound()

	msgs := h.history(res.ConversationID)
	require.Equal(t, "CUSTOMER,BOT", roles(msgs))
	assert.Equal(t, letter.Text, msgs[1].Text)
	assert.Equal(t, 1, h.generator.Calls())

	open, err := h.dispatcher.DeadLetters(ctx, testTenant, false, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	err = h.dispatcher.Redeliver(ctx, testTenant, letter.ID)
	assert.Equal(t, domainErrors.CodeConflict, domainErrors.CodeOf(err))
}

func TestDispatcher_PermanentRejectionSkipsRetries(t *testing.T) {
	h := newHarness(t)
	h.submit("m1", "hello")
	h.runInbound()
	h.sender.failNext(&service.DeliveryError{Platform: "messenger", StatusCode: 400, Permanent: true, Message: "no matching user"})
	h.runOutbound()

	assert.Equal(t, 1, h.sender.Calls())
	letters, err := h.dispatcher.DeadLetters(context.Background(), testTenant, false, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Attempts)
}

func TestDispatcher_RecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t)
	res := h.submit("m1", "hello")
	h.runInbound()
	h.sender.failNext(unavailable())
	h.runOutbound()

	assert.Equal(t, 2, h.sender.Calls())
	assert.Equal(t, "CUSTOMER,BOT", roles(h.history(res.ConversationID)))
	assert.Empty(t, h.notifier.Kinds())
}

func TestDispatcher_DropsBotReplyAfterTakeover(t *testing.T) {
	h := newHarness(t)
	res := h.submit("m1", "hello")
	h.runInbound()
	require.Equal(t, 1, h.outboundQ.depth())

	_, err := h.handoff.SetAutoBot(context.Background(), testTenant, res.ConversationID, false)
	require.NoError(t, err)
	h.runOutbound()

	assert.Zero(t, h.sender.Calls())
	assert.Equal(t, "CUSTOMER", roles(h.history(res.ConversationID)))
}

// flakyMessages fails the first appends to simulate a store outage after a
// successful send.
type flakyMessages struct {
	*persistence.MemoryMessageRepository
	mu    sync.Mutex
	fails int
}

func (f *flakyMessages) Append(ctx context.Context, m *entity.Message) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.MemoryMessageRepository.Append(ctx, m)
}

// brokenLedger never records a send.
type brokenLedger struct{}

func (brokenLedger) MarkSent(context.Context, *entity.DeliveryReceipt) error {
	return errors.New("ledger unavailable")
}

func (brokenLedger) WasSent(context.Context, string, string) (bool, error) { return false, nil }

func newPersistTestDispatcher(t *testing.T, msgs *flakyMessages, ledger repository.DeliveryRepository) (*usecase.Dispatcher, *fakeQueue, *fakeSender, *entity.Conversation) {
	t.Helper()
	ctx := context.Background()
	convs := persistence.NewMemoryConversationRepository()
	conv, err := convs.Resolve(ctx, testTenant, entity.ChannelConversationKey{Platform: "telegram", PageID: "support_bot", SenderID: "1001"})
	require.NoError(t, err)

	q := &fakeQueue{}
	sender := &fakeSender{}
	d := usecase.NewDispatcher(q, sender, msgs, convs, ledger, persistence.NewMemoryDeadLetterRepository(),
		&recordingFanout{}, &fakeNotifier{},
		usecase.DispatcherConfig{MaxAttempts: 3, PersistRetries: 1}, zap.NewNop())
	d.SkipBackoff()

	require.NoError(t, d.Enqueue(ctx, entity.PendingOutbound{
		TenantID:              testTenant,
		ConversationID:        conv.ID,
		DestinationChannelID:  conv.DestinationChannelID(),
		ExternalParticipantID: conv.ExternalParticipantID,
		Role:                  entity.RoleAgent,
		Text:                  "Your replacement ships tomorrow.",
		AuthorID:              "agent-3",
	}))
	return d, q, sender, conv
}

func TestDispatcher_SentButUnpersistedRetriesPersistenceOnly(t *testing.T) {
	ctx := context.Background()
	msgs := &flakyMessages{MemoryMessageRepository: persistence.NewMemoryMessageRepository(), fails: 1}
	d, q, sender, conv := newPersistTestDispatcher(t, msgs, persistence.NewMemoryDeliveryRepository())
	jobs := q.take()
	require.Len(t, jobs, 1)

	require.NoError(t, d.HandleJob(ctx, jobs[0]), "the sent reply is handed back for persistence")
	assert.Equal(t, 1, sender.Calls())
	retry := q.take()
	require.Len(t, retry, 1)

	require.NoError(t, d.HandleJob(ctx, retry[0]))
	assert.Equal(t, 1, sender.Calls(), "the customer must not get the reply twice")

	stored, err := msgs.Recent(ctx, testTenant, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "agent-3", stored[0].AuthorID)

	// Another copy of the original job finds the message and does nothing.
	require.NoError(t, d.HandleJob(ctx, jobs[0]))
	assert.Equal(t, 1, sender.Calls())
}

func TestDispatcher_LedgerAndStoreOutageNeverResends(t *testing.T) {
	ctx := context.Background()
	msgs := &flakyMessages{MemoryMessageRepository: persistence.NewMemoryMessageRepository(), fails: 1}
	d, q, sender, conv := newPersistTestDispatcher(t, msgs, brokenLedger{})
	jobs := q.take()
	require.Len(t, jobs, 1)

	require.NoError(t, d.HandleJob(ctx, jobs[0]))
	assert.Equal(t, 1, sender.Calls())
	retry := q.take()
	require.Len(t, retry, 1, "the reply comes back as a persist-only job")

	require.NoError(t, d.HandleJob(ctx, retry[0]))
	assert.Equal(t, 1, sender.Calls(), "nothing records the send except the job itself")

	stored, err := msgs.Recent(ctx, testTenant, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Your replacement ships tomorrow.", stored[0].Text)

	require.NoError(t, d.HandleJob(ctx, jobs[0]))
	assert.Equal(t, 1, sender.Calls())
	assert.Zero(t, q.depth())
}
