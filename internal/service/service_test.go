package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/littlegate/internal/callback"
	"github.com/lvdashuaibi/littlegate/internal/lock"
	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/repository"
	"github.com/lvdashuaibi/littlegate/internal/signer"
	"github.com/lvdashuaibi/littlegate/internal/ticket"
	"github.com/lvdashuaibi/littlegate/internal/token"
)

var now = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

type fakeProducer struct {
	mu     sync.Mutex
	err    error
	events []*model.OutcomeEvent
}

func (p *fakeProducer) Publish(ctx context.Context, event *model.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type failingPayments struct{}

func (failingPayments) ApplyPayment(ctx context.Context, env *model.CallbackEnvelope) error {
	return model.ErrStoreUnavailable
}

type harness struct {
	gate   *GateService
	repo   *repository.MemoryRepository
	signer *signer.Signer
}

func newHarness(t *testing.T, payments PaymentStore) *harness {
	t.Helper()
	repo := repository.NewMemoryRepository()
	pub := NewOutcomePublisher(nil, repo)

	codec, err := token.NewCodec(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	tickets := ticket.NewTicketService(repo, codec, pub, ticket.Options{
		ValidityGrace: 6 * time.Hour,
		Now:           func() time.Time { return now },
	})

	s, err := signer.New([]byte("gateway-shared-secret"))
	require.NoError(t, err)
	guard := callback.NewGuard(s, repo, pub, callback.Options{
		Window: 15 * time.Minute,
		Now:    func() time.Time { return now },
	})

	if payments == nil {
		payments = repo
	}
	return &harness{gate: NewGateService(tickets, guard, payments, repo), repo: repo, signer: s}
}

func (h *harness) envelope(orderID string) *model.CallbackEnvelope {
	env := &model.CallbackEnvelope{
		OrderID:   orderID,
		Status:    "paid",
		Amount:    "80.00",
		Currency:  "USD",
		Timestamp: now.Unix(),
		Source:    callback.SourceRedirect,
	}
	env.Signature = h.signer.SignFields(callback.CanonicalFields(env))
	return env
}

func TestPublisherFallsBackToAudit(t *testing.T) {
	repo := repository.NewMemoryRepository()
	producer := &fakeProducer{err: errors.New("broker down")}
	pub := NewOutcomePublisher(producer, repo)

	event := &model.OutcomeEvent{
		Kind:     model.OutcomeCallback,
		Callback: &model.CallbackOutcome{OrderID: "ORD1", Accepted: true, ReceivedAt: now},
	}
	require.NoError(t, pub.Publish(context.Background(), event))
	assert.NotEmpty(t, event.ID)

	counts, err := repo.CallbackCounts(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []model.StatusCount{{Status: "Accepted", Count: 1}}, counts)
}

func TestPublisherPrefersProducer(t *testing.T) {
	repo := repository.NewMemoryRepository()
	producer := &fakeProducer{}
	pub := NewOutcomePublisher(producer, repo)

	event := &model.OutcomeEvent{
		ID:       "evt-1",
		Kind:     model.OutcomeCallback,
		Callback: &model.CallbackOutcome{OrderID: "ORD1", Accepted: true, ReceivedAt: now},
	}
	require.NoError(t, pub.Publish(context.Background(), event))
	require.Len(t, producer.events, 1)
	assert.Equal(t, "evt-1", producer.events[0].ID)

	counts, err := repo.CallbackCounts(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestScanByTokenAndManual(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tk, err := h.gate.Issue(ctx, &model.TicketDescriptor{
		EventID:      "EVT-1",
		BookingID:    "BK-1",
		TicketNumber: "TK-1",
		TicketType:   "VIP",
		EventDate:    now.Add(time.Hour),
	})
	require.NoError(t, err)

	v, err := h.gate.Scan(ctx, &model.ScanRequest{
		Token:       tk.Token,
		ScanContext: model.ScanContext{EventID: "EVT-1", ScannerID: "gate-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSuccess, v.Status)

	v, err = h.gate.Scan(ctx, &model.ScanRequest{
		Manual:      "BK-1",
		ScanContext: model.ScanContext{EventID: "EVT-1", ScannerID: "gate-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAlreadyUsed, v.Status)
	assert.Equal(t, "gate-1", v.UsedBy)

	_, err = h.gate.Scan(ctx, &model.ScanRequest{ScanContext: model.ScanContext{EventID: "EVT-1", ScannerID: "gate-1"}})
	assert.ErrorIs(t, err, ErrEmptyScan)

	counts, err := h.repo.ScansPerHour(ctx, "EVT-1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 2, counts[0].Count)
}

func TestHandleCallbackAppliesPaymentOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	env := h.envelope("ORD123")

	cp := *env
	d, err := h.gate.HandleCallback(ctx, &cp)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	payment, err := h.repo.GetPayment(ctx, "ORD123")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, "paid", payment.Status)

	cp = *env
	cp.Source = callback.SourceWebhook
	d, err = h.gate.HandleCallback(ctx, &cp)
	require.NoError(t, err)
	assert.Equal(t, model.RejectReplay, d.Reason)
}

func TestHandleCallbackRejectedDoesNotApply(t *testing.T) {
	h := newHarness(t, nil)
	env := h.envelope("ORD123")
	env.Amount = "0.01"

	d, err := h.gate.HandleCallback(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.RejectInvalidSignature, d.Reason)

	payment, err := h.repo.GetPayment(context.Background(), "ORD123")
	require.NoError(t, err)
	assert.Nil(t, payment)
}

func TestHandleCallbackPaymentFailure(t *testing.T) {
	h := newHarness(t, failingPayments{})

	_, err := h.gate.HandleCallback(context.Background(), h.envelope("ORD123"))
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestProcessOutcomeEventIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	event := &model.OutcomeEvent{
		ID:       "evt-9",
		Kind:     model.OutcomeCallback,
		Callback: &model.CallbackOutcome{OrderID: "ORD9", Reason: model.RejectReplay, ReceivedAt: now},
	}
	require.NoError(t, h.gate.ProcessOutcomeEvent(context.Background(), event))
	require.NoError(t, h.gate.ProcessOutcomeEvent(context.Background(), event))

	counts, err := h.repo.CallbackCounts(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []model.StatusCount{{Status: string(model.RejectReplay), Count: 1}}, counts)
}

func TestReplayPrunerRunOnce(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	for i, seen := range []time.Time{now.Add(-3 * time.Hour), now.Add(-time.Minute)} {
		res, err := repo.AdmitOnce(ctx, &model.ReplayRecord{
			Fingerprint: string(rune('a' + i)),
			Scope:       "callback",
			FirstSeenAt: seen,
		})
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}

	p := NewReplayPruner(repo, lock.NewLocalLock(), time.Hour, time.Minute, 0)
	p.now = func() time.Time { return now }

	removed, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestReplayPrunerSkipsWithoutLock(t *testing.T) {
	repo := repository.NewMemoryRepository()
	_, err := repo.AdmitOnce(context.Background(), &model.ReplayRecord{
		Fingerprint: "old",
		Scope:       "callback",
		FirstSeenAt: now.Add(-3 * time.Hour),
	})
	require.NoError(t, err)

	l := lock.NewLocalLock()
	held, err := l.AcquireLock(context.Background(), PruneLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	p := NewReplayPruner(repo, l, time.Hour, time.Minute, 0)
	p.now = func() time.Time { return now }
	removed, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReplayPrunerStartStop(t *testing.T) {
	p := NewReplayPruner(repository.NewMemoryRepository(), lock.NewLocalLock(), time.Hour, 10*time.Millisecond, 0)
	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	p.Stop()
}
