package ticket

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/repository"
	"github.com/lvdashuaibi/littlegate/internal/token"
)

var (
	eventDate = time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	doorsOpen = eventDate.Add(-time.Hour)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.OutcomeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *model.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	svc   *TicketService
	repo  *repository.MemoryRepository
	pub   *recordingPublisher
	clock *time.Time
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	codec, err := token.NewCodec(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	if store == nil {
		store = repo
	}
	now := eventDate.Add(-10 * 24 * time.Hour)
	f := &fixture{repo: repo, pub: &recordingPublisher{}, clock: &now}
	f.svc = NewTicketService(store, codec, f.pub, Options{
		ValidityGrace:    6 * time.Hour,
		OperationTimeout: 50 * time.Millisecond,
		StoreRetries:     2,
		RetryBackoff:     time.Millisecond,
		Now:              func() time.Time { return *f.clock },
	})
	return f
}

func (f *fixture) issue(t *testing.T, number, booking, event string) *model.Ticket {
	t.Helper()
	tk, err := f.svc.Issue(context.Background(), &model.TicketDescriptor{
		EventID:      event,
		BookingID:    booking,
		TicketNumber: number,
		TicketType:   "GA",
		HolderName:   "Lin",
		Seat:         "B-12",
		EventName:    "Spring Gala",
		EventDate:    eventDate,
	})
	require.NoError(t, err)
	return tk
}

func scanAt(event, scanner string) model.ScanContext {
	return model.ScanContext{EventID: event, ScannerID: scanner}
}

func TestIssueThenScanTwice(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "E1")
	assert.NotEmpty(t, tk.TicketID)
	assert.NotEmpty(t, tk.Token)
	assert.Equal(t, model.TicketStatusUnused, tk.Status)

	*f.clock = doorsOpen
	first, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	require.NoError(t, err)
	assert.True(t, first.Verified)
	assert.Equal(t, model.VerdictSuccess, first.Status)
	require.NotNil(t, first.Ticket)
	assert.Equal(t, "Lin", first.Ticket.HolderName)
	assert.Equal(t, "B-12", first.Ticket.Seat)
	assert.Equal(t, "Spring Gala", first.Ticket.EventName)
	require.NotNil(t, first.UsedAt)

	*f.clock = doorsOpen.Add(5 * time.Minute)
	second, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-2"))
	require.NoError(t, err)
	assert.False(t, second.Verified)
	assert.Equal(t, model.VerdictAlreadyUsed, second.Status)
	require.NotNil(t, second.UsedAt)
	assert.True(t, first.UsedAt.Equal(*second.UsedAt))
	assert.Equal(t, "gate-1", second.UsedBy)

	assert.Equal(t, 2, f.pub.count())
}

func TestConcurrentConsumeSingleSuccess(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	const scanners = 24
	var success, already int32
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", fmt.Sprintf("gate-%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			switch v.Status {
			case model.VerdictSuccess:
				atomic.AddInt32(&success, 1)
			case model.VerdictAlreadyUsed:
				atomic.AddInt32(&already, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), success)
	assert.Equal(t, int32(scanners-1), already)
}

func TestConcurrentConsumeSharedAttemptAcrossScanners(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	// 不同扫码机碰巧使用相同的重试ID，仍然只能有一个成功
	const scanners = 5
	var success, already int32
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scan := scanAt("E1", fmt.Sprintf("gate-%c", 'a'+i))
			scan.AttemptID = "1"
			v, err := f.svc.Consume(context.Background(), tk.Token, scan)
			if !assert.NoError(t, err) {
				return
			}
			switch v.Status {
			case model.VerdictSuccess:
				atomic.AddInt32(&success, 1)
			case model.VerdictAlreadyUsed:
				atomic.AddInt32(&already, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), success)
	assert.Equal(t, int32(scanners-1), already)

	got, err := f.repo.GetTicket(context.Background(), "T1")
	require.NoError(t, err)
	retry := scanAt("E1", got.UsedBy)
	retry.AttemptID = "1"
	v, err := f.svc.Consume(context.Background(), tk.Token, retry)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSuccess, v.Status)
}

func TestConsumeWrongEventDoesNotMutate(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "EVENT-A")
	*f.clock = doorsOpen

	v, err := f.svc.Consume(context.Background(), tk.Token, scanAt("EVENT-B", "gate-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictWrongEvent, v.Status)
	assert.False(t, v.Verified)

	stored, err := f.repo.GetTicket(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusUnused, stored.Status)

	v, err = f.svc.Consume(context.Background(), tk.Token, scanAt("EVENT-A", "gate-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSuccess, v.Status)
}

func TestConsumeExpired(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "E1")

	*f.clock = eventDate.Add(6 * time.Hour)
	v, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictExpired, v.Status)

	stored, err := f.repo.GetTicket(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusUnused, stored.Status)
}

func TestConsumeMalformedTokens(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	for name, raw := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-token",
		"truncated": tk.Token[:len(tk.Token)-4],
		"version":   "v9" + tk.Token[2:],
	} {
		t.Run(name, func(t *testing.T) {
			v, err := f.svc.Consume(context.Background(), raw, scanAt("E1", "gate-1"))
			require.NoError(t, err)
			assert.Equal(t, model.VerdictInvalid, v.Status)
			assert.Nil(t, v.Ticket)
		})
	}

	stored, err := f.repo.GetTicket(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusUnused, stored.Status)
}

func TestConsumeUnknownAndCancelledTicket(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	ok, err := f.svc.Cancel(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictInvalid, v.Status)

	// 令牌合法但票据不在库中
	other := newFixture(t, nil)
	*other.clock = doorsOpen
	v, err = other.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictInvalid, v.Status)
}

func TestConsumeManual(t *testing.T) {
	f := newFixture(t, nil)
	f.issue(t, "T1", "SOLO", "E1")
	f.issue(t, "T2", "FAMILY", "E1")
	f.issue(t, "T3", "FAMILY", "E1")
	*f.clock = doorsOpen
	ctx := context.Background()

	v, err := f.svc.ConsumeManual(ctx, " T2 ", scanAt("E1", "desk-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSuccess, v.Status)

	v, err = f.svc.ConsumeManual(ctx, "SOLO", scanAt("E1", "desk-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSuccess, v.Status)
	assert.Equal(t, "T1", v.Ticket.TicketNumber)

	v, err = f.svc.ConsumeManual(ctx, "FAMILY", scanAt("E1", "desk-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictInvalid, v.Status)

	v, err = f.svc.ConsumeManual(ctx, "T3", scanAt("E2", "desk-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictWrongEvent, v.Status)

	v, err = f.svc.ConsumeManual(ctx, "NOPE", scanAt("E1", "desk-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictInvalid, v.Status)

	v, err = f.svc.ConsumeManual(ctx, "T2", scanAt("E1", "desk-2"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAlreadyUsed, v.Status)
	assert.Equal(t, "desk-1", v.UsedBy)
}

func TestIssueDoesNotModifyDescriptor(t *testing.T) {
	f := newFixture(t, nil)
	desc := &model.TicketDescriptor{
		EventID: "E1", BookingID: "B1", TicketNumber: "T1", TicketType: "GA", EventDate: eventDate,
	}

	tk, err := f.svc.Issue(context.Background(), desc)
	require.NoError(t, err)
	assert.NotEmpty(t, tk.TicketID)
	assert.Empty(t, desc.TicketID)

	// 复用同一个描述符出下一张票，不会带上上一张的ID
	desc.TicketNumber = "T2"
	next, err := f.svc.Issue(context.Background(), desc)
	require.NoError(t, err)
	assert.NotEqual(t, tk.TicketID, next.TicketID)
}

func TestIssueDuplicateNumber(t *testing.T) {
	f := newFixture(t, nil)
	f.issue(t, "T1", "B1", "E1")

	_, err := f.svc.Issue(context.Background(), &model.TicketDescriptor{
		EventID: "E1", BookingID: "B2", TicketNumber: "T1", TicketType: "GA", EventDate: eventDate,
	})
	assert.ErrorIs(t, err, model.ErrTicketExists)
}

// lossyStore 执行成功但丢失第一次应答
type lossyStore struct {
	Store
	mu    sync.Mutex
	drops int
	calls int
}

func (s *lossyStore) MarkUsed(ctx context.Context, number string, at time.Time, by, attempt string) (*model.ConsumeResult, error) {
	res, err := s.Store.MarkUsed(ctx, number, at, by, attempt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.drops > 0 {
		s.drops--
		return nil, fmt.Errorf("连接被重置: %w", model.ErrStoreUnavailable)
	}
	return res, err
}

func TestConsumeRetryAfterLostReplyStillWins(t *testing.T) {
	repo := repository.NewMemoryRepository()
	store := &lossyStore{Store: repo, drops: 1}
	f := newFixture(t, store)
	f.repo = repo
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	v, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSuccess, v.Status)
	assert.Equal(t, 2, store.calls)
}

func TestConsumeGivesUpAfterRetries(t *testing.T) {
	repo := repository.NewMemoryRepository()
	store := &lossyStore{Store: repo, drops: 10}
	f := newFixture(t, store)
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	_, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Equal(t, 3, store.calls)
}

// hangingStore 的 MarkUsed 一直阻塞到超时
type hangingStore struct {
	Store
	calls int32
}

func (s *hangingStore) MarkUsed(ctx context.Context, number string, at time.Time, by, attempt string) (*model.ConsumeResult, error) {
	atomic.AddInt32(&s.calls, 1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConsumeTimeoutIsNotRetried(t *testing.T) {
	repo := repository.NewMemoryRepository()
	store := &hangingStore{Store: repo}
	f := newFixture(t, store)
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	_, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	assert.ErrorIs(t, err, model.ErrStoreTimeout)
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.calls))
}

func TestCancelUsedTicket(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.issue(t, "T1", "B1", "E1")
	*f.clock = doorsOpen

	_, err := f.svc.Consume(context.Background(), tk.Token, scanAt("E1", "gate-1"))
	require.NoError(t, err)

	ok, err := f.svc.Cancel(context.Background(), "T1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrTicketNotFound)
}
