package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishKeysByTicketNumber(t *testing.T) {
	w := &fakeWriter{}
	p := newProducerWithWriter(w, "ticket.outcomes")

	event := &model.OutcomeEvent{
		ID:   "e1",
		Kind: model.OutcomeVerification,
		Verification: &model.VerificationOutcome{
			TicketNumber: "T1",
			EventID:      "E1",
			ScannerID:    "gate-1",
			Status:       model.VerdictSuccess,
		},
	}
	require.NoError(t, p.Publish(context.Background(), event))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "T1", string(w.msgs[0].Key))
	assert.Equal(t, "verification", string(w.msgs[0].Headers[0].Value))

	var decoded model.OutcomeEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "e1", decoded.ID)
	assert.Equal(t, model.VerdictSuccess, decoded.Verification.Status)
}

func TestPublishWrapsWriterError(t *testing.T) {
	broker := errors.New("leader not available")
	p := newProducerWithWriter(&fakeWriter{err: broker}, "ticket.outcomes")

	err := p.Publish(context.Background(), &model.OutcomeEvent{ID: "e1", Kind: model.OutcomeCallback,
		Callback: &model.CallbackOutcome{OrderID: "ORD1"}})
	assert.ErrorIs(t, err, broker)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func encode(t *testing.T, e *model.OutcomeEvent) []byte {
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return data
}

func TestConsumerRetriesThenCommits(t *testing.T) {
	good := &model.OutcomeEvent{ID: "e1", Kind: model.OutcomeCallback, Callback: &model.CallbackOutcome{OrderID: "ORD1"}}
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: []byte("{not json")},
		{Offset: 2, Value: encode(t, good)},
	}}
	c := newConsumerWithReaders([]messageReader{reader})

	var mu sync.Mutex
	calls := 0
	c.StartConsuming(func(ctx context.Context, event *model.OutcomeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("audit table locked")
		}
		return nil
	})

	assert.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestHandleMessageSkipsIncompleteEvents(t *testing.T) {
	called := false
	handler := func(ctx context.Context, event *model.OutcomeEvent) error {
		called = true
		return nil
	}

	err := handleMessage(context.Background(), kafka.Message{Value: []byte(`{"id":"e1","kind":"callback"}`)}, handler)
	assert.NoError(t, err)
	assert.False(t, called)

	err = handleMessage(context.Background(), kafka.Message{Value: []byte(`{"kind":"callback","callback":{"orderId":"O"}}`)}, handler)
	assert.NoError(t, err)
	assert.False(t, called)
}
