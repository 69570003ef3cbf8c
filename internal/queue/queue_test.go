package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbaxter/msgsync/internal/chat"
	"github.com/jbaxter/msgsync/internal/errors"
	"github.com/jbaxter/msgsync/internal/events"
	"github.com/jbaxter/msgsync/internal/logging"
	"github.com/jbaxter/msgsync/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := Config{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  16 * time.Second,
	}

	return New(s, cfg, events.New(), logging.Discard()), s
}

func msg(id string) chat.Message {
	return chat.Message{ID: id, AuthorID: "u1", AuthorName: "Ada", Text: "hi " + id, CreatedAt: 1000}
}

func TestEnqueue_PersistsPendingEntry(t *testing.T) {
	q, s := newTestQueue(t)

	entry, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	assert.Equal(t, chat.DeliveryPending, entry.Message.DeliveryState)
	assert.Zero(t, entry.Attempts)

	stored, err := s.GetQueueEntry("m1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, entry, *stored)
}

func TestEnqueue_IdempotentOnID(t *testing.T) {
	q, _ := newTestQueue(t)

	first, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)

	second, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st, err := q.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
}

func TestEnqueue_ResetsFailedEntry(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed("m1"))

	entry, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	assert.Equal(t, chat.DeliveryPending, entry.Message.DeliveryState)
	assert.Zero(t, entry.Attempts)
	assert.Zero(t, entry.NextRetryAt)
}

func TestDrain_SendsFIFOAndDeletes(t *testing.T) {
	q, s := newTestQueue(t)

	now := time.Unix(0, 0)
	q.now = func() time.Time { now = now.Add(time.Second); return now }

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	_, err = q.Enqueue(msg("m2"))
	require.NoError(t, err)
	_, err = q.Enqueue(msg("m3"))
	require.NoError(t, err)

	var sent []string
	err = q.Drain(context.Background(), func(_ context.Context, m chat.Message) error {
		sent = append(sent, m.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, sent)

	entries, err := s.AllQueueEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrain_FailureChargesAttemptAndSchedulesRetry(t *testing.T) {
	q, s := newTestQueue(t)

	now := time.Unix(100, 0)
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)

	err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
		return fmt.Errorf("connection reset")
	})
	require.NoError(t, err)

	entry, err := s.GetQueueEntry("m1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, chat.DeliveryPending, entry.Message.DeliveryState)
	assert.Equal(t, now.Add(time.Second).UnixMilli(), entry.NextRetryAt)
}

func TestDrain_SkipsEntriesNotYetDue(t *testing.T) {
	q, _ := newTestQueue(t)

	now := time.Unix(100, 0)
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)

	// First drain fails and schedules a retry one second out.
	err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
		return fmt.Errorf("down")
	})
	require.NoError(t, err)

	// Still before the retry time: nothing should be sent.
	calls := 0
	err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)

	// Past the retry time the entry is sent.
	now = now.Add(2 * time.Second)
	err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDrain_MarksFailedAfterMaxAttempts(t *testing.T) {
	q, s := newTestQueue(t)

	now := time.Unix(100, 0)
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
			return fmt.Errorf("still down")
		})
		require.NoError(t, err)

		now = now.Add(time.Minute)
	}

	entry, err := s.GetQueueEntry("m1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, chat.DeliveryFailed, entry.Message.DeliveryState)
	assert.Equal(t, 3, entry.Attempts)

	// Failed entries never drain again.
	calls := 0
	err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestDrain_AbandonedSendChargesNothing(t *testing.T) {
	q, s := newTestQueue(t)

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	_, err = q.Enqueue(msg("m2"))
	require.NoError(t, err)

	calls := 0
	err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
		calls++
		return errors.ErrSendAbandoned
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "drain should stop at the first abandoned send")

	entries, err := s.AllQueueEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Zero(t, e.Attempts)
	}
}

func TestNextRetryAt_EarliestScheduledRetry(t *testing.T) {
	q, _ := newTestQueue(t)

	_, ok := q.NextRetryAt()
	assert.False(t, ok, "empty queue has no scheduled retry")

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)

	// A fresh entry has no backoff timer yet.
	_, ok = q.NextRetryAt()
	assert.False(t, ok)

	// A failed send schedules one.
	sendErr := fmt.Errorf("broken pipe")
	err = q.Drain(context.Background(), func(context.Context, chat.Message) error {
		return sendErr
	})
	require.NoError(t, err)

	at, ok := q.NextRetryAt()
	require.True(t, ok)
	assert.Greater(t, at, time.Now().Add(500*time.Millisecond).UnixMilli())

	// A terminally failed entry no longer schedules retries.
	require.NoError(t, q.MarkFailed("m1"))
	_, ok = q.NextRetryAt()
	assert.False(t, ok)
}

func TestMarkFailed_UnknownEntry(t *testing.T) {
	q, _ := newTestQueue(t)

	err := q.MarkFailed("ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestSettle_RemovesEntry(t *testing.T) {
	q, s := newTestQueue(t)

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)

	require.NoError(t, q.Settle("m1"))

	entry, err := s.GetQueueEntry("m1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestStatus_CountsPendingAndFailed(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(msg("m1"))
	require.NoError(t, err)
	_, err = q.Enqueue(msg("m2"))
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed("m2"))

	st, err := q.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Failed)
}

func TestPendingMessages_OrderedByEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)

	now := time.Unix(0, 0)
	q.now = func() time.Time { now = now.Add(time.Second); return now }

	_, err := q.Enqueue(msg("m2"))
	require.NoError(t, err)
	_, err = q.Enqueue(msg("m1"))
	require.NoError(t, err)

	msgs, err := q.PendingMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)
}

func TestEnqueue_PublishesQueueStatus(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	emitter := events.New()
	ch, unsubscribe := emitter.Subscribe(events.KindQueueStatus, 4)
	defer unsubscribe()

	q := New(s, Config{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: time.Second}, emitter, logging.Discard())

	_, err = q.Enqueue(msg("m1"))
	require.NoError(t, err)

	evt := <-ch
	st, ok := evt.Payload.(Status)
	require.True(t, ok)
	assert.Equal(t, 1, st.Pending)
}
