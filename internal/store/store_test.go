package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbaxter/msgsync/internal/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "messages.db")

	s, err := Open(path)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)

	m := chat.Message{
		ID:            "m1",
		AuthorID:      "u1",
		AuthorName:    "Ada",
		Text:          "hello",
		CreatedAt:     1000,
		ServerSeq:     7,
		DeliveryState: chat.DeliveryAcked,
	}

	require.NoError(t, s.PutMessage(m))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m, *got)
}

func TestGetMessage_AbsentReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetMessage("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteMessage(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutMessage(chat.Message{ID: "m1"}))
	require.NoError(t, s.DeleteMessage("m1"))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRangeByTime(t *testing.T) {
	s := openTestStore(t)

	for _, m := range []chat.Message{
		{ID: "a", CreatedAt: 100},
		{ID: "b", CreatedAt: 200},
		{ID: "c", CreatedAt: 300},
	} {
		require.NoError(t, s.PutMessage(m))
	}

	got, err := s.RangeByTime(150, 250)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	// Zero upper bound means unbounded.
	got, err = s.RangeByTime(150, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestOldestMessages(t *testing.T) {
	s := openTestStore(t)

	for _, m := range []chat.Message{
		{ID: "newest", CreatedAt: 300},
		{ID: "oldest", CreatedAt: 100},
		{ID: "middle", CreatedAt: 200},
	} {
		require.NoError(t, s.PutMessage(m))
	}

	got, err := s.OldestMessages(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "oldest", got[0].ID)
	assert.Equal(t, "middle", got[1].ID)
}

func TestCursor_DefaultsToZero(t *testing.T) {
	s := openTestStore(t)

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor)
}

func TestCursor_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetCursor(42))

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor)
}

func TestPutBatchWithCursor_Atomic(t *testing.T) {
	s := openTestStore(t)

	batch := []chat.Message{
		{ID: "m1", ServerSeq: 1, DeliveryState: chat.DeliveryAcked},
		{ID: "m2", ServerSeq: 2, DeliveryState: chat.DeliveryAcked},
	}

	require.NoError(t, s.PutBatchWithCursor(batch, 2))

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor)

	all, err := s.AllMessages()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQueueEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	qe := chat.QueueEntry{
		Message:     chat.Message{ID: "m1", Text: "queued", DeliveryState: chat.DeliveryPending},
		Attempts:    2,
		NextRetryAt: 5000,
		EnqueuedAt:  1000,
	}

	require.NoError(t, s.PutQueueEntry(qe))

	got, err := s.GetQueueEntry("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, qe, *got)

	require.NoError(t, s.DeleteQueueEntry("m1"))

	got, err = s.GetQueueEntry("m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAllQueueEntries(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutQueueEntry(chat.QueueEntry{Message: chat.Message{ID: "a"}}))
	require.NoError(t, s.PutQueueEntry(chat.QueueEntry{Message: chat.Message{ID: "b"}}))

	entries, err := s.AllQueueEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReopen_StateSurvives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutMessage(chat.Message{ID: "m1", Text: "durable"}))
	require.NoError(t, s.SetCursor(9))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "durable", got.Text)

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(9), cursor)
}
