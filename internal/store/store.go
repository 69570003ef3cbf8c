// Package store persists the local message log, the outbound queue
// entries, and the sync cursor in a single bbolt database.
package store

import (
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jbaxter/msgsync/internal/chat"
	"github.com/jbaxter/msgsync/internal/errors"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	messagesBucket = []byte("messages")
	queueBucket    = []byte("queue")
	metaBucket     = []byte("meta")

	cursorKey = []byte("cursor")
)

// Store wraps a bbolt database holding all persistent client state.
// Message writes are funnelled through the sync coordinator; queue
// entries are owned by the outbound queue.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path, creating all buckets.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, queueBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetMessage returns the message with the given ID, or nil if absent.
func (s *Store) GetMessage(id string) (*chat.Message, error) {
	var m *chat.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messagesBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		m = &chat.Message{}

		return json.Unmarshal(v, m)
	})

	return m, err
}

// PutMessage persists a single message, keyed by its ID.
func (s *Store) PutMessage(m chat.Message) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return tx.Bucket(messagesBucket).Put([]byte(m.ID), data)
	})

	return translateWriteErr(err)
}

// DeleteMessage removes a message from the log.
func (s *Store) DeleteMessage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).Delete([]byte(id))
	})
}

// AllMessages returns every message in the log, unordered.
func (s *Store) AllMessages() ([]chat.Message, error) {
	var msgs []chat.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			var m chat.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			msgs = append(msgs, m)

			return nil
		})
	})

	return msgs, err
}

// RangeByTime returns messages with CreatedAt in [from, to], ordered by
// CreatedAt ascending. A zero `to` means no upper bound.
func (s *Store) RangeByTime(from, to int64) ([]chat.Message, error) {
	all, err := s.AllMessages()
	if err != nil {
		return nil, err
	}

	var msgs []chat.Message
	for _, m := range all {
		if m.CreatedAt < from {
			continue
		}
		if to > 0 && m.CreatedAt > to {
			continue
		}
		msgs = append(msgs, m)
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})

	return msgs, nil
}

// OldestMessages returns up to n messages ordered by CreatedAt
// ascending. Used by the coordinator to pick eviction victims when the
// store reports it is full.
func (s *Store) OldestMessages(n int) ([]chat.Message, error) {
	msgs, err := s.RangeByTime(0, 0)
	if err != nil {
		return nil, err
	}

	if len(msgs) > n {
		msgs = msgs[:n]
	}

	return msgs, nil
}

// Cursor returns the highest server sequence durably incorporated, or
// zero when no sync has happened yet.
func (s *Store) Cursor() (int64, error) {
	var cursor int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(cursorKey)
		if len(v) == 8 {
			cursor = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return cursor, err
}

// SetCursor persists the sync cursor.
func (s *Store) SetCursor(cursor int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putCursor(tx, cursor)
	})

	return translateWriteErr(err)
}

// PutBatchWithCursor writes a reconciled batch of messages and the new
// cursor in one transaction. The cursor never lands ahead of partially
// written data: either the whole batch and the cursor commit, or
// nothing does.
func (s *Store) PutBatchWithCursor(msgs []chat.Message, cursor int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(m.ID), data); err != nil {
				return err
			}
		}

		return putCursor(tx, cursor)
	})

	return translateWriteErr(err)
}

func putCursor(tx *bolt.Tx, cursor int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(cursor))

	return tx.Bucket(metaBucket).Put(cursorKey, buf)
}

// GetQueueEntry returns the queue entry for a message ID, or nil.
func (s *Store) GetQueueEntry(id string) (*chat.QueueEntry, error) {
	var qe *chat.QueueEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		qe = &chat.QueueEntry{}

		return json.Unmarshal(v, qe)
	})

	return qe, err
}

// PutQueueEntry persists a queue entry, keyed by its message ID.
func (s *Store) PutQueueEntry(qe chat.QueueEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(qe)
		if err != nil {
			return err
		}

		return tx.Bucket(queueBucket).Put([]byte(qe.Message.ID), data)
	})

	return translateWriteErr(err)
}

// DeleteQueueEntry removes a queue entry.
func (s *Store) DeleteQueueEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(id))
	})
}

// AllQueueEntries returns every queue entry, unordered.
func (s *Store) AllQueueEntries() ([]chat.QueueEntry, error) {
	var entries []chat.QueueEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var qe chat.QueueEntry
			if err := json.Unmarshal(v, &qe); err != nil {
				return err
			}

			entries = append(entries, qe)

			return nil
		})
	})

	return entries, err
}

// translateWriteErr maps out-of-space failures to ErrStorageFull so
// callers above the store never see a raw I/O error for the one failure
// kind they are expected to recover from.
func translateWriteErr(err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, syscall.ENOSPC) || strings.Contains(err.Error(), "no space left on device") {
		return fmt.Errorf("%w: %v", errors.ErrStorageFull, err)
	}

	return err
}
