package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Manager is a persistent multi-queue message store on BadgerDB. Message
// bodies live under queue:{name}:msg:{id}; a visibility index lives under
// queue:{name}:index:{unixnano, zero padded to 20 digits}:{id} so that
// iterating the index in key order yields messages in visibility order.
// Claiming a message moves its index entry forward by the visibility
// timeout, which doubles as the redelivery schedule.
type Manager struct {
	db     *badger.DB
	config Config
}

// NewManager creates a queue manager on an open Badger database
func NewManager(db *badger.DB, config Config) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	defaults := NewDefaultConfig()
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = defaults.MaxReceive
	}

	return &Manager{db: db, config: config}, nil
}

// Enqueue adds a message to the named queue. A missing message id is
// assigned; the caller can read it back from msg.ID.
func (m *Manager) Enqueue(ctx context.Context, queueName string, msg *Message) error {
	if queueName == "" {
		return errors.New("queue name is required")
	}
	if msg == nil || msg.Actor == "" {
		return errors.New("message actor is required")
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Queue = queueName
	msg.EnqueuedAt = time.Now()
	msg.VisibleAt = msg.EnqueuedAt
	msg.ReceiveCount = 0

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(queueName, msg.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(queueName, msg.VisibleAt, msg.ID), []byte{})
	})
}

// Receive claims the next visible message from the named queue and returns
// it together with a delete function the caller invokes once processing is
// finished. An unclaimed redelivery happens after the visibility timeout;
// messages that exceed MaxReceive deliveries are dropped.
func (m *Manager) Receive(ctx context.Context, queueName string) (*Message, func() error, error) {
	var claimed Message

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var oldIndexKey []byte
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(queueName, key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by visibility time, so nothing
				// later in the iteration is ready either
				break
			}

			item, err := txn.Get(m.msgKey(queueName, id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var msg Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			if msg.ReceiveCount >= m.config.MaxReceive {
				// Poison pill, drop it so it cannot loop forever
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(queueName, id)); err != nil {
					return err
				}
				continue
			}

			claimed = msg
			oldIndexKey = key
			found = true
			break
		}

		if !found {
			return ErrNoMessage
		}

		claimed.ReceiveCount++
		claimed.VisibleAt = now.Add(m.visibilityFor(&claimed))

		data, err := json.Marshal(&claimed)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(queueName, claimed.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(queueName, claimed.VisibleAt, claimed.ID), []byte{})
	})
	if err != nil {
		return nil, nil, err
	}

	msgID := claimed.ID
	deleteFn := func() error {
		return m.delete(queueName, msgID)
	}
	return &claimed, deleteFn, nil
}

// Length reports the number of messages in the named queue, visible or not
func (m *Manager) Length(ctx context.Context, queueName string) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue messages: %w", err)
	}
	return count, nil
}

func (m *Manager) delete(queueName, id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(queueName, id)
		item, err := txn.Get(msgKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // Already deleted
			}
			return err
		}

		var msg Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(queueName, msg.VisibleAt, id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(msgKey)
	})
}

// visibilityFor prefers the message's own execution timeout, padded by a
// second so outcome callbacks are enqueued before any redelivery
func (m *Manager) visibilityFor(msg *Message) time.Duration {
	if msg.TimeoutMs > 0 {
		return time.Duration(msg.TimeoutMs)*time.Millisecond + time.Second
	}
	return m.config.VisibilityTimeout
}

func (m *Manager) msgKey(queueName, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queueName, id))
}

func (m *Manager) indexKey(queueName string, visibleAt time.Time, id string) []byte {
	// Zero pad so lexical ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queueName, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(queueName string, key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", queueName)
	suffix := strings.TrimPrefix(string(key), prefix)
	if len(suffix) < 22 { // 20 digit timestamp, colon, id
		return time.Time{}, "", fmt.Errorf("malformed index key %q", key)
	}

	nanos, err := strconv.ParseInt(suffix[:20], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed index key %q: %w", key, err)
	}
	return time.Unix(0, nanos), suffix[21:], nil
}
