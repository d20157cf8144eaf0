package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

// queueMessage is the internal structure stored in Badger.
type queueMessage struct {
	ID           string     `json:"id"`
	Body         JobMessage `json:"body"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	VisibleAt    time.Time  `json:"visible_at"`
	ReceiveCount int        `json:"receive_count"`
}

// DropHandler is invoked after a message exceeds its receive budget and
// is removed from the queue. Wiring typically marks the job failed so
// it does not sit queued forever.
type DropHandler func(jobID string, receiveCount int)

// BadgerQueue implements a persistent priority queue on BadgerDB.
//
// Two key families per queue:
//
//	queue:{name}:msg:{id}                            -> message JSON
//	queue:{name}:index:{prio:03d}:{visible:020d}:{id} -> empty
//
// Index keys sort by priority then visibility time, so a prefix scan
// yields messages in dispatch order. Claiming a message moves its index
// key into the future by the visibility timeout; if the claimer dies
// without deleting it, the message becomes receivable again.
type BadgerQueue struct {
	db                *badger.DB
	logger            arbor.ILogger
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	onDrop            DropHandler
}

// NewBadgerQueue creates a Badger-backed queue manager.
func NewBadgerQueue(db *badger.DB, logger arbor.ILogger, queueName string, visibilityTimeout time.Duration, maxReceive int) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &BadgerQueue{
		db:                db,
		logger:            logger,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// OnDrop registers the handler called when a message is dropped for
// exceeding the receive budget.
func (m *BadgerQueue) OnDrop(fn DropHandler) {
	m.onDrop = fn
}

// Start is part of the QueueManager contract. The Badger queue has no
// background machinery; redelivery happens lazily during Receive scans.
func (m *BadgerQueue) Start() error {
	m.logger.Debug().Str("queue", m.queueName).Msg("Queue manager started")
	return nil
}

// Stop is part of the QueueManager contract.
func (m *BadgerQueue) Stop() error {
	return nil
}

// Enqueue adds a message keyed by its job ID. Enqueueing a job that is
// already waiting is a no-op, which makes startup recovery idempotent.
func (m *BadgerQueue) Enqueue(ctx context.Context, msg *JobMessage) error {
	if msg == nil || msg.JobID == "" {
		return errors.New("job id is required")
	}

	now := time.Now()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}

	qMsg := queueMessage{
		ID:         msg.JobID,
		Body:       *msg,
		EnqueuedAt: msg.EnqueuedAt,
		VisibleAt:  now, // immediately visible
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	duplicate := false
	err = m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(qMsg.ID)
		if _, err := txn.Get(msgKey); err == nil {
			duplicate = true
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(msgKey, data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(msg.Priority, qMsg.VisibleAt, qMsg.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	if duplicate {
		m.logger.Debug().Str("job_id", msg.JobID).Msg("Job already enqueued, skipping duplicate")
	}
	return nil
}

// Receive pulls the highest-priority visible message. Returns
// ErrNoMessage when nothing is ready.
func (m *BadgerQueue) Receive(ctx context.Context) (*Message, error) {
	var claimed queueMessage
	var found bool
	var dropped []queueMessage

	// The scan must commit even when it claims nothing: over-budget
	// messages are deleted during the scan, and returning an error from
	// the closure would roll those deletes back.
	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			prio, visibleAt, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Keys sort by priority first, so an in-flight message at a
			// high priority must not stop the scan from reaching ready
			// lower-priority entries.
			if visibleAt.After(now) {
				continue
			}

			msgKey := m.msgKey(id)
			item, err := txn.Get(msgKey)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry; clean it up.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var qMsg queueMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				return err
			}

			if qMsg.ReceiveCount >= m.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey); err != nil {
					return err
				}
				dropped = append(dropped, qMsg)
				continue
			}

			// Claim: bump receive count and push visibility forward.
			qMsg.ReceiveCount++
			qMsg.VisibleAt = now.Add(m.visibilityTimeout)

			newData, err := json.Marshal(qMsg)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey, newData); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(m.indexKey(prio, qMsg.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = qMsg
			found = true
			return nil
		}

		return nil
	})

	if err == nil {
		for _, d := range dropped {
			m.logger.Warn().
				Str("job_id", d.ID).
				Int("receive_count", d.ReceiveCount).
				Msg("Dropping message that exceeded its receive budget")
			if m.onDrop != nil {
				m.onDrop(d.ID, d.ReceiveCount)
			}
		}
	}

	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoMessage
	}

	return &Message{
		ID:           claimed.ID,
		Job:          claimed.Body,
		ReceiveCount: claimed.ReceiveCount,
	}, nil
}

// Delete removes a message after its job reached a terminal state.
// Deleting an unknown id is a no-op.
func (m *BadgerQueue) Delete(ctx context.Context, id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(id)
		item, err := txn.Get(msgKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		var qMsg queueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}

		idxKey := m.indexKey(qMsg.Body.Priority, qMsg.VisibleAt, id)
		if err := txn.Delete(idxKey); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey)
	})
}

// Extend renews ownership of a claimed message: visibility moves to
// now plus duration, or the queue's full visibility window when
// duration is zero or negative. An extension proves the claimer is
// alive, so any receive bump from a redelivery claimed in the meantime
// is refunded; only claims nobody follows up on spend the budget.
func (m *BadgerQueue) Extend(ctx context.Context, id string, duration time.Duration) error {
	if duration <= 0 {
		duration = m.visibilityTimeout
	}
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(id)
		item, err := txn.Get(msgKey)
		if err != nil {
			return err
		}

		var qMsg queueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}

		oldIdx := m.indexKey(qMsg.Body.Priority, qMsg.VisibleAt, id)
		qMsg.VisibleAt = time.Now().Add(duration)
		if qMsg.ReceiveCount > 1 {
			qMsg.ReceiveCount = 1
		}

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey, newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIdx); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(qMsg.Body.Priority, qMsg.VisibleAt, id), []byte{})
	})
}

// Length returns the number of messages in the queue, visible or not.
func (m *BadgerQueue) Length(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// -----------------------------------------------------------------------
// Key helpers
// -----------------------------------------------------------------------

func (m *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerQueue) indexKey(priority int, visibleAt time.Time, id string) []byte {
	if priority < 0 {
		priority = 0
	}
	if priority > 999 {
		priority = 999
	}
	// Zero padding keeps byte order identical to numeric order.
	return []byte(fmt.Sprintf("queue:%s:index:%03d:%020d:%s", m.queueName, priority, visibleAt.UnixNano(), id))
}

func (m *BadgerQueue) parseIndexKey(key []byte) (int, time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", m.queueName)
	if len(key) <= len(prefixStr) {
		return 0, time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{3-digit-prio}:{20-digit-ts}:{id}"
	suffix := string(key[len(prefixStr):])
	if len(suffix) < 25 {
		return 0, time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var prio int
	if _, err := fmt.Sscanf(suffix[:3], "%d", &prio); err != nil {
		return 0, time.Time{}, "", err
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[4:24], "%d", &ts); err != nil {
		return 0, time.Time{}, "", err
	}

	return prio, time.Unix(0, ts), suffix[25:], nil
}
