package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"railpulse/internal/domain"
)

const (
	queueBucket = "offline_queue"
	metaBucket  = "meta"
	deviceIDKey = "device_id"

	DefaultQueueLimit = 50
)

// Queue holds samples that could not be delivered, per train.
type Queue interface {
	// Push appends samples, keeping only the most recent limit entries.
	Push(train string, samples []domain.PositionSample) error
	// PushFront puts samples back ahead of anything queued since.
	PushFront(train string, samples []domain.PositionSample) error
	// Drain removes and returns everything queued for train.
	Drain(train string) ([]domain.PositionSample, error)
	Len(train string) (int, error)
}

type queueRecord struct {
	Samples  []domain.PositionSample `json:"samples"`
	QueuedAt int64                   `json:"queuedAt"`
}

// OpenState opens the tracker's bbolt file, creating buckets as needed.
func OpenState(path string) (*bolt.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{queueBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// DeviceID returns the identifier stored in db, generating and persisting
// one on first use.
func DeviceID(db *bolt.DB) (string, error) {
	var id string
	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))
		if v := bucket.Get([]byte(deviceIDKey)); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return bucket.Put([]byte(deviceIDKey), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	return id, nil
}

// BoltQueue is a Queue persisted in bbolt, one record per train number.
type BoltQueue struct {
	db    *bolt.DB
	limit int

	Now func() time.Time
}

func NewBoltQueue(db *bolt.DB, limit int) *BoltQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &BoltQueue{db: db, limit: limit, Now: time.Now}
}

func (q *BoltQueue) Push(train string, samples []domain.PositionSample) error {
	return q.update(train, func(queued []domain.PositionSample) []domain.PositionSample {
		return append(queued, samples...)
	})
}

func (q *BoltQueue) PushFront(train string, samples []domain.PositionSample) error {
	return q.update(train, func(queued []domain.PositionSample) []domain.PositionSample {
		return append(append([]domain.PositionSample(nil), samples...), queued...)
	})
}

func (q *BoltQueue) update(train string, fn func([]domain.PositionSample) []domain.PositionSample) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucket))
		rec, err := decodeRecord(bucket.Get([]byte(train)))
		if err != nil {
			return err
		}

		samples := fn(rec.Samples)
		if len(samples) > q.limit {
			samples = samples[len(samples)-q.limit:]
		}

		data, err := json.Marshal(queueRecord{Samples: samples, QueuedAt: q.Now().UnixMilli()})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(train), data)
	})
	if err != nil {
		return fmt.Errorf("queue %s: %w", train, err)
	}
	return nil
}

func (q *BoltQueue) Drain(train string) ([]domain.PositionSample, error) {
	var samples []domain.PositionSample
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucket))
		rec, err := decodeRecord(bucket.Get([]byte(train)))
		if err != nil {
			return err
		}
		samples = rec.Samples
		return bucket.Delete([]byte(train))
	})
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", train, err)
	}
	return samples, nil
}

func (q *BoltQueue) Len(train string) (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		rec, err := decodeRecord(tx.Bucket([]byte(queueBucket)).Get([]byte(train)))
		n = len(rec.Samples)
		return err
	})
	return n, err
}

// QueuedAt reports when samples for train were last queued.
func (q *BoltQueue) QueuedAt(train string) (time.Time, bool, error) {
	var rec queueRecord
	err := q.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = decodeRecord(tx.Bucket([]byte(queueBucket)).Get([]byte(train)))
		return err
	})
	if err != nil || len(rec.Samples) == 0 {
		return time.Time{}, false, err
	}
	return time.UnixMilli(rec.QueuedAt), true, nil
}

func decodeRecord(data []byte) (queueRecord, error) {
	var rec queueRecord
	if data == nil {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decoding queue record: %w", err)
	}
	return rec, nil
}
