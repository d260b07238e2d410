// Package redischan implements signal.Channel on Redis. The call record is
// stored as one JSON value and every mutation runs inside an optimistic
// WATCH transaction, so write-once and monotonic-status checks hold even
// with both endpoints updating through different Redis connections.
// Change notification rides Redis pub/sub: after a successful write the new
// snapshot is published on a per-call channel.
package redischan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/callwire/callwire/internal/signal"
)

const (
	keyPrefix = "callwire:call:"
	eventsSuf = ":events"

	// Abandoned records expire on their own; a finished call is archived
	// locally and never read back from Redis.
	recordTTL = 24 * time.Hour

	// WATCH retries before giving up on a contended key.
	txRetries = 8
)

// Options tunes the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Channel is a Redis-backed signal.Channel.
type Channel struct {
	rdb *redis.Client
}

var _ signal.Channel = (*Channel)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Channel, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redischan: ping %s: %w", opts.Addr, err)
	}
	return &Channel{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership of it.
func NewFromClient(rdb *redis.Client) *Channel {
	return &Channel{rdb: rdb}
}

// Close releases the Redis client.
func (c *Channel) Close() error {
	return c.rdb.Close()
}

func recordKey(callID string) string { return keyPrefix + callID }
func eventsKey(callID string) string { return keyPrefix + callID + eventsSuf }

func (c *Channel) CreateCall(ctx context.Context, callerID, calleeID string, t signal.CallType) (*signal.CallRecord, error) {
	rec := &signal.CallRecord{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      t,
		Status:    signal.StatusPending,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signal.ErrWriteFailed, err)
	}
	ok, err := c.rdb.SetNX(ctx, recordKey(rec.ID), raw, recordTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signal.ErrWriteFailed, err)
	}
	if !ok {
		// uuid collision; not worth a retry loop.
		return nil, fmt.Errorf("%w: call id already exists", signal.ErrWriteFailed)
	}
	c.publish(ctx, rec.ID, raw)
	return rec, nil
}

func (c *Channel) GetCall(ctx context.Context, callID string) (*signal.CallRecord, error) {
	raw, err := c.rdb.Get(ctx, recordKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, signal.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redischan: get %s: %w", callID, err)
	}
	var rec signal.CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redischan: decode %s: %w", callID, err)
	}
	return &rec, nil
}

func (c *Channel) UpdateCall(ctx context.Context, callID string, p signal.Patch) error {
	return c.mutate(ctx, callID, func(rec *signal.CallRecord) error {
		return rec.Apply(p)
	})
}

func (c *Channel) AppendCandidate(ctx context.Context, callID, candidate string) error {
	return c.mutate(ctx, callID, func(rec *signal.CallRecord) error {
		rec.Candidates = append(rec.Candidates, candidate)
		return nil
	})
}

// mutate runs fn against the stored record inside a WATCH transaction and
// republishes the snapshot on success. A concurrent writer aborts the
// transaction and the read-modify-write is retried from scratch.
func (c *Channel) mutate(ctx context.Context, callID string, fn func(*signal.CallRecord) error) error {
	key := recordKey(callID)
	var published []byte

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return signal.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec signal.CallRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, recordTTL)
			return nil
		})
		if err == nil {
			published = out
		}
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := c.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, signal.ErrNotFound) || errors.Is(err, signal.ErrConflict) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", signal.ErrWriteFailed, err)
		}
		c.publish(ctx, callID, published)
		return nil
	}
	return fmt.Errorf("%w: transaction contention on %s", signal.ErrWriteFailed, callID)
}

func (c *Channel) publish(ctx context.Context, callID string, raw []byte) {
	if err := c.rdb.Publish(ctx, eventsKey(callID), raw).Err(); err != nil {
		log.Printf("REDISCHAN [%s]: publish failed: %v", callID, err)
	}
}

func (c *Channel) Subscribe(callID string) (<-chan *signal.CallRecord, func(), error) {
	ctx, stop := context.WithCancel(context.Background())
	ps := c.rdb.Subscribe(ctx, eventsKey(callID))

	// Force the SUBSCRIBE onto the wire before the initial snapshot read so
	// nothing written after the read can slip past us.
	if _, err := ps.Receive(ctx); err != nil {
		stop()
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redischan: subscribe %s: %w", callID, err)
	}

	out := make(chan *signal.CallRecord, 16)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)

		if rec, err := c.GetCall(ctx, callID); err == nil {
			deliver(out, rec)
		}

		for msg := range ps.Channel() {
			var rec signal.CallRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				log.Printf("REDISCHAN [%s]: bad snapshot payload: %v", callID, err)
				continue
			}
			deliver(out, &rec)
		}
	}()

	return out, cancel, nil
}

// deliver queues a snapshot, shedding the oldest one when the consumer lags.
func deliver(out chan *signal.CallRecord, rec *signal.CallRecord) {
	select {
	case out <- rec:
	default:
		select {
		case <-out:
		default:
		}
		select {
		case out <- rec:
		default:
		}
	}
}
