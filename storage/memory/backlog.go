// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/luthuanphong/tbmq/storage"
)

var _ storage.Backlog = (*Backlog)(nil)

// DefaultMaxPackSize is used when Backlog is created with a non-positive pack size.
const DefaultMaxPackSize = 100

// Backlog is an in-memory implementation of storage.Backlog.
// Records up to the committed offset are trimmed on commit.
type Backlog struct {
	mu          sync.Mutex
	logs        map[string]*clientLog
	signal      *storage.Signal
	maxPackSize int
}

type clientLog struct {
	records    []storage.Record
	last       int64
	committed  int64
	generation uint64 // Bumped by Delete
	open       bool
}

// New creates a new in-memory backlog returning at most maxPackSize records per poll.
func New(maxPackSize int) *Backlog {
	if maxPackSize <= 0 {
		maxPackSize = DefaultMaxPackSize
	}
	return &Backlog{
		logs:        make(map[string]*clientLog),
		signal:      storage.NewSignal(),
		maxPackSize: maxPackSize,
	}
}

func (b *Backlog) log(clientID string) *clientLog {
	l, ok := b.logs[clientID]
	if !ok {
		l = &clientLog{}
		b.logs[clientID] = l
	}
	return l
}

// Append stores the message at the tail of the client's backlog.
func (b *Backlog) Append(ctx context.Context, clientID string, msg *storage.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	l := b.log(clientID)
	l.last++
	offset := l.last
	l.records = append(l.records, storage.Record{Message: msg, Offset: offset})
	b.mu.Unlock()

	b.signal.Notify(clientID)
	return offset, nil
}

// Open returns a consumer positioned after the last committed offset.
func (b *Backlog) Open(ctx context.Context, clientID string) (storage.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.log(clientID)
	if l.open {
		return nil, storage.ErrConsumerBusy
	}
	l.open = true

	return &consumer{
		backlog:    b,
		clientID:   clientID,
		position:   l.committed,
		generation: l.generation,
	}, nil
}

// Delete removes the client's backlog. An open consumer restarts from the
// beginning of the new backlog and its commits of deleted offsets are ignored.
func (b *Backlog) Delete(ctx context.Context, clientID string) error {
	b.mu.Lock()
	if l, ok := b.logs[clientID]; ok {
		b.logs[clientID] = &clientLog{open: l.open, generation: l.generation + 1}
	}
	b.mu.Unlock()

	b.signal.Notify(clientID)
	return nil
}

// Len returns the number of uncommitted records of a client.
func (b *Backlog) Len(clientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.logs[clientID]; ok {
		return len(l.records)
	}
	return 0
}

// Close is a no-op for the in-memory backlog.
func (b *Backlog) Close() error {
	return nil
}

type consumer struct {
	backlog    *Backlog
	clientID   string
	position   int64
	generation uint64
	closed     bool
}

func (c *consumer) Poll(ctx context.Context, maxWait time.Duration) ([]storage.Record, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		wake := c.backlog.signal.Wait(c.clientID)

		records, err := c.read()
		if err != nil || len(records) > 0 {
			return records, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

func (c *consumer) read() ([]storage.Record, error) {
	b := c.backlog
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, storage.ErrConsumerClosed
	}

	l := b.log(c.clientID)
	if c.generation != l.generation {
		c.generation = l.generation
		c.position = l.committed
	}

	var out []storage.Record
	for _, r := range l.records {
		if r.Offset <= c.position {
			continue
		}
		out = append(out, r)
		if len(out) == b.maxPackSize {
			break
		}
	}
	if len(out) > 0 {
		c.position = out[len(out)-1].Offset
	}
	return out, nil
}

func (c *consumer) Commit(ctx context.Context, partition int, offset int64) error {
	b := c.backlog
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return storage.ErrConsumerClosed
	}

	l := b.log(c.clientID)
	if c.generation != l.generation || offset <= l.committed {
		return nil
	}
	l.committed = offset

	i := 0
	for i < len(l.records) && l.records[i].Offset <= offset {
		i++
	}
	l.records = append([]storage.Record(nil), l.records[i:]...)
	return nil
}

func (c *consumer) Committed(ctx context.Context, partition int) (int64, error) {
	b := c.backlog
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log(c.clientID).committed, nil
}

func (c *consumer) Close() error {
	b := c.backlog
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if l, ok := b.logs[c.clientID]; ok {
		l.open = false
	}
	return nil
}
