// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/luthuanphong/tbmq/storage"
)

var _ storage.Backlog = (*Backlog)(nil)

// Config holds BadgerDB backlog configuration.
type Config struct {
	Dir         string      // Directory for BadgerDB data
	Compression Compression // Payload compression
	MaxPackSize int         // Max records returned by a single poll
	SyncWrites  bool
}

// Backlog implements storage.Backlog on top of BadgerDB.
//
// Key format (n is len(clientID), keeps prefixes of different clients disjoint):
//   - Record:    bl/{n}/{clientID}/r/{offset:020d}
//   - Last:      bl/{n}/{clientID}/last
//   - Committed: bl/{n}/{clientID}/committed
type Backlog struct {
	db          *badger.DB
	locks       keyLock
	signal      *storage.Signal
	compression Compression
	maxPackSize int

	mu          sync.Mutex
	open        map[string]bool
	generations map[string]uint64 // Bumped by Delete

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
}

// New opens a BadgerDB-backed backlog.
func New(cfg Config) (*Backlog, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger backlog: %w", err)
	}

	return newBacklog(db, cfg), nil
}

func newBacklog(db *badger.DB, cfg Config) *Backlog {
	if cfg.MaxPackSize <= 0 {
		cfg.MaxPackSize = 100
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}

	b := &Backlog{
		db:          db,
		signal:      storage.NewSignal(),
		compression: cfg.Compression,
		maxPackSize: cfg.MaxPackSize,
		open:        make(map[string]bool),
		generations: make(map[string]uint64),
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}
	go b.runGC()
	return b
}

func clientPrefix(clientID string) []byte {
	return []byte(fmt.Sprintf("bl/%d/%s/", len(clientID), clientID))
}

func recordPrefix(clientID string) []byte {
	return append(clientPrefix(clientID), 'r', '/')
}

func recordKey(clientID string, offset int64) []byte {
	return append(recordPrefix(clientID), []byte(fmt.Sprintf("%020d", offset))...)
}

func lastKey(clientID string) []byte {
	return append(clientPrefix(clientID), []byte("last")...)
}

func committedKey(clientID string) []byte {
	return append(clientPrefix(clientID), []byte("committed")...)
}

func readOffset(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var off int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt offset value for key %q", key)
		}
		off = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return off, err
}

func writeOffset(txn *badger.Txn, key []byte, off int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(off))
	return txn.Set(key, buf[:])
}

// Append stores the message at the tail of the client's backlog.
func (b *Backlog) Append(ctx context.Context, clientID string, msg *storage.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := encodeRecord(msg, b.compression)
	if err != nil {
		return 0, err
	}

	b.locks.Lock(clientID)
	var offset int64
	err = b.db.Update(func(txn *badger.Txn) error {
		last, err := readOffset(txn, lastKey(clientID))
		if err != nil {
			return err
		}
		offset = last + 1
		if err := txn.Set(recordKey(clientID, offset), data); err != nil {
			return err
		}
		return writeOffset(txn, lastKey(clientID), offset)
	})
	b.locks.Unlock(clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to append to backlog of %s: %w", clientID, err)
	}

	b.signal.Notify(clientID)
	return offset, nil
}

// Open returns a consumer positioned after the last committed offset.
func (b *Backlog) Open(ctx context.Context, clientID string) (storage.Consumer, error) {
	b.mu.Lock()
	if b.open[clientID] {
		b.mu.Unlock()
		return nil, storage.ErrConsumerBusy
	}
	b.open[clientID] = true
	gen := b.generations[clientID]
	b.mu.Unlock()

	var committed int64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		committed, err = readOffset(txn, committedKey(clientID))
		return err
	})
	if err != nil {
		b.release(clientID)
		return nil, fmt.Errorf("failed to read committed offset of %s: %w", clientID, err)
	}

	return &consumer{backlog: b, clientID: clientID, position: committed, generation: gen}, nil
}

func (b *Backlog) release(clientID string) {
	b.mu.Lock()
	delete(b.open, clientID)
	b.mu.Unlock()
}

func (b *Backlog) generation(clientID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generations[clientID]
}

// Delete removes the client's backlog and committed offset. An open consumer
// restarts from the beginning of the new backlog and its commits of deleted
// offsets are ignored.
func (b *Backlog) Delete(ctx context.Context, clientID string) error {
	b.locks.Lock(clientID)
	err := b.db.DropPrefix(clientPrefix(clientID))
	if err == nil {
		b.mu.Lock()
		b.generations[clientID]++
		b.mu.Unlock()
	}
	b.locks.Unlock(clientID)
	if err != nil {
		return fmt.Errorf("failed to delete backlog of %s: %w", clientID, err)
	}

	b.signal.Notify(clientID)
	return nil
}

// Close gracefully closes the BadgerDB database.
func (b *Backlog) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.gcStopCh)
	<-b.gcDone

	return b.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (b *Backlog) runGC() {
	defer close(b.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten, which is fine.
			_ = b.db.RunValueLogGC(0.5)
		case <-b.gcStopCh:
			return
		}
	}
}

type consumer struct {
	backlog    *Backlog
	clientID   string
	position   int64
	generation uint64

	mu     sync.Mutex
	closed bool
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
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, storage.ErrConsumerClosed
	}

	c.backlog.locks.Lock(c.clientID)
	defer c.backlog.locks.Unlock(c.clientID)

	var out []storage.Record
	err := c.backlog.db.View(func(txn *badger.Txn) error {
		if gen := c.backlog.generation(c.clientID); gen != c.generation {
			committed, err := readOffset(txn, committedKey(c.clientID))
			if err != nil {
				return err
			}
			c.generation = gen
			c.position = committed
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix(c.clientID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordKey(c.clientID, c.position+1)); it.Valid(); it.Next() {
			item := it.Item()
			var msg *storage.Message
			err := item.Value(func(val []byte) error {
				var err error
				msg, err = decodeRecord(val)
				return err
			})
			if err != nil {
				return err
			}

			var off int64
			if _, err := fmt.Sscanf(string(item.Key()[len(opts.Prefix):]), "%d", &off); err != nil {
				return fmt.Errorf("corrupt record key %q: %w", item.Key(), err)
			}

			out = append(out, storage.Record{Message: msg, Offset: off})
			if len(out) == c.backlog.maxPackSize {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog of %s: %w", c.clientID, err)
	}

	if len(out) > 0 {
		c.position = out[len(out)-1].Offset
	}
	return out, nil
}

func (c *consumer) Commit(ctx context.Context, partition int, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return storage.ErrConsumerClosed
	}

	c.backlog.locks.Lock(c.clientID)
	defer c.backlog.locks.Unlock(c.clientID)
	if c.backlog.generation(c.clientID) != c.generation {
		return nil
	}

	return c.backlog.db.Update(func(txn *badger.Txn) error {
		committed, err := readOffset(txn, committedKey(c.clientID))
		if err != nil {
			return err
		}
		if offset <= committed {
			return nil
		}
		if err := writeOffset(txn, committedKey(c.clientID), offset); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix(c.clientID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		upTo := recordKey(c.clientID, offset)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) > string(upTo) {
				break
			}
			keys = append(keys, key)
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *consumer) Committed(ctx context.Context, partition int) (int64, error) {
	var committed int64
	err := c.backlog.db.View(func(txn *badger.Txn) error {
		var err error
		committed, err = readOffset(txn, committedKey(c.clientID))
		return err
	})
	return committed, err
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.backlog.release(c.clientID)
	return nil
}
