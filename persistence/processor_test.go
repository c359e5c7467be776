// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/luthuanphong/tbmq/config"
	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/storage"
	"github.com/luthuanphong/tbmq/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// MockChannel records written messages and runs an optional hook per write.
type MockChannel struct {
	mu      sync.Mutex
	written []*storage.Message
	onWrite func(*storage.Message)
	block   chan struct{}
}

func (m *MockChannel) Write(_ context.Context, msg *storage.Message) error {
	m.mu.Lock()
	m.written = append(m.written, msg)
	hook, block := m.onWrite, m.block
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (m *MockChannel) Written() []*storage.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.written)
}

func (m *MockChannel) setHook(fn func(*storage.Message)) {
	m.mu.Lock()
	m.onWrite = fn
	m.mu.Unlock()
}

func (m *MockChannel) reset() {
	m.mu.Lock()
	m.written = nil
	m.mu.Unlock()
}

// recordingBacklog records the committed offsets of all consumers.
type recordingBacklog struct {
	*memory.Backlog

	mu      sync.Mutex
	commits []int64
}

func (b *recordingBacklog) Open(ctx context.Context, clientID string) (storage.Consumer, error) {
	c, err := b.Backlog.Open(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return &recordingConsumer{Consumer: c, backlog: b}, nil
}

func (b *recordingBacklog) Commits() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.commits)
}

type recordingConsumer struct {
	storage.Consumer
	backlog *recordingBacklog
}

func (c *recordingConsumer) Commit(ctx context.Context, partition int, offset int64) error {
	if err := c.Consumer.Commit(ctx, partition, offset); err != nil {
		return err
	}
	c.backlog.mu.Lock()
	c.backlog.commits = append(c.backlog.commits, offset)
	c.backlog.mu.Unlock()
	return nil
}

type fixture struct {
	backlog   *recordingBacklog
	processor *Processor
	session   *session.Session
	channel   *MockChannel
}

func newProcessorFixture(t *testing.T, cc config.ClassConfig, packSize int) *fixture {
	t.Helper()

	factory, err := NewStrategyFactory(cc, cc)
	require.NoError(t, err)

	ch := &MockChannel{}
	s := &session.Session{ClientID: "c1", ClientType: session.Application, Channel: ch}
	s.SetConnected(true)
	sessions := session.NewCache()
	sessions.Set(s)

	backlog := &recordingBacklog{Backlog: memory.New(packSize)}
	p := NewProcessor(Config{
		PollInterval:          10 * time.Millisecond,
		PackProcessingTimeout: 100 * time.Millisecond,
		StopProcessingTimeout: time.Second,
	}, backlog, sessions, factory, nil, nil)
	t.Cleanup(p.Close)

	return &fixture{backlog: backlog, processor: p, session: s, channel: ch}
}

func (f *fixture) append(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		_, err := f.backlog.Append(context.Background(), "c1", &storage.Message{
			Topic:   "a/b",
			QoS:     1,
			Payload: []byte(fmt.Sprintf("m%d", i)),
		})
		require.NoError(t, err)
	}
}

// ackWhen acknowledges every written message matching cond.
func (f *fixture) ackWhen(cond func(*storage.Message) bool) {
	f.channel.setHook(func(msg *storage.Message) {
		if cond == nil || cond(msg) {
			f.processor.AcknowledgeDelivery("c1", msg.PacketID)
		}
	})
}

func (f *fixture) disconnect(t *testing.T) {
	t.Helper()
	f.session.SetConnected(false)
	require.Eventually(t, func() bool { return !f.processor.IsProcessing("c1") && f.processor.loops.Len() == 0 }, waitFor, tick)
}

func retryAll() config.ClassConfig {
	return config.ClassConfig{AckStrategy: AckRetryAll, SubmitStrategy: SubmitBurst}
}

func TestProcessorCommitsAfterAck(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	f.ackWhen(nil)
	f.append(t, 3)

	require.NoError(t, f.processor.StartProcessing("c1"))

	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	assert.Equal(t, []int64{3}, f.backlog.Commits())

	written := f.channel.Written()
	require.Len(t, written, 3)
	for i, msg := range written {
		assert.Equal(t, PacketIDFor(int64(i+1)), msg.PacketID)
		assert.False(t, msg.Dup)
	}
}

func TestProcessorWakesOnAppend(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	f.ackWhen(nil)
	require.NoError(t, f.processor.StartProcessing("c1"))

	f.append(t, 1)
	require.Eventually(t, func() bool { return slices.Equal(f.backlog.Commits(), []int64{1}) }, waitFor, tick)
}

func TestProcessorNoCommitWithoutAck(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	f.append(t, 2)

	require.NoError(t, f.processor.StartProcessing("c1"))

	// The pack is resent with the duplicate flag after each timeout.
	require.Eventually(t, func() bool { return len(f.channel.Written()) >= 4 }, waitFor, tick)
	assert.Empty(t, f.backlog.Commits())
	assert.Equal(t, 2, f.backlog.Len("c1"))
	assert.True(t, f.channel.Written()[2].Dup)

	f.processor.AcknowledgeDelivery("c1", PacketIDFor(1))
	f.processor.AcknowledgeDelivery("c1", PacketIDFor(2))
	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	assert.Equal(t, []int64{2}, f.backlog.Commits())
}

func TestProcessorNextRoundKeepsLateAcks(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)

	submit := NewBurst(nil)
	submit.Init(testEntries(1, 2, 3))
	prev := NewPackContext(submit.Pending())
	f.processor.contexts.Set("c1", prev)

	reprocess := map[uint16]Entry{}
	for _, e := range testEntries(2, 3) {
		reprocess[e.PacketID()] = e
	}
	// Acknowledged after the round was analyzed, before the next one starts.
	f.processor.AcknowledgeDelivery("c1", PacketIDFor(3))

	next := f.processor.nextRound("c1", prev, submit, reprocess)

	cur, ok := f.processor.contexts.Get("c1")
	require.True(t, ok)
	assert.Same(t, next, cur)

	pending := submit.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, PacketIDFor(2), pending[0].PacketID())
	assert.NotContains(t, next.Pending(), PacketIDFor(3))

	f.processor.AcknowledgeDelivery("c1", PacketIDFor(2))
	assert.True(t, next.Await(context.Background()))
}

func TestProcessorOrderingAcrossPacks(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 5)
	f.append(t, 9)

	// Packets of the first pack are only acknowledged when resent.
	f.ackWhen(func(msg *storage.Message) bool {
		return msg.Dup || msg.PacketID > PacketIDFor(5)
	})

	require.NoError(t, f.processor.StartProcessing("c1"))

	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	assert.Equal(t, []int64{5, 9}, f.backlog.Commits())

	// Offsets 6-9 are first written only after the first pack completed.
	var firstOfSecond, lastOfFirst int
	for i, msg := range f.channel.Written() {
		if msg.PacketID <= PacketIDFor(5) {
			lastOfFirst = i
		} else if firstOfSecond == 0 {
			firstOfSecond = i
		}
	}
	assert.Greater(t, firstOfSecond, lastOfFirst)
}

func TestProcessorResumesFromCommittedOffset(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	f.ackWhen(nil)
	f.append(t, 2)

	require.NoError(t, f.processor.StartProcessing("c1"))
	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	f.disconnect(t)

	f.channel.reset()
	f.append(t, 2)
	f.session.SetConnected(true)
	require.NoError(t, f.processor.StartProcessing("c1"))

	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	written := f.channel.Written()
	require.Len(t, written, 2, "committed packets are never redelivered")
	assert.Equal(t, PacketIDFor(3), written[0].PacketID)
	assert.Equal(t, []int64{2, 4}, f.backlog.Commits())
}

func TestProcessorResumesUncommittedPack(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	f.append(t, 3)

	require.NoError(t, f.processor.StartProcessing("c1"))
	require.Eventually(t, func() bool { return len(f.channel.Written()) >= 3 }, waitFor, tick)
	f.disconnect(t)
	assert.Empty(t, f.backlog.Commits())

	f.channel.reset()
	f.ackWhen(nil)
	f.session.SetConnected(true)
	require.NoError(t, f.processor.StartProcessing("c1"))

	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	written := f.channel.Written()
	require.NotEmpty(t, written)
	assert.Equal(t, PacketIDFor(1), written[0].PacketID, "first uncommitted offset is not skipped")
	assert.Equal(t, []int64{3}, f.backlog.Commits())
}

func TestProcessorSkipAllCommitsAfterTimeout(t *testing.T) {
	f := newProcessorFixture(t, config.ClassConfig{AckStrategy: AckSkipAll, SubmitStrategy: SubmitBurst}, 10)
	f.append(t, 2)

	require.NoError(t, f.processor.StartProcessing("c1"))

	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	assert.Len(t, f.channel.Written(), 2)
}

func TestProcessorSequentialSubmit(t *testing.T) {
	f := newProcessorFixture(t, config.ClassConfig{AckStrategy: AckRetryAll, SubmitStrategy: SubmitSequential}, 10)
	f.ackWhen(nil)
	f.append(t, 4)

	require.NoError(t, f.processor.StartProcessing("c1"))

	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
	var ids []uint16
	for _, msg := range f.channel.Written() {
		ids = append(ids, msg.PacketID)
	}
	assert.Equal(t, []uint16{2, 3, 4, 5}, ids)
}

func TestProcessorStartErrors(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)

	assert.ErrorIs(t, f.processor.StartProcessing("unknown"), ErrSessionNotFound)

	require.NoError(t, f.processor.StartProcessing("c1"))
	assert.ErrorIs(t, f.processor.StartProcessing("c1"), ErrAlreadyProcessing)
}

func TestProcessorStaleAck(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)

	assert.NotPanics(t, func() {
		f.processor.AcknowledgeDelivery("c1", 1)
		f.processor.AcknowledgeDelivery("nobody", 1)
	})
	assert.Zero(t, f.processor.contexts.Len())
}

func TestProcessorStopTimeout(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	f.processor.cfg.StopProcessingTimeout = 30 * time.Millisecond

	release := make(chan struct{})
	f.channel.block = release
	defer close(release)

	f.append(t, 1)
	require.NoError(t, f.processor.StartProcessing("c1"))
	require.Eventually(t, func() bool { return len(f.channel.Written()) == 1 }, waitFor, tick)

	start := time.Now()
	f.processor.StopProcessing("c1")
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, f.processor.IsProcessing("c1"))
	assert.Empty(t, f.backlog.Commits())
}

func TestProcessorStopThenRestart(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	require.NoError(t, f.processor.StartProcessing("c1"))

	f.processor.StopProcessing("c1")
	require.Eventually(t, func() bool { return f.processor.loops.Len() == 0 }, waitFor, tick)

	f.ackWhen(nil)
	f.append(t, 1)
	require.NoError(t, f.processor.StartProcessing("c1"))
	require.Eventually(t, func() bool { return f.backlog.Len("c1") == 0 }, waitFor, tick)
}

func TestProcessorClearPersistedBacklog(t *testing.T) {
	f := newProcessorFixture(t, retryAll(), 10)
	f.append(t, 3)

	require.NoError(t, f.processor.ClearPersistedBacklog(context.Background(), "c1"))
	assert.Zero(t, f.backlog.Len("c1"))
}
