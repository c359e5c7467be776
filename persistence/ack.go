// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import "maps"

// Ack strategy names.
const (
	AckSkipAll         = "skip_all"
	AckRetryAll        = "retry_all"
	AckRetryFailedOnly = "retry_failed_only"
)

// Decision is the outcome of analyzing a processing round.
type Decision struct {
	Commit    bool
	Reprocess map[uint16]Entry

	// Dropped counts the unacknowledged packets committed anyway.
	Dropped int
}

// AckStrategy decides whether a pack is committed or partially reprocessed.
// A new instance is used for every pack.
type AckStrategy interface {
	Analyze(pctx *PackContext) Decision
}

// SkipAll commits the pack regardless of outstanding packets.
type SkipAll struct{}

func (SkipAll) Analyze(pctx *PackContext) Decision {
	return Decision{Commit: true, Dropped: len(pctx.Pending()) + len(pctx.Failed())}
}

type retrier struct {
	maxRetries int
	retries    int
}

func (r *retrier) decide(pctx *PackContext, outstanding map[uint16]Entry) Decision {
	if len(outstanding) == 0 {
		return Decision{Commit: true}
	}
	if r.maxRetries > 0 && r.retries >= r.maxRetries {
		return Decision{Commit: true, Dropped: len(outstanding)}
	}

	r.retries++
	reprocess := make(map[uint16]Entry, len(outstanding))
	for id, e := range outstanding {
		if pctx.Submitted(id) {
			e = e.redelivery()
		}
		reprocess[id] = e
	}
	return Decision{Reprocess: reprocess}
}

// RetryAll reprocesses every unacknowledged packet, pending or failed, up to
// maxRetries rounds. Zero means unlimited.
type RetryAll struct {
	retrier
}

// NewRetryAll creates a retry-all ack strategy.
func NewRetryAll(maxRetries int) *RetryAll {
	return &RetryAll{retrier{maxRetries: maxRetries}}
}

func (r *RetryAll) Analyze(pctx *PackContext) Decision {
	outstanding := pctx.Pending()
	maps.Copy(outstanding, pctx.Failed())
	return r.decide(pctx, outstanding)
}

// RetryFailedOnly reprocesses packets whose channel write failed, together
// with packets the submit strategy never sent. Packets that were written but
// not acknowledged in time are committed.
type RetryFailedOnly struct {
	retrier
}

// NewRetryFailedOnly creates a retry-failed-only ack strategy.
func NewRetryFailedOnly(maxRetries int) *RetryFailedOnly {
	return &RetryFailedOnly{retrier{maxRetries: maxRetries}}
}

func (r *RetryFailedOnly) Analyze(pctx *PackContext) Decision {
	retry := pctx.Failed()
	maps.Copy(retry, pctx.Unsent())

	d := r.decide(pctx, retry)
	if d.Commit {
		d.Dropped = len(pctx.Pending()) + len(pctx.Failed())
	}
	return d
}
