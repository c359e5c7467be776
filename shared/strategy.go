// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shared

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/luthuanphong/tbmq/subscription"
)

// Strategy names accepted by NewStrategy.
const (
	RoundRobinStrategy    = "round_robin"
	RandomStrategy        = "random"
	LeastInFlightStrategy = "least_inflight"
)

// ErrUnknownStrategy is returned for an unsupported strategy name.
var ErrUnknownStrategy = errors.New("unknown shared subscription strategy")

// Strategy picks one recipient among the connected members of a group.
// connected is never empty.
type Strategy interface {
	Pick(key subscription.SharedKey, connected []subscription.Subscription) subscription.Subscription
}

// Forgetter is implemented by strategies keeping per-group state.
type Forgetter interface {
	Forget(key subscription.SharedKey)
}

// NewStrategy returns the strategy registered under name.
// An empty name selects round-robin.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", RoundRobinStrategy:
		return NewRoundRobin(), nil
	case RandomStrategy:
		return Random{}, nil
	case LeastInFlightStrategy:
		return LeastInFlight{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// RoundRobin cycles through connected members keeping one cursor per group.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[subscription.SharedKey]uint64
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[subscription.SharedKey]uint64)}
}

func (r *RoundRobin) Pick(key subscription.SharedKey, connected []subscription.Subscription) subscription.Subscription {
	r.mu.Lock()
	next := r.cursors[key]
	r.cursors[key] = next + 1
	r.mu.Unlock()

	return connected[next%uint64(len(connected))]
}

// Forget drops the cursor of a group that no longer exists.
func (r *RoundRobin) Forget(key subscription.SharedKey) {
	r.mu.Lock()
	delete(r.cursors, key)
	r.mu.Unlock()
}

// Random picks a uniformly random connected member.
type Random struct{}

func (Random) Pick(_ subscription.SharedKey, connected []subscription.Subscription) subscription.Subscription {
	return connected[rand.IntN(len(connected))]
}

// LeastInFlight picks the member with the fewest unacknowledged packets.
// Members without a local in-flight window, such as clients of another
// node, are only considered when no member has one. Ties go to the
// earliest member.
type LeastInFlight struct{}

func (LeastInFlight) Pick(_ subscription.SharedKey, connected []subscription.Subscription) subscription.Subscription {
	candidates := make([]subscription.Subscription, 0, len(connected))
	for _, sub := range connected {
		if sub.Session.InFlight != nil {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return connected[0]
	}

	best := candidates[0]
	bestCount := best.Session.InFlightCount()
	for _, sub := range candidates[1:] {
		if n := sub.Session.InFlightCount(); n < bestCount {
			best, bestCount = sub, n
		}
	}
	return best
}
