// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/luthuanphong/tbmq/session"
)

// Resolved is the outcome of resolving a topic against the index.
type Resolved struct {
	Plain  []Subscription // One per client, sorted by client id
	Shared []SharedGroup  // Sorted by topic filter, then share name
}

// Empty reports whether nothing matched.
func (r Resolved) Empty() bool {
	return len(r.Plain) == 0 && len(r.Shared) == 0
}

// Resolver turns index entries matching a topic into subscriptions.
type Resolver struct {
	index    Index
	sessions session.Registry
	logger   *slog.Logger
}

// NewResolver creates a resolver over the given index and session registry.
func NewResolver(index Index, sessions session.Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		index:    index,
		sessions: sessions,
		logger:   logger,
	}
}

// Resolve returns the subscriptions interested in a message published to
// topic by senderID. No-local filtering applies to plain entries only and
// runs before they are deduplicated by client id, keeping the highest QoS.
func (r *Resolver) Resolve(topic, senderID string) Resolved {
	entries := r.index.Lookup(topic)
	if len(entries) == 0 {
		return Resolved{}
	}

	plain := make(map[string]Subscription)
	groups := make(map[SharedKey][]Subscription)

	for _, e := range entries {
		if e.ShareName == "" && !e.Options.IsNoLocalMet(e.ClientID, senderID) {
			continue
		}

		s := r.sessions.Get(e.ClientID)
		if s == nil {
			r.logger.Debug("skipping subscription without session",
				slog.String("client_id", e.ClientID),
				slog.String("filter", e.TopicFilter))
			continue
		}

		sub := Subscription{
			TopicFilter: e.TopicFilter,
			ShareName:   e.ShareName,
			QoS:         e.QoS,
			Options:     e.Options,
			Session:     s,
		}

		if e.ShareName != "" {
			key := SharedKey{TopicFilter: e.TopicFilter, ShareName: e.ShareName}
			groups[key] = append(groups[key], sub)
			continue
		}

		if prev, ok := plain[e.ClientID]; ok && prev.QoS >= sub.QoS {
			continue
		}
		plain[e.ClientID] = sub
	}

	var res Resolved
	for _, sub := range plain {
		res.Plain = append(res.Plain, sub)
	}
	slices.SortFunc(res.Plain, byClientID)

	for key, members := range groups {
		slices.SortFunc(members, byClientID)
		res.Shared = append(res.Shared, SharedGroup{Key: key, Members: members})
	}
	slices.SortFunc(res.Shared, func(a, b SharedGroup) int {
		return cmp.Or(
			cmp.Compare(a.Key.TopicFilter, b.Key.TopicFilter),
			cmp.Compare(a.Key.ShareName, b.Key.ShareName),
		)
	})

	return res
}

func byClientID(a, b Subscription) int {
	return cmp.Compare(a.ClientID(), b.ClientID())
}
