// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shared

import (
	"log/slog"

	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/subscription"
)

// Selector picks exactly one recipient per shared subscription group.
type Selector struct {
	strategy      Strategy
	offlineExpiry uint32
	logger        *slog.Logger
}

// NewSelector creates a selector. offlineExpiry is the session expiry (in
// seconds) given to the placeholder recipient of a fully offline group.
func NewSelector(strategy Strategy, offlineExpiry uint32, logger *slog.Logger) *Selector {
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		strategy:      strategy,
		offlineExpiry: offlineExpiry,
		logger:        logger,
	}
}

// Select returns the recipient of a message of effective QoS qos.
// When no member is connected the result is a disconnected persistent
// placeholder attributed to the first member, so the message is queued
// durably instead of being dropped. ok is false only for an empty group.
func (s *Selector) Select(group subscription.SharedGroup, qos byte) (sub subscription.Subscription, ok bool) {
	if len(group.Members) == 0 {
		return subscription.Subscription{}, false
	}

	connected := make([]subscription.Subscription, 0, len(group.Members))
	for _, m := range group.Members {
		if m.Session != nil && m.Session.IsConnected() {
			connected = append(connected, m)
		}
	}
	if len(connected) > 0 {
		return s.strategy.Pick(group.Key, connected), true
	}

	return s.placeholder(group, qos), true
}

// Forget releases the strategy state of a group that has no members left.
func (s *Selector) Forget(key subscription.SharedKey) {
	f, ok := s.strategy.(Forgetter)
	if !ok {
		return
	}
	f.Forget(key)
	s.logger.Debug("shared group removed", slog.String("group", key.String()))
}

func (s *Selector) placeholder(group subscription.SharedGroup, qos byte) subscription.Subscription {
	first := group.Members[0]

	ps := &session.Session{
		ClientID:       first.ClientID(),
		ExpiryInterval: s.offlineExpiry,
	}
	if first.Session != nil {
		ps.NodeID = first.Session.NodeID
		ps.ClientType = first.Session.ClientType
	}

	s.logger.Debug("shared group offline, using placeholder",
		slog.String("group", group.Key.String()),
		slog.String("client_id", ps.ClientID))

	return subscription.Subscription{
		TopicFilter: group.Key.TopicFilter,
		ShareName:   group.Key.ShareName,
		QoS:         qos,
		Options:     first.Options,
		Session:     ps,
	}
}
