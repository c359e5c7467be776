// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/storage"
	"github.com/luthuanphong/tbmq/topics"
)

// RetainHandling controls retained message delivery at subscribe time (v5).
type RetainHandling byte

const (
	SendAtSubscribe RetainHandling = iota
	SendAtSubscribeIfNew
	DontSend
)

// Options holds per-subscription delivery options.
type Options struct {
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

// IsNoLocalMet reports whether a message from senderID may be delivered to
// subscriberID under the no-local option.
func (o Options) IsNoLocalMet(subscriberID, senderID string) bool {
	return !o.NoLocal || subscriberID != senderID
}

// IsRetain returns the retain flag a subscriber receives for msg.
func (o Options) IsRetain(msg *storage.Message) bool {
	return o.RetainAsPublished && msg.Retain
}

// Entry is a subscription as stored in the index.
// It is unique per (ClientID, ShareName, TopicFilter).
type Entry struct {
	ClientID    string
	TopicFilter string
	ShareName   string
	QoS         byte
	Options     Options
}

// Subscription is an index entry bound to its subscriber session.
type Subscription struct {
	TopicFilter string
	ShareName   string
	QoS         byte
	Options     Options
	Session     *session.Session
}

// ClientID returns the subscriber's client identifier.
func (s Subscription) ClientID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.ClientID
}

// IsShared reports whether the subscription belongs to a shared group.
func (s Subscription) IsShared() bool {
	return s.ShareName != ""
}

// SharedKey identifies a shared subscription group.
type SharedKey struct {
	TopicFilter string
	ShareName   string
}

// String returns the $share form of the group filter.
func (k SharedKey) String() string {
	return topics.SharedFilter(k.ShareName, k.TopicFilter)
}

// SharedGroup is a shared subscription group matched by a publish.
// Members are sorted by client id.
type SharedGroup struct {
	Key     SharedKey
	Members []Subscription
}
