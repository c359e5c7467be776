// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/storage"
	"github.com/luthuanphong/tbmq/subscription"
)

// Delivery is a message prepared for one subscriber.
type Delivery struct {
	Subscription subscription.Subscription
	Message      *storage.Message
}

// ClientID returns the subscriber's client identifier.
func (d Delivery) ClientID() string {
	return d.Subscription.ClientID()
}

// NodeID returns the node owning the subscriber's connection.
func (d Delivery) NodeID() string {
	if d.Subscription.Session == nil {
		return ""
	}
	return d.Subscription.Session.NodeID
}

// PersistentDeliveries are the durable deliveries of one publish, bucketed
// by client class. Each client appears at most once.
type PersistentDeliveries struct {
	Device      []Delivery
	Application []Delivery
}

// Len returns the number of durable deliveries.
func (p PersistentDeliveries) Len() int {
	return len(p.Device) + len(p.Application)
}

// Routes is the outcome of routing a publish.
type Routes struct {
	FastPath []Delivery
	PersistentDeliveries
}

// Classifier decides the durable bucket of a subscription.
type Classifier func(sub subscription.Subscription) session.ClientType

// ByClientType classifies by the subscriber session's client type.
func ByClientType(sub subscription.Subscription) session.ClientType {
	if sub.Session == nil {
		return session.Device
	}
	return sub.Session.ClientType
}

// NeedsPersistence reports whether msg must reach sub through its backlog.
func NeedsPersistence(sub subscription.Subscription, msg *storage.Message) bool {
	return sub.Session != nil && sub.Session.IsPersistent() && sub.QoS > 0 && msg.QoS > 0
}

// Router splits resolved subscriptions into fast-path and durable deliveries.
type Router struct {
	classify Classifier
}

// NewRouter creates a router. A nil classifier means ByClientType.
func NewRouter(classify Classifier) *Router {
	if classify == nil {
		classify = ByClientType
	}
	return &Router{classify: classify}
}

// Route builds the per-subscriber messages of msg. The original message is
// never modified.
func (r *Router) Route(msg *storage.Message, subs []subscription.Subscription) Routes {
	type slot struct {
		bucket *[]Delivery
		index  int
	}

	var routes Routes
	durable := make(map[string]slot)

	for _, sub := range subs {
		d := Delivery{
			Subscription: sub,
			Message:      msg.WithDelivery(min(sub.QoS, msg.QoS), sub.Options.IsRetain(msg)),
		}

		if !NeedsPersistence(sub, msg) {
			routes.FastPath = append(routes.FastPath, d)
			continue
		}

		// A client matched by a plain and a shared subscription is persisted once.
		bucket := &routes.Device
		if r.classify(sub) == session.Application {
			bucket = &routes.Application
		}
		if prev, ok := durable[d.ClientID()]; ok {
			if d.Message.QoS > (*prev.bucket)[prev.index].Message.QoS {
				(*prev.bucket)[prev.index] = d
			}
			continue
		}
		durable[d.ClientID()] = slot{bucket: bucket, index: len(*bucket)}
		*bucket = append(*bucket, d)
	}

	return routes
}
