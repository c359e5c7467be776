// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package downlink

import (
	"context"
	"errors"
	"fmt"

	"github.com/luthuanphong/tbmq/storage"
)

// ErrUnknownPeer is returned when a message targets a node without a connection.
var ErrUnknownPeer = errors.New("unknown peer node")

// Handler delivers to clients connected to this node.
type Handler interface {
	// SendBasic writes a non-durable message to a connected client.
	SendBasic(ctx context.Context, clientID string, msg *storage.Message) error

	// SendPersistent appends a durable message to the client's backlog and
	// wakes its persistent delivery loop.
	SendPersistent(ctx context.Context, clientID string, msg *storage.Message) error
}

// RemoteSender forwards downlink calls to the node owning a client.
type RemoteSender interface {
	SendBasic(ctx context.Context, nodeID, clientID string, msg *storage.Message) error
	SendPersistent(ctx context.Context, nodeID, clientID string, msg *storage.Message) error
}

// Proxy routes downlink calls to the local handler or to the owner node.
type Proxy struct {
	nodeID string
	local  Handler
	remote RemoteSender
}

// NewProxy creates a proxy for node nodeID. remote may be nil on a single node.
func NewProxy(nodeID string, local Handler, remote RemoteSender) *Proxy {
	return &Proxy{
		nodeID: nodeID,
		local:  local,
		remote: remote,
	}
}

// NodeID returns the local node id.
func (p *Proxy) NodeID() string {
	return p.nodeID
}

func (p *Proxy) isLocal(nodeID string) bool {
	return nodeID == "" || nodeID == p.nodeID
}

// SendBasic delivers msg to clientID on node nodeID.
func (p *Proxy) SendBasic(ctx context.Context, nodeID, clientID string, msg *storage.Message) error {
	if p.isLocal(nodeID) {
		return p.local.SendBasic(ctx, clientID, msg)
	}
	if p.remote == nil {
		return fmt.Errorf("send to %s on %s: %w", clientID, nodeID, ErrUnknownPeer)
	}
	return p.remote.SendBasic(ctx, nodeID, clientID, msg)
}

// SendPersistent hands a durable message to the node owning clientID.
func (p *Proxy) SendPersistent(ctx context.Context, nodeID, clientID string, msg *storage.Message) error {
	if p.isLocal(nodeID) {
		return p.local.SendPersistent(ctx, clientID, msg)
	}
	if p.remote == nil {
		return fmt.Errorf("persist for %s on %s: %w", clientID, nodeID, ErrUnknownPeer)
	}
	return p.remote.SendPersistent(ctx, nodeID, clientID, msg)
}
