// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/luthuanphong/tbmq/topics"
)

// ErrInvalidQoS is returned when subscribing with a QoS above 2.
var ErrInvalidQoS = errors.New("invalid subscription qos")

// Index is the subscription index consulted on every publish.
type Index interface {
	// Lookup returns a snapshot of all entries whose filter matches topic.
	Lookup(topic string) []Entry
}

var _ Index = (*TrieIndex)(nil)

// TrieIndex is an in-memory topic trie holding plain and shared subscriptions.
type TrieIndex struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	children map[string]*node
	entries  map[entryKey]Entry // Subscriptions at this exact level
}

type entryKey struct {
	clientID  string
	shareName string
}

// NewTrieIndex returns an empty index.
func NewTrieIndex() *TrieIndex {
	return &TrieIndex{root: newNode()}
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
		entries:  make(map[entryKey]Entry),
	}
}

func (n *node) empty() bool {
	return len(n.children) == 0 && len(n.entries) == 0
}

// Subscribe adds or replaces the client's subscription to filter.
// Filters of the form $share/{name}/{filter} create shared subscriptions.
func (t *TrieIndex) Subscribe(clientID, filter string, qos byte, opts Options) error {
	if qos > 2 {
		return fmt.Errorf("subscribe %s to %q: %w", clientID, filter, ErrInvalidQoS)
	}
	shareName, topicFilter, _ := topics.ParseShared(filter)
	if err := topics.ValidateFilter(topicFilter); err != nil {
		return fmt.Errorf("subscribe %s to %q: %w", clientID, filter, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, level := range strings.Split(topicFilter, "/") {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	n.entries[entryKey{clientID, shareName}] = Entry{
		ClientID:    clientID,
		TopicFilter: topicFilter,
		ShareName:   shareName,
		QoS:         qos,
		Options:     opts,
	}
	return nil
}

// Unsubscribe removes the client's subscription to filter.
// Returns false if there was no such subscription.
func (t *TrieIndex) Unsubscribe(clientID, filter string) bool {
	shareName, topicFilter, _ := topics.ParseShared(filter)

	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(topicFilter, "/")
	path := make([]*node, 0, len(levels)+1)
	n := t.root
	path = append(path, n)
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			return false
		}
		n = child
		path = append(path, n)
	}

	key := entryKey{clientID, shareName}
	if _, ok := n.entries[key]; !ok {
		return false
	}
	delete(n.entries, key)

	// Prune empty branches bottom-up.
	for i := len(levels); i > 0; i-- {
		if !path[i].empty() {
			break
		}
		delete(path[i-1].children, levels[i-1])
	}
	return true
}

// RemoveClient drops every subscription of the client and returns how many
// were removed.
func (t *TrieIndex) RemoveClient(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return removeClient(t.root, clientID)
}

func removeClient(n *node, clientID string) int {
	removed := 0
	for key := range n.entries {
		if key.clientID == clientID {
			delete(n.entries, key)
			removed++
		}
	}
	for level, child := range n.children {
		removed += removeClient(child, clientID)
		if child.empty() {
			delete(n.children, level)
		}
	}
	return removed
}

// SharedKeys returns the shared groups the client is a member of.
func (t *TrieIndex) SharedKeys(clientID string) []SharedKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []SharedKey
	collectShared(t.root, clientID, &keys)
	return keys
}

func collectShared(n *node, clientID string, keys *[]SharedKey) {
	for key, e := range n.entries {
		if key.clientID == clientID && key.shareName != "" {
			*keys = append(*keys, SharedKey{TopicFilter: e.TopicFilter, ShareName: e.ShareName})
		}
	}
	for _, child := range n.children {
		collectShared(child, clientID, keys)
	}
}

// HasSharedGroup reports whether the group still has at least one member.
func (t *TrieIndex) HasSharedGroup(key SharedKey) bool {
	if key.ShareName == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for _, level := range strings.Split(key.TopicFilter, "/") {
		child, ok := n.children[level]
		if !ok {
			return false
		}
		n = child
	}
	for k := range n.entries {
		if k.shareName == key.ShareName {
			return true
		}
	}
	return false
}

// Lookup returns all entries that match the topic name.
// Wildcards at the first level never match topics starting with '$'.
func (t *TrieIndex) Lookup(topic string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := strings.Split(topic, "/")
	var matched []Entry
	if strings.HasPrefix(topic, "$") {
		if child, ok := t.root.children[levels[0]]; ok {
			matchLevel(child, levels, 1, &matched)
		}
		return matched
	}
	matchLevel(t.root, levels, 0, &matched)
	return matched
}

func matchLevel(n *node, levels []string, index int, matched *[]Entry) {
	if index == len(levels) {
		// Reached end of topic - include exact matches and # wildcards
		appendEntries(n, matched)
		if wild, ok := n.children["#"]; ok {
			appendEntries(wild, matched)
		}
		return
	}

	level := levels[index]

	if child, ok := n.children[level]; ok {
		matchLevel(child, levels, index+1, matched)
	}
	if child, ok := n.children["+"]; ok {
		matchLevel(child, levels, index+1, matched)
	}
	if child, ok := n.children["#"]; ok {
		appendEntries(child, matched)
	}
}

func appendEntries(n *node, matched *[]Entry) {
	for _, e := range n.entries {
		*matched = append(*matched, e)
	}
}
