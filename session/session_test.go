// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPersistent(t *testing.T) {
	tests := []struct {
		name       string
		cleanStart bool
		expiry     uint32
		want       bool
	}{
		{"clean start without expiry", true, 0, false},
		{"clean start with expiry", true, 60, true},
		{"persistent", false, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ClientID: "c", CleanStart: tt.cleanStart, ExpiryInterval: tt.expiry}
			assert.Equal(t, tt.want, s.IsPersistent())
		})
	}
}

func TestConnectedFlag(t *testing.T) {
	s := &Session{ClientID: "c"}
	assert.False(t, s.IsConnected())
	s.SetConnected(true)
	assert.True(t, s.IsConnected())
	assert.Equal(t, 0, s.InFlightCount())
}

func TestNextPacketID(t *testing.T) {
	s := &Session{ClientID: "c"}
	assert.Equal(t, uint16(1), s.NextPacketID())
	assert.Equal(t, uint16(2), s.NextPacketID())

	s.packetID.Store(65534)
	assert.Equal(t, uint16(65535), s.NextPacketID())
	assert.Equal(t, uint16(1), s.NextPacketID())
}

func TestCache(t *testing.T) {
	c := NewCache()

	a := &Session{ClientID: "a"}
	a.SetConnected(true)
	c.Set(a)
	c.Set(&Session{ClientID: "b"})

	assert.Same(t, a, c.Get("a"))
	assert.Nil(t, c.Get("missing"))
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, 1, c.ConnectedCount())

	assert.True(t, c.Delete("b"))
	assert.False(t, c.Delete("b"))
	assert.Equal(t, 1, c.Count())
}

func TestClientTypeString(t *testing.T) {
	assert.Equal(t, "device", Device.String())
	assert.Equal(t, "application", Application.String())
}
