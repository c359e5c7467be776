// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockNode struct {
	nodeID     string
	ready      bool
	sessions   int
	connected  int
	processing int
	peers      []string
}

func (m *mockNode) NodeID() string       { return m.nodeID }
func (m *mockNode) Ready() bool          { return m.ready }
func (m *mockNode) SessionCount() int    { return m.sessions }
func (m *mockNode) ConnectedCount() int  { return m.connected }
func (m *mockNode) ProcessingCount() int { return m.processing }
func (m *mockNode) Peers() []string      { return m.peers }

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, &mockNode{}, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, &mockNode{}, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request returns healthy", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request not allowed", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request not allowed", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != "healthy" {
				t.Errorf("expected status %q, got %q", "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		node           Node
		method         string
		expectedStatus int
		expectedBody   ReadyResponse
	}{
		{
			name:           "no engine",
			node:           nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   ReadyResponse{Status: "not_ready", Details: "engine not initialized"},
		},
		{
			name:           "engine not started",
			node:           &mockNode{nodeID: "node-1"},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   ReadyResponse{Status: "not_ready", Details: "engine not running"},
		},
		{
			name:           "engine running",
			node:           &mockNode{nodeID: "node-1", ready: true},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   ReadyResponse{Status: "ready"},
		},
		{
			name:           "POST request not allowed",
			node:           &mockNode{ready: true},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.node, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.method != http.MethodGet {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response != tt.expectedBody {
				t.Errorf("expected %+v, got %+v", tt.expectedBody, response)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		node     *mockNode
		expected StatusResponse
	}{
		{
			name: "single node",
			node: &mockNode{nodeID: "node-1", ready: true, sessions: 3, connected: 2, processing: 1},
			expected: StatusResponse{
				NodeID:          "node-1",
				Sessions:        3,
				Connected:       2,
				ProcessingLoops: 1,
			},
		},
		{
			name: "with peers",
			node: &mockNode{nodeID: "node-1", ready: true, sessions: 5, connected: 5, processing: 4, peers: []string{"node-2", "node-3"}},
			expected: StatusResponse{
				NodeID:          "node-1",
				ClusterMode:     true,
				Peers:           []string{"node-2", "node-3"},
				Sessions:        5,
				Connected:       5,
				ProcessingLoops: 4,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.node, slog.Default())

			req := httptest.NewRequest(http.MethodGet, "http://test/node/status", nil)
			rec := httptest.NewRecorder()

			server.handleStatus(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
			}

			var response StatusResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.NodeID != tt.expected.NodeID || response.ClusterMode != tt.expected.ClusterMode {
				t.Errorf("expected node %q cluster %v, got %q cluster %v",
					tt.expected.NodeID, tt.expected.ClusterMode, response.NodeID, response.ClusterMode)
			}
			if response.Sessions != tt.expected.Sessions ||
				response.Connected != tt.expected.Connected ||
				response.ProcessingLoops != tt.expected.ProcessingLoops {
				t.Errorf("expected %+v, got %+v", tt.expected, response)
			}
			if len(response.Peers) != len(tt.expected.Peers) {
				t.Errorf("expected peers %v, got %v", tt.expected.Peers, response.Peers)
			}
		})
	}
}

func TestStatusEndpointWithoutEngine(t *testing.T) {
	server := New(Config{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/node/status", nil)
	rec := httptest.NewRecorder()

	server.handleStatus(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &mockNode{ready: true}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.Addr() == "" {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/ready")
	if err != nil {
		t.Fatalf("GET /ready failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d: %s", http.StatusOK, resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
