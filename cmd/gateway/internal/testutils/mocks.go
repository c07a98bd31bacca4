package testutils

import (
	"context"
	"sync"
	"testing"

	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.WSResponse // decoded JSON responses
	RawBytes []string              // wire records
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Type
}

func (m *MockClient) LastMessage() protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return protocol.WSResponse{}
	}
	return m.Messages[len(m.Messages)-1]
}

// Statuses returns the rate status messages received so far
func (m *MockClient) Statuses() []protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []protocol.WSResponse
	for _, msg := range m.Messages {
		if msg.Type == "status" {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockClient) Records() []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]string(nil), m.RawBytes...)
}

// MockRateStore simulates the hub cluster cache
type MockRateStore struct {
	SubscribedChannels map[string]int // rate name -> count
	Snapshots          map[string]string
	Failures           map[string]string // rate name -> error text, flags the rate as ERROR
	Mu                 sync.Mutex
}

func NewMockStore() *MockRateStore {
	return &MockRateStore{
		SubscribedChannels: make(map[string]int),
		Snapshots: map[string]string{
			"EURUSD": "EURUSD|1.0805|1.0807|2024-03-14T09:30:00.125Z",
		},
	}
}

func (m *MockRateStore) GetSnapshots(ctx context.Context, rateNames []string) ([]repository.Snapshot, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []repository.Snapshot
	for _, name := range rateNames {
		record, hasValue := m.Snapshots[name]
		failure, failed := m.Failures[name]
		switch {
		case failed:
			out = append(out, repository.Snapshot{RateName: name, Record: record, State: models.StateError, Err: failure})
		case hasValue:
			out = append(out, repository.Snapshot{RateName: name, Record: record, State: models.StateAvailable})
		}
	}
	return out, nil
}

func (m *MockRateStore) SubscribeToFeed(ctx context.Context, rateName string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[rateName]++
	return nil
}

func (m *MockRateStore) UnsubscribeFromFeed(ctx context.Context, rateName string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.SubscribedChannels[rateName]--
	if m.SubscribedChannels[rateName] <= 0 {
		delete(m.SubscribedChannels, rateName)
	}
	return nil
}

func (m *MockRateStore) Subscriptions(rateName string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.SubscribedChannels[rateName]
}

func (m *MockRateStore) RunPubSub(ctx context.Context, onMessage func(rateName string, payload string)) {
	// no upstream in unit tests; Broadcast is driven directly
}

func (m *MockRateStore) Close() error { return nil }

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
