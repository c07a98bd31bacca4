package testutils

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/publisher"
)

type MockKafkaWriter struct {
	Messages   []kafka.Message
	Mu         sync.Mutex
	ShouldFail bool
	Closed     int
	// Block, when set, stalls every write until it is closed
	Block chan struct{}
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.Block != nil {
		<-m.Block
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("kafka error")
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed++
	return nil
}

// ByTopic returns the values written to one topic, in order
func (m *MockKafkaWriter) ByTopic(topic string) []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []string
	for _, msg := range m.Messages {
		if msg.Topic == topic {
			out = append(out, string(msg.Value))
		}
	}
	return out
}

// WaitFor polls until n messages were written or the timeout passes
func (m *MockKafkaWriter) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.Mu.Lock()
		got := len(m.Messages)
		m.Mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type MockKafkaReader struct {
	Messages []kafka.Message
	Index    int
	Mu       sync.Mutex
	// Closed simulates a closed connection or end of stream
	Closed bool
	// Errs are returned one per read before any message
	Errs  []error
	Reads int
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.Mu.Lock()
	m.Reads++
	if m.Closed {
		m.Mu.Unlock()
		return kafka.Message{}, io.EOF
	}
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		m.Mu.Unlock()
		return kafka.Message{}, err
	}
	if m.Index < len(m.Messages) {
		msg := m.Messages[m.Index]
		m.Index++
		m.Mu.Unlock()
		return msg, nil
	}
	m.Mu.Unlock()

	// Out of messages: behave like a live reader and wait for cancellation
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *MockKafkaReader) ReadCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Reads
}

func (m *MockKafkaReader) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

type MockClock struct {
	Mu          sync.Mutex
	CurrentTime time.Time
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Sleep(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

type MockRand struct {
	ValInt   int
	ValFloat float64
}

func (m *MockRand) Intn(n int) int   { return m.ValInt }
func (m *MockRand) Float64() float64 { return m.ValFloat }

type MockKafkaConn struct {
	CreatedTopics []string
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}
func (m *MockKafkaConn) Close() error { return nil }
func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	for _, t := range topics {
		m.CreatedTopics = append(m.CreatedTopics, t.Topic)
	}
	return nil
}
func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	// Simulate "Ready" state immediately
	return []kafka.Partition{{ID: 0}}, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Fail    bool
}

func (m *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (publisher.KafkaConn, error) {
	if m.Fail {
		return nil, errors.New("dial tcp: connection refused")
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}
