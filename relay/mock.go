package relay

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockDialer is an in-memory Dialer for tests.
type MockDialer struct {
	Conn    *MockConnection
	DialErr error
	LastURL string
}

// NewMockDialer creates a dialer wired to a working mock connection.
func NewMockDialer() *MockDialer {
	return &MockDialer{Conn: &MockConnection{Ch: &MockChannel{}}}
}

func (m *MockDialer) Dial(url string) (Connection, error) {
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.Conn, nil
}

// MockConnection is an in-memory Connection.
type MockConnection struct {
	Ch         *MockChannel
	ChannelErr error
	Closed     bool
}

func (m *MockConnection) Channel() (Channel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.Ch, nil
}

func (m *MockConnection) Close() error {
	m.Closed = true
	return nil
}

// PublishedMessage records one Publish call.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// MockChannel records declared exchanges and published messages.
type MockChannel struct {
	mu         sync.Mutex
	Exchanges  []string
	Published  []PublishedMessage
	DeclareErr error
	PublishErr error
	Closed     bool
}

func (m *MockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeclareErr != nil {
		return m.DeclareErr
	}
	m.Exchanges = append(m.Exchanges, name)
	return nil
}

func (m *MockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, PublishedMessage{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MockChannel) Messages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.Published))
	copy(out, m.Published)
	return out
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
