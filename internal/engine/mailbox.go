package engine

import "sync"

// Mailbox is an unbounded, ordered buffer in front of a message channel.
// Producers never block; a single goroutine delivers to the channel.
type Mailbox struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	wake   chan struct{}
	out    chan Message
}

// NewMailbox creates a mailbox and starts its delivery goroutine.
func NewMailbox() *Mailbox {
	m := &Mailbox{
		wake: make(chan struct{}, 1),
		out:  make(chan Message),
	}
	go m.deliver()
	return m
}

// Put queues msg for delivery. It reports false once the mailbox is closed.
func (m *Mailbox) Put(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()

	m.signal()
	return true
}

// Close stops accepting messages. Queued messages are still delivered,
// then the channel is closed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// C returns the delivery channel.
func (m *Mailbox) C() <-chan Message {
	return m.out
}

func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox) deliver() {
	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				close(m.out)
				return
			}
			<-m.wake
			continue
		}
		msg := m.items[0]
		m.items[0] = nil
		m.items = m.items[1:]
		m.mu.Unlock()

		m.out <- msg
	}
}
