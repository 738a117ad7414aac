package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dgnsrekt/narrator/internal/narration"
)

// Mailbox carries controller events into the program in the order they
// were emitted. Listen never blocks, so it is safe to hand to the
// controller as its listener.
type Mailbox struct {
	mu     sync.Mutex
	items  []tea.Msg
	notify chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Listen is a narration.Listener.
func (m *Mailbox) Listen(ev narration.Event) {
	m.put(eventMsg{ev})
}

// Close releases a pending wait.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Mailbox) put(msg tea.Msg) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// wait returns a command that delivers the next message. Only one wait may
// be outstanding; the model issues the next one after each delivery.
func (m *Mailbox) wait() tea.Cmd {
	return func() tea.Msg {
		for {
			m.mu.Lock()
			if len(m.items) > 0 {
				msg := m.items[0]
				m.items[0] = nil
				m.items = m.items[1:]
				m.mu.Unlock()
				return msg
			}
			m.mu.Unlock()

			select {
			case <-m.notify:
			case <-m.done:
				return nil
			}
		}
	}
}
