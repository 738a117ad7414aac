// Package natsbus carries the engine protocol over NATS so the engine can
// run on another machine.
//
// Subjects, for a prefix P:
//
//	P.request  requests, one JSON object per message, with a reply inbox
//	P.events   device, ready and load failure messages for every client
//	P.hello    asks the host to repeat its device and ready messages
//
// Each client owns a reply inbox. Messages about a request go only to the
// inbox it was sent with, so several narrators can share one host.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "narrator.engine"

type subjects struct {
	request string
	events  string
	hello   string
}

func subjectsFor(prefix string) subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return subjects{
		request: prefix + ".request",
		events:  prefix + ".events",
		hello:   prefix + ".hello",
	}
}

// Connect dials a NATS server.
func Connect(url string, timeout time.Duration) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("narrator"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Debug("NATS: connected", "url", conn.ConnectedUrl())
	return conn, nil
}

// Client is an engine reached over NATS.
type Client struct {
	conn     *nats.Conn
	subjects subjects
	inbox    string
	subs     []*nats.Subscription
	mailbox  *engine.Mailbox

	mu     sync.Mutex
	closed bool
}

var _ engine.Engine = (*Client)(nil)

// NewClient subscribes to the engine events under prefix and to a fresh
// reply inbox, then asks the host to announce itself.
func NewClient(conn *nats.Conn, prefix string) (*Client, error) {
	c := &Client{
		conn:     conn,
		subjects: subjectsFor(prefix),
		inbox:    nats.NewInbox(),
		mailbox:  engine.NewMailbox(),
	}

	for _, subject := range []string{c.subjects.events, c.inbox} {
		sub, err := conn.Subscribe(subject, c.handleEvent)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	if err := conn.Flush(); err != nil {
		c.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	if err := conn.PublishRequest(c.subjects.hello, c.inbox, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("publish hello: %w", err)
	}
	return c, nil
}

func (c *Client) handleEvent(m *nats.Msg) {
	msg, err := engine.UnmarshalMessage(m.Data)
	if err != nil {
		log.Warn("NATS: dropping engine event", "error", err)
		return
	}
	c.mailbox.Put(msg)
}

// Send implements engine.Engine. Publishing is buffered by the NATS client
// and does not wait for the host.
func (c *Client) Send(req engine.Request) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ttypes.ErrEngineClosed
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.conn.PublishRequest(c.subjects.request, c.inbox, data)
}

// Messages implements engine.Engine.
func (c *Client) Messages() <-chan engine.Message {
	return c.mailbox.C()
}

// Close implements engine.Engine. The connection stays open; it belongs
// to the caller.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		errs = append(errs, sub.Unsubscribe())
	}
	c.mailbox.Close()
	return errors.Join(errs...)
}

// router addresses engine messages. The engine runs one request at a time
// and its messages carry no request identity, so the router remembers
// whose request is in flight.
type router struct {
	conn   *nats.Conn
	events string

	mu       sync.Mutex
	owner    string // reply inbox of the request in flight
	announce []engine.Message
}

// claim makes reply the owner of the next request. It fails while another
// request is in flight.
func (r *router) claim(reply string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner != "" {
		return false
	}
	r.owner = reply
	return true
}

// release ends the request in flight and returns its reply inbox.
func (r *router) release() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.owner
	r.owner = ""
	return owner
}

func (r *router) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

func (r *router) announcements() []engine.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Message(nil), r.announce...)
}

func (r *router) publish(subject string, msg engine.Message) {
	data, err := engine.MarshalMessage(msg)
	if err != nil {
		log.Warn("NATS: encode engine message", "error", err)
		return
	}
	if err := r.conn.Publish(subject, data); err != nil {
		log.Warn("NATS: publish engine message", "status", msg.Status(), "subject", subject, "error", err)
	}
}

// route sends an engine message to whoever it concerns.
func (r *router) route(msg engine.Message) {
	switch msg.(type) {
	case engine.DeviceMsg, engine.ReadyMsg:
		r.mu.Lock()
		r.announce = append(r.announce, msg)
		r.mu.Unlock()
		r.publish(r.events, msg)
	case engine.StreamMsg:
		if owner := r.current(); owner != "" {
			r.publish(owner, msg)
		} else {
			log.Warn("NATS: dropping stream chunk with no request in flight")
		}
	case engine.CompleteMsg:
		if owner := r.release(); owner != "" {
			r.publish(owner, msg)
		} else {
			log.Warn("NATS: dropping completion with no request in flight")
		}
	case engine.ErrorMsg:
		// An error with nothing in flight is an engine failure every
		// client needs to see.
		if owner := r.release(); owner != "" {
			r.publish(owner, msg)
		} else {
			r.publish(r.events, msg)
		}
	}
}

// Serve hosts eng on the bus until ctx is cancelled or the engine exits.
//
// One request is in flight at a time. A request arriving while another is
// in flight is answered with an "already processing" error and never
// reaches eng.
func Serve(ctx context.Context, conn *nats.Conn, prefix string, eng engine.Engine) error {
	subj := subjectsFor(prefix)
	r := &router{conn: conn, events: subj.events}

	reqSub, err := conn.Subscribe(subj.request, func(m *nats.Msg) {
		if m.Reply == "" {
			log.Warn("NATS: dropping request without a reply inbox")
			return
		}
		var req engine.Request
		if err := json.Unmarshal(m.Data, &req); err != nil {
			log.Warn("NATS: bad request", "error", err)
			r.publish(m.Reply, engine.ErrorMsg{Error: fmt.Sprintf("invalid request: %v", err)})
			return
		}
		if !r.claim(m.Reply) {
			log.Debug("NATS: request rejected, engine busy", "reply", m.Reply)
			r.publish(m.Reply, engine.ErrorMsg{Error: ttypes.EngineBusyProcessing})
			return
		}
		if err := eng.Send(req); err != nil {
			r.release()
			r.publish(m.Reply, engine.ErrorMsg{Error: err.Error()})
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj.request, err)
	}
	defer reqSub.Unsubscribe()

	helloSub, err := conn.Subscribe(subj.hello, func(m *nats.Msg) {
		target := m.Reply
		if target == "" {
			target = subj.events
		}
		for _, msg := range r.announcements() {
			r.publish(target, msg)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj.hello, err)
	}
	defer helloSub.Unsubscribe()

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	log.Info("NATS: serving engine", "subject", subj.request)

	for {
		select {
		case msg, ok := <-eng.Messages():
			if !ok {
				return ttypes.ErrEngineClosed
			}
			r.route(msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartEmbedded runs a NATS server in-process. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*server.Server, error) {
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}
	log.Info("NATS: embedded server started", "url", ns.ClientURL())
	return ns, nil
}
