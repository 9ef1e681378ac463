// Package link implements the named, bidirectional message channels that
// connect the service's execution contexts (page observer, coordinator,
// panel). A Hub is owned by the coordinator process; peers open ports against
// it by name. Delivery is fire-and-forget and FIFO within one channel.
// Disconnection surfaces through a callback on the surviving side, never as a
// lost message: a send on a dead port fails with ErrChannelClosed so the
// caller knows to reconnect instead of retrying blindly.
package link

import (
	"errors"
	"sync"
)

var (
	// ErrChannelClosed is returned by Send when either side of the channel
	// has been torn down.
	ErrChannelClosed = errors.New("link: channel closed")

	// ErrHostInvalidated is returned by Open when the hub itself has been
	// shut down. It is the "host gone" condition, distinct from a single
	// channel dropping.
	ErrHostInvalidated = errors.New("link: host invalidated")
)

// Hub accepts connections from other contexts. The owning context registers
// an OnConnect listener to receive the hub-side port of each new channel.
type Hub struct {
	mu        sync.Mutex
	closed    bool
	onConnect func(*Port)
	ports     map[*Port]struct{}
}

func NewHub() *Hub {
	return &Hub{ports: make(map[*Port]struct{})}
}

// OnConnect registers the listener invoked with the hub-side port whenever a
// peer opens a channel. Must be set before peers connect.
func (h *Hub) OnConnect(fn func(*Port)) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// Open creates a new channel named after the connecting context and returns
// the peer-side port. The hub-side port is handed to the OnConnect listener.
func (h *Hub) Open(name string) (*Port, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostInvalidated
	}
	local := newPort(name)
	remote := newPort(name)
	local.peer = remote
	remote.peer = local
	remote.release = func() { h.forget(remote) }
	h.ports[remote] = struct{}{}
	fn := h.onConnect
	h.mu.Unlock()

	if fn != nil {
		fn(remote)
	}
	return local, nil
}

// Close tears the hub down. Every open channel disconnects and later Open
// calls fail with ErrHostInvalidated.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ports := make([]*Port, 0, len(h.ports))
	for p := range h.ports {
		ports = append(ports, p)
	}
	h.ports = make(map[*Port]struct{})
	h.mu.Unlock()
	for _, p := range ports {
		p.Close()
	}
}

func (h *Hub) forget(p *Port) {
	h.mu.Lock()
	delete(h.ports, p)
	h.mu.Unlock()
}

// Closed reports whether the hub has been shut down.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Port is one side's handle on a channel. Messages sent before the receiver
// registers a handler are held in the mailbox, so nothing is dropped during
// listener setup. Each port delivers its mailbox from a single goroutine,
// preserving send order.
type Port struct {
	name string
	peer *Port

	mu           sync.Mutex
	cond         *sync.Cond
	mailbox      []Message
	handler      func(Message)
	onDisconnect func()
	closed       bool
	peerClosed   bool // the other side tore the channel down
	release      func()
}

func newPort(name string) *Port {
	p := &Port{name: name}
	p.cond = sync.NewCond(&p.mu)
	go p.pump()
	return p
}

// Name returns the channel name given at Open.
func (p *Port) Name() string { return p.name }

// Send enqueues a message into the peer's mailbox. It fails with
// ErrChannelClosed once either side has closed; it never blocks on the
// receiver.
func (p *Port) Send(m Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return p.peer.deliver(m)
}

func (p *Port) deliver(m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrChannelClosed
	}
	p.mailbox = append(p.mailbox, m)
	p.cond.Signal()
	return nil
}

// OnMessage registers the handler invoked for each inbound message, in order.
// Messages that arrived before registration are delivered first.
func (p *Port) OnMessage(fn func(Message)) {
	p.mu.Lock()
	p.handler = fn
	p.cond.Signal()
	p.mu.Unlock()
}

// OnDisconnect registers the callback fired when the other side closes the
// channel. If the peer already closed, fn fires immediately, so a close
// landing between Open and registration is not lost. Closing one's own port
// does not fire one's own callback.
func (p *Port) OnDisconnect(fn func()) {
	p.mu.Lock()
	p.onDisconnect = fn
	gone := p.peerClosed
	p.mu.Unlock()
	if gone {
		fn()
	}
}

// Close tears down both sides of the channel and fires the peer's disconnect
// callback. Close is idempotent.
func (p *Port) Close() {
	if !p.shutdown() {
		return
	}
	if p.peer.shutdown() {
		p.peer.notifyDisconnect()
	}
}

// shutdown marks the port closed and wakes the pump. Returns false if the
// port was already closed.
func (p *Port) shutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.cond.Signal()
	if p.release != nil {
		go p.release()
	}
	return true
}

func (p *Port) notifyDisconnect() {
	p.mu.Lock()
	p.peerClosed = true
	fn := p.onDisconnect
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// pump drains the mailbox to the handler one message at a time. Undelivered
// messages are abandoned on close: queue-until-reconnect is the coordinator's
// responsibility, not the channel's.
func (p *Port) pump() {
	for {
		p.mu.Lock()
		for !p.closed && (p.handler == nil || len(p.mailbox) == 0) {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		m := p.mailbox[0]
		p.mailbox = p.mailbox[1:]
		fn := p.handler
		p.mu.Unlock()
		fn(m)
	}
}
