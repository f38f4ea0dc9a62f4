// Package server implements the gateway runtime: WebSocket accept and
// authentication, authenticated message dispatch, the streaming generation
// multiplexer, and the HTTP surface (registration, health, metrics).
package server

import (
	"context"
	"sync"
	"time"
)

// ConnState is the per-connection authentication state.
type ConnState int

const (
	StateNew ConnState = iota
	StateAwaitingSignature
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingSignature:
		return "awaiting_signature"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// outbound is one unit of work for the write pump: either a text frame or a
// close request. Queuing the close through the same channel keeps frame
// order; nothing enqueued after a close is written.
type outbound struct {
	data      []byte
	close     bool
	closeCode int
	closeText string
}

// wsConn is the transport surface Conn needs; *websocket.Conn satisfies it.
// Narrowed to an interface so pump and handler tests can fake the socket.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is the server-side state of one WebSocket connection. It owns the
// auth-deadline timer and the set of generation ids started on it; teardown
// cancels those generations and clears the pending challenge.
type Conn struct {
	id          string
	ws          wsConn
	peer        string
	connectedAt time.Time

	out       chan outbound
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu        sync.Mutex
	state     ConnState
	clientID  string
	challenge string
	authTimer *time.Timer
	closing   bool
}

const outboundBuffer = 256

func newConn(id string, ws wsConn, peer string) *Conn {
	return &Conn{
		id:          id,
		ws:          ws,
		peer:        peer,
		connectedAt: time.Now(),
		out:         make(chan outbound, outboundBuffer),
		done:        make(chan struct{}),
		state:       StateNew,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Peer returns the client address recorded at accept.
func (c *Conn) Peer() string { return c.peer }

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the bound identity, or "" before authentication.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// setAwaiting transitions NEW → AWAITING_SIGNATURE, storing the challenge
// copy and the armed auth-deadline timer.
func (c *Conn) setAwaiting(challenge string, timer *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAwaitingSignature
	c.challenge = challenge
	c.authTimer = timer
}

// authenticate transitions AWAITING_SIGNATURE → AUTHENTICATED, binding the
// identity and disarming the deadline. Returns false if the connection is
// already past awaiting.
func (c *Conn) authenticate(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingSignature {
		return false
	}
	c.state = StateAuthenticated
	c.clientID = clientID
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	return true
}

// currentChallenge returns the challenge copy held since accept.
func (c *Conn) currentChallenge() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge
}

// send enqueues a text frame. Returns false when the connection is closing
// or the buffer is saturated; a saturated buffer means the peer has stopped
// reading and the frame is dropped rather than blocking the caller.
func (c *Conn) send(data []byte) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.out <- outbound{data: data}:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close enqueues a close frame after any pending sends and marks the
// connection closing. Later sends are dropped. Idempotent.
func (c *Conn) close(code int, text string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()

	select {
	case c.out <- outbound{close: true, closeCode: code, closeText: text}:
	default:
		// Buffer saturated; tear the socket down directly.
		c.closeOnce.Do(func() { _ = c.ws.Close() })
	}
}

// markClosed finalizes the state machine and releases the write pump.
// Called from teardown.
func (c *Conn) markClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.closing = true
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Generation is one active streaming request, owned by a single connection.
type Generation struct {
	RequestID    string
	ConnectionID string
	Model        string
	StartTime    time.Time
	cancel       context.CancelFunc
}

// Abort cancels the upstream call feeding this generation.
func (g *Generation) Abort() {
	g.cancel()
}

// generationTable tracks active generations across all connections, keyed by
// the client-supplied request id. Lookups and removals are O(1).
type generationTable struct {
	mu sync.Mutex
	m  map[string]*Generation
}

func newGenerationTable() *generationTable {
	return &generationTable{m: make(map[string]*Generation)}
}

// register adds a generation; it fails when the request id is already live.
func (t *generationTable) register(g *Generation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.m[g.RequestID]; exists {
		return false
	}
	t.m[g.RequestID] = g
	return true
}

func (t *generationTable) lookup(requestID string) (*Generation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.m[requestID]
	return g, ok
}

func (t *generationTable) remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, requestID)
}

// abortOwned cancels and removes every generation owned by the connection.
// Returns how many were aborted.
func (t *generationTable) abortOwned(connectionID string) int {
	t.mu.Lock()
	var owned []*Generation
	for _, g := range t.m {
		if g.ConnectionID == connectionID {
			owned = append(owned, g)
		}
	}
	for _, g := range owned {
		delete(t.m, g.RequestID)
	}
	t.mu.Unlock()

	for _, g := range owned {
		g.Abort()
	}
	return len(owned)
}

func (t *generationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
