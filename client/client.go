// Package client is the Go runtime for gateway consumers: it dials the
// WebSocket endpoint, answers the signature challenge, keeps the connection
// alive, correlates request/response calls, routes generation streams to
// per-request handlers, and reconnects with jittered backoff when the
// connection drops.
package client

import (
	"context"
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/seriado/ollagate/internal/auth"
)

var (
	// ErrClosed is returned after Close; a closed client never reconnects.
	ErrClosed = errors.New("client is closed")

	// ErrNotConnected is returned by calls made without a live connection.
	ErrNotConnected = errors.New("client is not connected")

	// ErrConnectionLost resolves in-flight calls and streams when the
	// connection drops underneath them.
	ErrConnectionLost = errors.New("connection lost")
)

// AuthError reports a rejected authentication attempt. RetryAfter is set
// when the gateway's backoff limiter blocked the attempt; Permanent means
// retrying with the same credentials cannot succeed and the reconnect loop
// must stop.
type AuthError struct {
	Reason            string
	RetryAfter        time.Duration
	RemainingAttempts int
	Permanent         bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// State is the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// GenerateRequest describes one streaming generation.
type GenerateRequest struct {
	Prompt       string
	Model        string // empty uses the gateway default
	Temperature  *float64
	TopP         *float64
	TopK         *int
	MaxTokens    *int
	SystemPrompt string
}

// StreamResult summarizes a finished generation stream.
type StreamResult struct {
	RequestID   string
	TotalTokens int
	Elapsed     time.Duration
	Cancelled   bool
}

// StreamHandlers receives the frames of one generation stream. Handlers run
// on the read goroutine and must not block; nil handlers are skipped.
// Exactly one of OnEnd or OnError fires last.
type StreamHandlers struct {
	OnStart func(model string)
	OnToken func(token string)
	OnEnd   func(result StreamResult)
	OnError func(err error)
}

// Client is a gateway connection with automatic keepalive and reconnection.
// All methods are safe for concurrent use.
type Client struct {
	url      string
	clientID string
	key      crypto.PrivateKey

	opts    options
	logger  zerolog.Logger
	events  *eventBus
	pending *pendingTable

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	permanentErr error

	closed    chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	streamMu sync.Mutex
	streams  map[string]StreamHandlers
}

// New builds a client for the given gateway URL (ws:// or wss://), client id,
// and PEM private key. The key must match the public key the identity was
// registered with.
func New(gatewayURL, clientID, privateKeyPEM string, opts ...Option) (*Client, error) {
	if gatewayURL == "" {
		return nil, errors.New("gateway URL is required")
	}
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	key, err := auth.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		url:      gatewayURL,
		clientID: clientID,
		key:      key,
		opts:     o,
		logger:   o.logger.With().Str("component", "gateway_client").Logger(),
		events:   newEventBus(),
		pending:  newPendingTable(),
		closed:   make(chan struct{}),
		streams:  make(map[string]StreamHandlers),
	}, nil
}

// On subscribes to a lifecycle event. The returned function unsubscribes.
func (c *Client) On(t EventType, fn func(Event)) func() {
	return c.events.subscribe(t, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the gateway and completes the challenge handshake. On
// success the keepalive and read loops are running and the client is ready
// for calls. Connection drops after a successful Connect trigger the
// reconnect loop unless reconnection is disabled or the failure is
// permanent.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.connectOnce(ctx)
}

// Close tears the connection down and disables reconnection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.pending.failAll(ErrClosed)
	c.failStreams(ErrClosed)
	return nil
}

// Generate starts a streaming generation and returns its request id, which
// Stop accepts. Frames are delivered to h on the read goroutine.
func (c *Client) Generate(req GenerateRequest, h StreamHandlers) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("prompt is required")
	}

	id := c.newMessageID("gen")
	c.streamMu.Lock()
	c.streams[id] = h
	c.streamMu.Unlock()

	frame := generateFrame{
		envelope: newEnvelope(typeGenerate, id),
		Prompt:   req.Prompt,
		Model:    req.Model,
	}
	if req.Temperature != nil || req.TopP != nil || req.TopK != nil || req.MaxTokens != nil || req.SystemPrompt != "" {
		frame.Options = &wireOptions{
			Temperature:  req.Temperature,
			TopP:         req.TopP,
			TopK:         req.TopK,
			MaxTokens:    req.MaxTokens,
			SystemPrompt: req.SystemPrompt,
		}
	}

	if err := c.sendFrame(frame); err != nil {
		c.streamMu.Lock()
		delete(c.streams, id)
		c.streamMu.Unlock()
		return "", err
	}
	return id, nil
}

// Stop cancels an active generation. A nil return means the gateway
// acknowledged the cancellation; the stream still receives its final
// stream_end frame with the cancelled flag set.
func (c *Client) Stop(ctx context.Context, requestID string) error {
	id := c.newMessageID("stop")
	frame, err := c.call(ctx, id, stopFrame{
		envelope:  newEnvelope(typeStop, id),
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	var ack ackFrame
	if err := json.Unmarshal(frame.data, &ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	if !ack.Success {
		if ack.Message != "" {
			return errors.New(ack.Message)
		}
		return errors.New("stop rejected")
	}
	return nil
}

// Models fetches the list of models available behind the gateway.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	id := c.newMessageID("models")
	frame, err := c.call(ctx, id, modelsFrame(id))
	if err != nil {
		return nil, err
	}

	var result modelsResultFrame
	if err := json.Unmarshal(frame.data, &result); err != nil {
		return nil, fmt.Errorf("decode models result: %w", err)
	}
	return result.Models, nil
}

// Ping round-trips an application-level ping and returns the latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	id := c.newMessageID("ping")
	if _, err := c.call(ctx, id, pingFrame(id)); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// call sends a frame carrying an id and waits for the answer correlated to
// that id, bounded by ctx and the configured request timeout.
func (c *Client) call(ctx context.Context, id string, frame any) (*rawFrame, error) {
	ch := c.pending.add(id)

	if err := c.sendFrame(frame); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(c.opts.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-timer.C:
		c.pending.remove(id)
		return nil, fmt.Errorf("request %s timed out", id)
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.pending.remove(id)
		return nil, ErrClosed
	}
}

// connectOnce performs one dial plus handshake attempt.
func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.events.emit(Event{Type: EventConnecting})

	fail := func(err error) error {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fail(fmt.Errorf("dial %s: %w", c.url, err))
	}

	if err := c.handshake(ws); err != nil {
		_ = ws.Close()
		var ae *AuthError
		if errors.As(err, &ae) {
			c.events.emit(Event{Type: EventAuthFailed, Err: err})
			if ae.Permanent {
				c.mu.Lock()
				c.permanentErr = err
				c.mu.Unlock()
			}
		}
		return fail(err)
	}

	c.mu.Lock()
	c.conn = ws
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.pingLoop(ws)

	c.logger.Info().Str("url", c.url).Str("client_id", c.clientID).Msg("Connected and authenticated")
	c.events.emit(Event{Type: EventConnected})
	c.events.emit(Event{Type: EventAuthenticated})
	return nil
}

// handshake reads the challenge, signs it, and waits for the verdict.
func (c *Client) handshake(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.challengeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for challenge: %w", err)
	}

	var ch challengeFrame
	if err := json.Unmarshal(data, &ch); err != nil || ch.Type != typeChallenge || ch.Challenge == "" {
		return errors.New("gateway did not send a challenge")
	}

	sig, err := auth.Sign(c.key, c.opts.algorithm, []byte(ch.Challenge))
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}

	authMsg := authenticateFrame{
		envelope:  newEnvelope(typeAuthenticate, c.newMessageID("auth")),
		ClientID:  c.clientID,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.challengeTimeout))
	if err := ws.WriteJSON(authMsg); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	// The verdict is the next auth_result; the gateway may interleave error
	// frames (e.g. the deadline firing) which are terminal too.
	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.challengeTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for auth result: %w", err)
		}
		frame, err := decodeFrame(data)
		if err != nil {
			continue
		}

		switch frame.Type {
		case typeAuthResult:
			var result authResultFrame
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("decode auth result: %w", err)
			}
			if result.Success {
				return nil
			}
			return &AuthError{
				Reason:            result.Error,
				RetryAfter:        time.Duration(result.RetryAfter) * time.Second,
				RemainingAttempts: result.RemainingAttempts,
				Permanent:         result.RetryAfter == 0,
			}
		case typeError:
			var ef errorFrame
			_ = json.Unmarshal(data, &ef)
			permanent := ef.Code == codeAuthenticationTimeout || ef.Code == codeInvalidAuthentication
			return &AuthError{Reason: ef.Error, Permanent: permanent}
		default:
			// Frames sent ahead of the verdict are ignored.
		}
	}
}

// readLoop pulls frames until the connection errors, then runs teardown.
func (c *Client) readLoop(ws *websocket.Conn) {
	readWait := 2*c.opts.pingInterval + 10*time.Second
	for {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		c.handleFrame(data)
	}
}

// pingLoop emits application-level pings on the configured interval.
func (c *Client) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.currentConn() != ws {
				return
			}
			if err := c.sendFrame(pingFrame(c.newMessageID("ping"))); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// handleFrame routes one inbound frame.
func (c *Client) handleFrame(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping unparseable frame")
		return
	}

	switch frame.Type {
	case typePong, typeAck, typeModelsResult:
		if !c.pending.resolve(frame.ID, frame) {
			c.logger.Debug().Str("type", frame.Type).Str("id", frame.ID).Msg("Uncorrelated response frame")
		}

	case typeStreamStart:
		var f streamStartFrame
		if json.Unmarshal(data, &f) == nil {
			if h, ok := c.streamHandlers(f.RequestID); ok && h.OnStart != nil {
				h.OnStart(f.Model)
			}
		}

	case typeStreamToken:
		var f streamTokenFrame
		if json.Unmarshal(data, &f) == nil {
			if h, ok := c.streamHandlers(f.RequestID); ok && h.OnToken != nil {
				h.OnToken(f.Token)
			}
		}

	case typeStreamEnd:
		var f streamEndFrame
		if json.Unmarshal(data, &f) == nil {
			if h, ok := c.takeStreamHandlers(f.RequestID); ok && h.OnEnd != nil {
				h.OnEnd(StreamResult{
					RequestID:   f.RequestID,
					TotalTokens: f.TotalTokens,
					Elapsed:     time.Duration(f.ElapsedTime) * time.Millisecond,
					Cancelled:   f.IsCancelled,
				})
			}
		}

	case typeError:
		var f errorFrame
		if json.Unmarshal(data, &f) != nil {
			return
		}
		if f.RequestID != "" {
			if h, ok := c.takeStreamHandlers(f.RequestID); ok {
				if h.OnError != nil {
					h.OnError(errors.New(f.Error))
				}
				return
			}
		}
		if f.ID != "" {
			c.pending.fail(f.ID, errors.New(f.Error))
			return
		}
		c.events.emit(Event{Type: EventError, Err: errors.New(f.Error)})

	default:
		c.logger.Debug().Str("type", frame.Type).Msg("Ignoring unexpected frame")
	}
}

// handleDisconnect tears down after a read failure and kicks off the
// reconnect loop when appropriate.
func (c *Client) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != ws {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	permanent := c.permanentErr != nil
	c.mu.Unlock()

	_ = ws.Close()
	c.pending.failAll(ErrConnectionLost)
	c.failStreams(ErrConnectionLost)

	c.logger.Info().Err(cause).Msg("Disconnected from gateway")
	c.events.emit(Event{Type: EventDisconnected, Err: cause})

	select {
	case <-c.closed:
		return
	default:
	}
	if c.opts.reconnect && !permanent {
		go c.reconnectLoop()
	}
}

// failStreams resolves every active stream with err.
func (c *Client) failStreams(err error) {
	c.streamMu.Lock()
	streams := c.streams
	c.streams = make(map[string]StreamHandlers)
	c.streamMu.Unlock()

	for _, h := range streams {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}

func (c *Client) streamHandlers(requestID string) (StreamHandlers, bool) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	h, ok := c.streams[requestID]
	return h, ok
}

func (c *Client) takeStreamHandlers(requestID string) (StreamHandlers, bool) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	h, ok := c.streams[requestID]
	if ok {
		delete(c.streams, requestID)
	}
	return h, ok
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// sendFrame writes one JSON frame. Writes serialize on a mutex; the gateway
// protocol needs no write pump on the client side.
func (c *Client) sendFrame(v any) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// newMessageID builds a correlation id: prefix, millisecond timestamp, and
// a random suffix.
func (c *Client) newMessageID(prefix string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}
