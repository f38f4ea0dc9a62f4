package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seriado/ollagate/internal/monitoring"
	"github.com/seriado/ollagate/internal/protocol"
)

const (
	// maxMessageSize bounds an inbound frame. Prompts are the largest
	// legitimate payload; 1MB is far beyond any sane prompt.
	maxMessageSize = 1 << 20

	// writeWait is the per-frame write deadline in the write pump.
	writeWait = 10 * time.Second

	// pongGrace is added to the ping interval to form the read deadline.
	pongGrace = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway authenticates by challenge signature, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket accepts a connection, issues the challenge, arms the
// authentication deadline, and runs the read loop until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.stopping) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := getClientIP(r)
	if s.connLimiter != nil && !s.connLimiter.Allow(ip) {
		s.logger.Warn().Str("ip", ip).Msg("Connection attempt rate limited")
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	id, err := newConnectionID()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate connection id")
		_ = ws.Close()
		return
	}

	conn := newConn(id, ws, ip)
	s.conns.Store(id, conn)
	atomic.AddInt64(&s.connCount, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	s.logger.Info().
		Str("connection_id", id).
		Str("ip", ip).
		Msg("Connection accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(conn)
	}()

	challenge, err := s.challenges.Issue(id)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", id).Msg("Failed to issue challenge")
		conn.close(protocol.CloseServerError, "internal_error")
		s.teardown(conn)
		return
	}

	timer := time.AfterFunc(s.cfg.AuthTimeout, func() { s.authTimeout(conn) })
	conn.setAwaiting(challenge, timer)

	s.sendJSON(conn, protocol.Challenge{
		Envelope:  protocol.NewEnvelope(protocol.TypeChallenge, ""),
		Challenge: challenge,
	})

	s.readLoop(conn)
	s.teardown(conn)
}

// authTimeout fires when the peer fails to authenticate within the deadline.
// A connection that reached AUTHENTICATED first is left alone.
func (s *Server) authTimeout(conn *Conn) {
	if conn.State() != StateAwaitingSignature {
		return
	}
	s.logger.Info().
		Str("connection_id", conn.ID()).
		Str("ip", conn.Peer()).
		Msg("Authentication deadline expired")
	monitoring.AuthAttempts.WithLabelValues(monitoring.AuthOutcomeTimeout).Inc()

	s.sendJSON(conn, protocol.ErrorMessage{
		Envelope: protocol.NewEnvelope(protocol.TypeError, ""),
		Error:    "Authentication timeout",
		Code:     protocol.CodeAuthenticationTimeout,
	})
	conn.close(protocol.CloseAuthTimeout, "authentication_timeout")
}

// readLoop pulls frames until the connection errors or closes. Frame
// dispatch happens inline; generation streaming forks its own goroutine.
func (s *Server) readLoop(conn *Conn) {
	conn.ws.SetReadLimit(maxMessageSize)
	readWait := s.cfg.PingInterval + pongGrace
	_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().
					Err(err).
					Str("connection_id", conn.ID()).
					Msg("Read loop terminated")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
		monitoring.MessagesReceived.Inc()
		s.dispatch(conn, data)
	}
}

// teardown finalizes a connection: cancels owned generations, clears the
// pending challenge, and removes the connection from the live set.
func (s *Server) teardown(conn *Conn) {
	conn.markClosed()
	conn.closeOnce.Do(func() { _ = conn.ws.Close() })

	if _, loaded := s.conns.LoadAndDelete(conn.ID()); !loaded {
		return
	}
	atomic.AddInt64(&s.connCount, -1)
	monitoring.ConnectionsActive.Dec()

	s.challenges.Clear(conn.ID())
	aborted := s.generations.abortOwned(conn.ID())

	s.logger.Info().
		Str("connection_id", conn.ID()).
		Str("client_id", conn.ClientID()).
		Int("aborted_generations", aborted).
		Dur("duration", time.Since(conn.connectedAt)).
		Msg("Connection closed")
}

// writePump is the single writer for a connection. It serializes data frames
// and the final close frame, and emits keepalive pings on the configured
// interval.
func (s *Server) writePump(conn *Conn) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case out := <-conn.out:
			if out.close {
				msg := websocket.FormatCloseMessage(out.closeCode, out.closeText)
				_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				conn.closeOnce.Do(func() { _ = conn.ws.Close() })
				return
			}
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, out.data); err != nil {
				conn.closeOnce.Do(func() { _ = conn.ws.Close() })
				return
			}
			monitoring.MessagesSent.Inc()
		case <-pingTicker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.closeOnce.Do(func() { _ = conn.ws.Close() })
				return
			}
		case <-conn.done:
			return
		}
	}
}

// sendJSON marshals v and enqueues it on the connection's outbound channel.
func (s *Server) sendJSON(conn *Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", conn.ID()).Msg("Failed to marshal frame")
		return
	}
	if !conn.send(data) {
		s.logger.Debug().
			Str("connection_id", conn.ID()).
			Msg("Dropped outbound frame (connection closing or saturated)")
	}
}

// getClientIP extracts the originating address, honoring X-Forwarded-For
// when a proxy sits in front of the gateway.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
