package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seriado/ollagate/internal/auth"
	"github.com/seriado/ollagate/internal/monitoring"
	"github.com/seriado/ollagate/internal/protocol"
	"github.com/seriado/ollagate/internal/registry"
)

// modelsTimeout bounds the upstream model-list call.
const modelsTimeout = 30 * time.Second

// dispatch routes one inbound frame according to connection state.
// Unauthenticated connections may only authenticate.
func (s *Server) dispatch(conn *Conn, data []byte) {
	raw, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, "", "Invalid JSON message", protocol.CodeInvalidRequest)
		return
	}

	if conn.State() != StateAuthenticated {
		if raw.Type == protocol.TypeAuthenticate {
			s.handleAuthenticate(conn, raw)
			return
		}
		s.sendError(conn, raw.ID, "Not authenticated", protocol.CodeInvalidAuth)
		return
	}

	switch raw.Type {
	case protocol.TypePing:
		s.sendJSON(conn, protocol.Pong{Envelope: protocol.NewEnvelope(protocol.TypePong, raw.ID)})
	case protocol.TypeModels:
		s.handleModels(conn, raw)
	case protocol.TypeGenerate:
		s.handleGenerate(conn, raw)
	case protocol.TypeStop:
		s.handleStop(conn, raw)
	case protocol.TypeBatch:
		s.handleBatch(conn, raw)
	case protocol.TypeAuthenticate:
		s.sendError(conn, raw.ID, "Already authenticated", protocol.CodeInvalidRequest)
	default:
		s.sendError(conn, raw.ID, fmt.Sprintf("Unsupported message type: %s", raw.Type), protocol.CodeInvalidRequest)
	}
}

// handleAuthenticate runs the challenge-response verification:
// backoff check, identity lookup, signature verification, then single-use
// challenge consumption. Sub-threshold failures keep the connection open,
// but the challenge is burned either way; a retry needs a fresh connection.
func (s *Server) handleAuthenticate(conn *Conn, raw *protocol.Raw) {
	var msg protocol.Authenticate
	if err := json.Unmarshal(raw.Data, &msg); err != nil || msg.ClientID == "" || msg.Signature == "" {
		s.sendError(conn, raw.ID, "Missing clientId or signature", protocol.CodeMissingParameters)
		return
	}

	key := auth.RateKey(conn.Peer(), msg.ClientID)

	if res := s.authLimiter.Check(key); res.Limited {
		monitoring.AuthRateLimited.Inc()
		s.logger.Warn().
			Str("connection_id", conn.ID()).
			Str("client_id", msg.ClientID).
			Int64("retry_after", res.WaitSeconds).
			Msg("Authentication attempt while blocked")
		s.sendJSON(conn, protocol.AuthResult{
			Envelope:   protocol.NewEnvelope(protocol.TypeAuthResult, raw.ID),
			Success:    false,
			Error:      "Too many failed authentication attempts",
			RetryAfter: res.WaitSeconds,
		})
		conn.close(protocol.CloseRateLimited, "rate_limited")
		return
	}

	client, err := s.registry.Lookup(msg.ClientID)
	if err != nil {
		if registry.CodeOf(err) == registry.CodeNotFound {
			monitoring.AuthAttempts.WithLabelValues(monitoring.AuthOutcomeUnknownClient).Inc()
			s.authFailure(conn, raw.ID, key, msg.ClientID, "Client not found or has been revoked")
			return
		}
		s.logger.Error().Err(err).Str("connection_id", conn.ID()).Msg("Registry lookup failed")
		s.sendError(conn, raw.ID, "Internal server error", protocol.CodeServerError)
		return
	}

	challenge := conn.currentChallenge()
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		monitoring.AuthAttempts.WithLabelValues(monitoring.AuthOutcomeInvalidSignature).Inc()
		s.authFailure(conn, raw.ID, key, msg.ClientID, "Invalid signature")
		return
	}

	ok, err := auth.Verify(client.PublicKey, client.SignatureAlgorithm, []byte(challenge), sig)
	if err != nil || !ok {
		monitoring.AuthAttempts.WithLabelValues(monitoring.AuthOutcomeInvalidSignature).Inc()
		s.authFailure(conn, raw.ID, key, msg.ClientID, "Invalid signature")
		return
	}

	// Consume the challenge only after the signature checks out; this is the
	// single-use guarantee. A consumed or expired entry fails here.
	if !s.challenges.Verify(conn.ID(), challenge) {
		monitoring.AuthAttempts.WithLabelValues(monitoring.AuthOutcomeExpiredChallenge).Inc()
		s.authFailure(conn, raw.ID, key, msg.ClientID, "Challenge expired or invalid")
		return
	}

	if !conn.authenticate(msg.ClientID) {
		// The deadline fired while we were verifying.
		return
	}

	s.authLimiter.RecordSuccess(key)
	monitoring.AuthAttempts.WithLabelValues(monitoring.AuthOutcomeSuccess).Inc()

	if err := s.registry.RecordConnection(msg.ClientID, time.Now(), conn.Peer()); err != nil {
		s.logger.Warn().Err(err).Str("client_id", msg.ClientID).Msg("Failed to record connection time")
	}

	s.logger.Info().
		Str("connection_id", conn.ID()).
		Str("client_id", msg.ClientID).
		Str("client_name", client.Name).
		Msg("Client authenticated")

	s.sendJSON(conn, protocol.AuthResult{
		Envelope: protocol.NewEnvelope(protocol.TypeAuthResult, raw.ID),
		Success:  true,
	})
}

// authFailure records a failed attempt and answers the client. Below the
// attempt threshold the connection stays open with the remaining budget;
// at the threshold the answer carries the backoff and the connection closes.
// Every failure consumes the pending challenge, so replaying or re-signing
// the same nonce cannot succeed.
func (s *Server) authFailure(conn *Conn, msgID, key, clientID, reason string) {
	s.authLimiter.RecordFailure(key)
	s.challenges.Consume(conn.ID())

	s.logger.Warn().
		Str("connection_id", conn.ID()).
		Str("client_id", clientID).
		Str("reason", reason).
		Msg("Authentication failed")

	remaining := s.authLimiter.Remaining(key)
	if remaining > 0 {
		s.sendJSON(conn, protocol.AuthResult{
			Envelope:          protocol.NewEnvelope(protocol.TypeAuthResult, msgID),
			Success:           false,
			Error:             reason,
			RemainingAttempts: remaining,
		})
		return
	}

	res := s.authLimiter.Check(key)
	s.sendJSON(conn, protocol.AuthResult{
		Envelope:   protocol.NewEnvelope(protocol.TypeAuthResult, msgID),
		Success:    false,
		Error:      reason,
		RetryAfter: res.WaitSeconds,
	})
	conn.close(protocol.CloseAuthFailed, "authentication_failed")
}

// handleModels proxies the upstream model list.
func (s *Server) handleModels(conn *Conn, raw *protocol.Raw) {
	ctx, cancel := context.WithTimeout(s.ctx, modelsTimeout)
	defer cancel()

	models, err := s.upstream.ListModels(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", conn.ID()).Msg("Model list failed")
		s.sendError(conn, raw.ID, "Failed to fetch models", protocol.CodeServerError)
		return
	}
	if models == nil {
		models = []protocol.ModelInfo{}
	}
	s.sendJSON(conn, protocol.ModelsResult{
		Envelope:  protocol.NewEnvelope(protocol.TypeModelsResult, raw.ID),
		Models:    models,
		RequestID: raw.ID,
	})
}

// handleStop cancels an active generation. Only the owning connection may
// stop it; a foreign connection's stop is refused and the stream keeps
// running.
func (s *Server) handleStop(conn *Conn, raw *protocol.Raw) {
	var msg protocol.Stop
	if err := json.Unmarshal(raw.Data, &msg); err != nil || msg.RequestID == "" {
		s.sendError(conn, raw.ID, "Missing requestId", protocol.CodeMissingParameters)
		return
	}

	gen, ok := s.generations.lookup(msg.RequestID)
	if !ok {
		s.sendError(conn, raw.ID, "No active generation with that ID", protocol.CodeInvalidRequest)
		return
	}
	if gen.ConnectionID != conn.ID() {
		s.sendError(conn, raw.ID, "Not authorized to stop this generation", protocol.CodeInvalidAuth)
		return
	}

	gen.Abort()
	s.logger.Info().
		Str("connection_id", conn.ID()).
		Str("request_id", msg.RequestID).
		Msg("Generation stop requested")

	s.sendJSON(conn, protocol.Ack{
		Envelope:  protocol.NewEnvelope(protocol.TypeAck, raw.ID),
		RequestID: msg.RequestID,
		Success:   true,
		Action:    "stop",
	})
}

// handleBatch dispatches each inner message as if it had arrived framed on
// its own. Nested batches are rejected rather than recursed into.
func (s *Server) handleBatch(conn *Conn, raw *protocol.Raw) {
	var msg protocol.Batch
	if err := json.Unmarshal(raw.Data, &msg); err != nil || len(msg.Messages) == 0 {
		s.sendError(conn, raw.ID, "Missing messages", protocol.CodeMissingParameters)
		return
	}

	for _, inner := range msg.Messages {
		innerRaw, err := protocol.Decode(inner)
		if err != nil {
			s.sendError(conn, raw.ID, "Invalid JSON message in batch", protocol.CodeInvalidRequest)
			continue
		}
		if innerRaw.Type == protocol.TypeBatch {
			s.sendError(conn, innerRaw.ID, "Nested batch is not allowed", protocol.CodeInvalidRequest)
			continue
		}
		s.dispatch(conn, inner)
	}
}

// sendError emits an error frame correlated to requestID when known.
func (s *Server) sendError(conn *Conn, requestID, text, code string) {
	s.sendJSON(conn, protocol.ErrorMessage{
		Envelope:  protocol.NewEnvelope(protocol.TypeError, requestID),
		Error:     text,
		Code:      code,
		RequestID: requestID,
	})
}
