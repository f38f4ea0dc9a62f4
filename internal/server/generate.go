package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seriado/ollagate/internal/monitoring"
	"github.com/seriado/ollagate/internal/protocol"
	"github.com/seriado/ollagate/internal/upstream"
)

// errStreamSendFailed aborts a stream whose connection stopped accepting
// frames; there is no point finishing the upstream call.
var errStreamSendFailed = errors.New("stream frame dropped")

// handleGenerate validates a generation request, registers it in the
// generation table, and forks the streaming goroutine. Registration happens
// before any upstream I/O so a stop arriving immediately after the request
// always finds its target.
func (s *Server) handleGenerate(conn *Conn, raw *protocol.Raw) {
	var msg protocol.Generate
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		s.sendError(conn, raw.ID, "Invalid generate message", protocol.CodeInvalidRequest)
		return
	}
	if msg.Prompt == "" {
		s.sendError(conn, raw.ID, "Missing prompt", protocol.CodeMissingParameters)
		return
	}
	if raw.ID == "" {
		s.sendError(conn, "", "Missing message id", protocol.CodeMissingParameters)
		return
	}

	model := msg.Model
	if model == "" {
		model = s.upstream.DefaultModel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	gen := &Generation{
		RequestID:    raw.ID,
		ConnectionID: conn.ID(),
		Model:        model,
		StartTime:    time.Now(),
		cancel:       cancel,
	}
	if !s.generations.register(gen) {
		cancel()
		s.sendError(conn, raw.ID, "A generation with that id is already running", protocol.CodeInvalidRequest)
		return
	}

	monitoring.GenerationsStarted.Inc()
	s.logger.Info().
		Str("connection_id", conn.ID()).
		Str("client_id", conn.ClientID()).
		Str("request_id", raw.ID).
		Str("model", model).
		Int("prompt_len", len(msg.Prompt)).
		Msg("Generation started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGeneration(ctx, conn, gen, &msg)
	}()
}

// runGeneration drives one upstream stream and emits exactly one terminal
// frame: stream_end on completion or cancellation, error on upstream failure.
func (s *Server) runGeneration(ctx context.Context, conn *Conn, gen *Generation, msg *protocol.Generate) {
	defer gen.cancel()
	defer s.generations.remove(gen.RequestID)

	s.sendJSON(conn, protocol.StreamStart{
		Envelope:  protocol.NewEnvelope(protocol.TypeStreamStart, gen.RequestID),
		Model:     gen.Model,
		RequestID: gen.RequestID,
	})

	req := upstream.GenerateRequest{
		Model:  gen.Model,
		Prompt: msg.Prompt,
	}
	if opts := msg.Options; opts != nil {
		req.System = opts.SystemPrompt
		req.Temperature = opts.Temperature
		req.TopP = opts.TopP
		req.TopK = opts.TopK
		req.NumPredict = opts.MaxTokens
	}

	tokens, err := s.upstream.Generate(ctx, req, func(token string) error {
		frame := protocol.StreamToken{
			Envelope:  protocol.NewEnvelope(protocol.TypeStreamToken, gen.RequestID),
			Token:     token,
			RequestID: gen.RequestID,
		}
		data, merr := json.Marshal(frame)
		if merr != nil {
			return merr
		}
		if !conn.send(data) {
			return errStreamSendFailed
		}
		monitoring.TokensStreamed.Inc()
		return nil
	})

	elapsed := time.Since(gen.StartTime)
	monitoring.GenerationDuration.Observe(elapsed.Seconds())

	switch {
	case err == nil:
		monitoring.GenerationsCompleted.WithLabelValues(monitoring.GenOutcomeCompleted).Inc()
		s.logger.Info().
			Str("request_id", gen.RequestID).
			Int("tokens", tokens).
			Dur("elapsed", elapsed).
			Msg("Generation completed")
		s.sendJSON(conn, protocol.StreamEnd{
			Envelope:    protocol.NewEnvelope(protocol.TypeStreamEnd, gen.RequestID),
			RequestID:   gen.RequestID,
			TotalTokens: tokens,
			ElapsedTime: elapsed.Milliseconds(),
		})

	case errors.Is(err, context.Canceled):
		monitoring.GenerationsCompleted.WithLabelValues(monitoring.GenOutcomeCancelled).Inc()
		s.logger.Info().
			Str("request_id", gen.RequestID).
			Int("tokens", tokens).
			Dur("elapsed", elapsed).
			Msg("Generation cancelled")
		s.sendJSON(conn, protocol.StreamEnd{
			Envelope:    protocol.NewEnvelope(protocol.TypeStreamEnd, gen.RequestID),
			RequestID:   gen.RequestID,
			TotalTokens: tokens,
			ElapsedTime: elapsed.Milliseconds(),
			IsCancelled: true,
		})

	case errors.Is(err, errStreamSendFailed):
		monitoring.GenerationsCompleted.WithLabelValues(monitoring.GenOutcomeFailed).Inc()
		s.logger.Warn().
			Str("request_id", gen.RequestID).
			Msg("Generation aborted, connection stopped accepting frames")

	default:
		monitoring.GenerationsCompleted.WithLabelValues(monitoring.GenOutcomeFailed).Inc()
		s.logger.Error().
			Err(err).
			Str("request_id", gen.RequestID).
			Msg("Generation failed")
		s.sendError(conn, gen.RequestID, "Generation failed", protocol.CodeGenerationFailed)
	}
}
