package server

import (
	"encoding/json"
	"net/http"

	"github.com/seriado/ollagate/internal/registry"
)

// registerRequest is the body of POST /api/auth/register.
type registerRequest struct {
	Name               string `json:"name"`
	PublicKey          string `json:"publicKey"`
	SignatureAlgorithm string `json:"signatureAlgorithm,omitempty"`
}

// handleRegister enrolls a new client identity over HTTP. The endpoint is
// meant to sit behind an operator-controlled network boundary; the WebSocket
// surface never mutates the registry.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_REQUEST")
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		writeJSONError(w, http.StatusBadRequest, "name and publicKey are required", "MISSING_PARAMETERS")
		return
	}

	clientID, err := s.registry.Register(req.Name, req.PublicKey, req.SignatureAlgorithm)
	if err != nil {
		code := registry.CodeOf(err)
		switch code {
		case registry.CodeInvalidPublicKey,
			registry.CodeUnsupportedAlgorithm,
			registry.CodeDuplicateName,
			registry.CodeDuplicateKey:
			writeJSONError(w, http.StatusBadRequest, err.Error(), string(code))
		default:
			s.logger.Error().Err(err).Str("name", req.Name).Msg("Client registration failed")
			writeJSONError(w, http.StatusInternalServerError, "Registration failed", string(registry.CodePersistence))
		}
		return
	}

	s.logger.Info().
		Str("client_id", clientID).
		Str("name", req.Name).
		Msg("Client registered")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"clientId": clientID})
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
