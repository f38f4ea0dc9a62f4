package client

import (
	"encoding/json"
	"time"
)

// Wire message type literals, matching the gateway protocol.
const (
	typePing         = "ping"
	typePong         = "pong"
	typeChallenge    = "challenge"
	typeAuthenticate = "authenticate"
	typeAuthResult   = "auth_result"
	typeError        = "error"
	typeGenerate     = "generate"
	typeModels       = "models"
	typeModelsResult = "models_result"
	typeStop         = "stop"
	typeStreamStart  = "stream_start"
	typeStreamToken  = "stream_token"
	typeStreamEnd    = "stream_end"
	typeAck          = "ack"
)

// Gateway error codes the client reacts to.
const (
	codeInvalidAuthentication = "invalid_authentication"
	codeAuthenticationTimeout = "authentication_timeout"
	codeRateLimited           = "rate_limited"
)

type envelope struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newEnvelope(msgType, id string) envelope {
	return envelope{Type: msgType, ID: id, Timestamp: time.Now().UnixMilli()}
}

type challengeFrame struct {
	envelope
	Challenge string `json:"challenge"`
}

type authenticateFrame struct {
	envelope
	ClientID  string `json:"clientId"`
	Signature string `json:"signature"`
}

type authResultFrame struct {
	envelope
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	RetryAfter        int64  `json:"retryAfter,omitempty"`
	RemainingAttempts int    `json:"remainingAttempts,omitempty"`
}

type errorFrame struct {
	envelope
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type generateFrame struct {
	envelope
	Prompt  string       `json:"prompt"`
	Model   string       `json:"model,omitempty"`
	Options *wireOptions `json:"options,omitempty"`
}

type wireOptions struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"topP,omitempty"`
	TopK         *int     `json:"topK,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

type stopFrame struct {
	envelope
	RequestID string `json:"requestId"`
}

// ModelInfo describes one model available behind the gateway.
type ModelInfo struct {
	Name              string `json:"name"`
	Size              int64  `json:"size,omitempty"`
	ModifiedAt        string `json:"modified_at,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

type modelsResultFrame struct {
	envelope
	Models    []ModelInfo `json:"models"`
	RequestID string      `json:"requestId"`
}

type streamStartFrame struct {
	envelope
	Model     string `json:"model"`
	RequestID string `json:"requestId"`
}

type streamTokenFrame struct {
	envelope
	Token     string `json:"token"`
	RequestID string `json:"requestId"`
}

type streamEndFrame struct {
	envelope
	RequestID   string `json:"requestId"`
	TotalTokens int    `json:"totalTokens"`
	ElapsedTime int64  `json:"elapsedTime"`
	IsCancelled bool   `json:"isCancelled,omitempty"`
}

type ackFrame struct {
	envelope
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Action    string `json:"action,omitempty"`
	Message   string `json:"message,omitempty"`
}

type pingRequest struct {
	envelope
}

func pingFrame(id string) pingRequest {
	return pingRequest{newEnvelope(typePing, id)}
}

type modelsRequest struct {
	envelope
}

func modelsFrame(id string) modelsRequest {
	return modelsRequest{newEnvelope(typeModels, id)}
}

// rawFrame keeps the envelope plus the undecoded bytes for second-pass
// decoding into the concrete frame type.
type rawFrame struct {
	envelope
	data []byte
}

func decodeFrame(data []byte) (*rawFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &rawFrame{envelope: env, data: data}, nil
}
