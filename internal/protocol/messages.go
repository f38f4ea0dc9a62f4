// Package protocol defines the JSON wire protocol spoken between the gateway
// and its clients. Every message is a single UTF-8 JSON text frame with a
// "type" discriminator and a millisecond "timestamp"; most carry an "id" used
// for request/response correlation.
package protocol

import (
	"encoding/json"
	"time"
)

// Message type literals. These are wire-visible and must not change.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeChallenge    = "challenge"
	TypeAuthenticate = "authenticate"
	TypeAuthResult   = "auth_result"
	TypeError        = "error"
	TypeGenerate     = "generate"
	TypeModels       = "models"
	TypeModelsResult = "models_result"
	TypeStop         = "stop"
	TypeStreamStart  = "stream_start"
	TypeStreamToken  = "stream_token"
	TypeStreamEnd    = "stream_end"
	TypeAck          = "ack"
	TypeBatch        = "batch"
)

// Error codes carried in the "code" field of error frames.
const (
	CodeInvalidAuthentication = "invalid_authentication"
	CodeAuthenticationTimeout = "authentication_timeout"
	CodeRateLimited           = "rate_limited"
	CodeInvalidRequest        = "invalid_request"
	CodeMissingParameters     = "missing_parameters"
	CodeGenerationFailed      = "generation_failed"
	CodeServerError           = "server_error"
	CodeReconnectFailed       = "reconnect_failed"
	CodeConnectionTimeout     = "connection_timeout"
	CodeAuthChallengeTimeout  = "auth_challenge_timeout"
	CodeInvalidAuth           = "invalid_auth"
)

// WebSocket close codes. 4000-4002 are gateway-specific.
const (
	CloseNormal      = 1000
	ClosePolicy      = 1008
	CloseServerError = 1011
	CloseAuthFailed  = 4000
	CloseAuthTimeout = 4001
	CloseRateLimited = 4002
)

// Envelope is the outer shape shared by every frame. Payload fields of the
// concrete message types are flattened alongside it via struct embedding.
type Envelope struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Raw is a partially decoded incoming frame: the envelope plus the untouched
// bytes, so handlers can re-decode into the concrete payload for their type.
type Raw struct {
	Envelope
	Data []byte `json:"-"`
}

// Decode parses the envelope of an incoming frame and keeps the raw bytes.
func Decode(data []byte) (*Raw, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &Raw{Envelope: env, Data: data}, nil
}

// Challenge is sent by the server immediately after accept.
type Challenge struct {
	Envelope
	Challenge string `json:"challenge"`
}

// Authenticate is the client's signed response to a challenge.
type Authenticate struct {
	Envelope
	ClientID  string `json:"clientId"`
	Signature string `json:"signature"` // base64
}

// AuthResult reports the outcome of an authenticate attempt.
type AuthResult struct {
	Envelope
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	RetryAfter        int64  `json:"retryAfter,omitempty"`        // seconds
	RemainingAttempts int    `json:"remainingAttempts,omitempty"`
}

// ErrorMessage reports a request-scoped or connection-scoped failure.
type ErrorMessage struct {
	Envelope
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// GenerateOptions tunes a generation request; all fields are optional and
// passed through to the upstream model verbatim.
type GenerateOptions struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"topP,omitempty"`
	TopK         *int     `json:"topK,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

// Generate asks the gateway to stream a completion for a prompt.
type Generate struct {
	Envelope
	Prompt  string           `json:"prompt"`
	Model   string           `json:"model,omitempty"`
	Options *GenerateOptions `json:"options,omitempty"`
}

// Models requests the upstream model list.
type Models struct {
	Envelope
}

// ModelInfo mirrors the upstream model descriptor fields the protocol exposes.
type ModelInfo struct {
	Name              string `json:"name"`
	Size              int64  `json:"size,omitempty"`
	ModifiedAt        string `json:"modified_at,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// ModelsResult answers a models request.
type ModelsResult struct {
	Envelope
	Models    []ModelInfo `json:"models"`
	RequestID string      `json:"requestId"`
}

// Stop cancels an in-flight generation owned by the connection.
type Stop struct {
	Envelope
	RequestID string `json:"requestId"`
}

// StreamStart opens a generation stream. Emitted before any upstream bytes.
type StreamStart struct {
	Envelope
	Model     string `json:"model"`
	RequestID string `json:"requestId"`
}

// StreamToken carries one generated token.
type StreamToken struct {
	Envelope
	Token     string `json:"token"`
	RequestID string `json:"requestId"`
}

// StreamEnd terminates a generation stream, normally or by cancellation.
type StreamEnd struct {
	Envelope
	RequestID   string `json:"requestId"`
	TotalTokens int    `json:"totalTokens"`
	ElapsedTime int64  `json:"elapsedTime"` // milliseconds
	IsCancelled bool   `json:"isCancelled,omitempty"`
}

// Ack acknowledges a control action such as stop.
type Ack struct {
	Envelope
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Action    string `json:"action,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Batch wraps several messages delivered in one frame; each inner message is
// dispatched as if it had arrived framed individually.
type Batch struct {
	Envelope
	Messages []json.RawMessage `json:"messages"`
}

// Ping and Pong carry only the envelope.
type Ping struct {
	Envelope
}

type Pong struct {
	Envelope
}

// Now returns the wire timestamp for the current wall time.
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewEnvelope stamps a typed envelope with the current time.
func NewEnvelope(msgType, id string) Envelope {
	return Envelope{Type: msgType, ID: id, Timestamp: Now()}
}
