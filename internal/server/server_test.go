package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seriado/ollagate/internal/auth"
	"github.com/seriado/ollagate/internal/config"
)

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                      3000,
		Host:                      "127.0.0.1",
		OllamaAPIURL:              upstreamURL,
		OllamaDefaultModel:        "llama3",
		DataDir:                   t.TempDir(),
		AuthTimeout:               5 * time.Second,
		MaxAuthAttempts:           5,
		AuthWindow:                10 * time.Minute,
		DefaultSignatureAlgorithm: "SHA256",
		PingInterval:              30 * time.Second,
		BackupKeep:                10,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	return newTestServerClock(t, cfg, nil)
}

func newTestServerClock(t *testing.T, cfg *config.Config, clock clockwork.Clock) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, zerolog.Nop(), clock)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	t.Cleanup(s.authLimiter.Stop)
	t.Cleanup(s.cancel)
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func registerTestClient(t *testing.T, s *Server, name string) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	id, err := s.registry.Register(name, pemText, "")
	require.NoError(t, err)
	return id, priv
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func expectFrame(t *testing.T, ws *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	m := readFrame(t, ws)
	require.Equal(t, wantType, m["type"], "unexpected frame: %v", m)
	return m
}

func writeFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func authFrame(id, clientID string, signature []byte) map[string]any {
	return map[string]any{
		"type":      "authenticate",
		"id":        id,
		"timestamp": time.Now().UnixMilli(),
		"clientId":  clientID,
		"signature": base64.StdEncoding.EncodeToString(signature),
	}
}

// handshake reads the challenge and completes a valid authentication.
func handshake(t *testing.T, ws *websocket.Conn, clientID string, key ed25519.PrivateKey) {
	t.Helper()
	ch := expectFrame(t, ws, "challenge")
	challenge := ch["challenge"].(string)

	writeFrame(t, ws, authFrame("auth-1", clientID, ed25519.Sign(key, []byte(challenge))))

	res := expectFrame(t, ws, "auth_result")
	require.Equal(t, true, res["success"], "authentication should succeed: %v", res)
}

func fakeUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func staticGenerateUpstream(t *testing.T, tokens ...string) *httptest.Server {
	return fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		for _, tok := range tokens {
			fmt.Fprintf(w, "{\"response\":%q,\"done\":false}\n", tok)
		}
		fmt.Fprintln(w, `{"response":"","done":true}`)
	})
}

func TestChallengeSentOnConnect(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	ws := dialWS(t, ts)

	ch := expectFrame(t, ws, "challenge")
	challenge, ok := ch["challenge"].(string)
	require.True(t, ok)
	assert.Len(t, challenge, 64)
	assert.NotZero(t, ch["timestamp"])
}

func TestAuthSuccess(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	// Authenticated connections answer pings.
	writeFrame(t, ws, map[string]any{"type": "ping", "id": "p-1", "timestamp": time.Now().UnixMilli()})
	pong := expectFrame(t, ws, "pong")
	assert.Equal(t, "p-1", pong["id"])

	// The registry audit fields were updated.
	client, err := s.registry.Lookup(clientID)
	require.NoError(t, err)
	assert.NotEmpty(t, client.LastConnected)
	assert.NotEmpty(t, client.LastIP)
}

func TestAuthUnknownClient(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	ws := dialWS(t, ts)

	ch := expectFrame(t, ws, "challenge")
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	writeFrame(t, ws, authFrame("auth-1", "deadbeefdeadbeefdeadbeefdeadbeef",
		ed25519.Sign(key, []byte(ch["challenge"].(string)))))

	res := expectFrame(t, ws, "auth_result")
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "Client not found or has been revoked", res["error"])
	assert.Equal(t, float64(4), res["remainingAttempts"])

	// The connection stays open; another attempt gets another verdict.
	writeFrame(t, ws, authFrame("auth-2", "deadbeefdeadbeefdeadbeefdeadbeef",
		ed25519.Sign(key, []byte(ch["challenge"].(string)))))
	res = expectFrame(t, ws, "auth_result")
	assert.Equal(t, false, res["success"])
	assert.Equal(t, float64(3), res["remainingAttempts"])
}

func TestAuthFailureConsumesChallenge(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	ch := expectFrame(t, ws, "challenge")
	challenge := ch["challenge"].(string)

	writeFrame(t, ws, authFrame("auth-1", clientID, []byte("bogus")))
	res := expectFrame(t, ws, "auth_result")
	require.Equal(t, false, res["success"])
	assert.Equal(t, "Invalid signature", res["error"])

	// The failure burned the nonce; even a correct signature over it is
	// rejected now. Only a fresh connection gets a usable challenge.
	writeFrame(t, ws, authFrame("auth-2", clientID, ed25519.Sign(key, []byte(challenge))))
	res = expectFrame(t, ws, "auth_result")
	require.Equal(t, false, res["success"])
	assert.Equal(t, "Challenge expired or invalid", res["error"])
	assert.Equal(t, float64(3), res["remainingAttempts"])
}

func TestAuthExpiredChallenge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, ts := newTestServerClock(t, testConfig(t, "http://127.0.0.1:0"), clock)
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	ch := expectFrame(t, ws, "challenge")
	challenge := ch["challenge"].(string)

	clock.Advance(auth.DefaultChallengeTTL + time.Second)

	writeFrame(t, ws, authFrame("auth-1", clientID, ed25519.Sign(key, []byte(challenge))))
	res := expectFrame(t, ws, "auth_result")
	require.Equal(t, false, res["success"])
	assert.Equal(t, "Challenge expired or invalid", res["error"])
}

func TestAuthInvalidSignatureLockout(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	clientID, _ := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	expectFrame(t, ws, "challenge")

	// Four failures keep the connection open with a shrinking budget.
	for i := 1; i <= 4; i++ {
		writeFrame(t, ws, authFrame(fmt.Sprintf("auth-%d", i), clientID, []byte("bogus")))
		res := expectFrame(t, ws, "auth_result")
		require.Equal(t, false, res["success"])
		assert.Equal(t, "Invalid signature", res["error"])
		assert.Equal(t, float64(5-i), res["remainingAttempts"])
	}

	// The fifth carries the backoff and the server closes with 4000.
	writeFrame(t, ws, authFrame("auth-5", clientID, []byte("bogus")))
	res := expectFrame(t, ws, "auth_result")
	require.Equal(t, false, res["success"])
	assert.Equal(t, float64(16), res["retryAfter"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4000), "want close 4000, got %v", err)
}

func TestBlockedClientRejectedOnNewConnection(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	clientID, _ := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	expectFrame(t, ws, "challenge")
	for i := 1; i <= 5; i++ {
		writeFrame(t, ws, authFrame(fmt.Sprintf("auth-%d", i), clientID, []byte("bogus")))
		expectFrame(t, ws, "auth_result")
	}
	_ = ws.Close()

	// A fresh connection from the same peer and identity is turned away
	// before any verification happens.
	ws2 := dialWS(t, ts)
	ch := expectFrame(t, ws2, "challenge")
	_ = ch
	writeFrame(t, ws2, authFrame("auth-1", clientID, []byte("anything")))

	res := expectFrame(t, ws2, "auth_result")
	require.Equal(t, false, res["success"])
	assert.Greater(t, res["retryAfter"], float64(0))

	require.NoError(t, ws2.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws2.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4002), "want close 4002, got %v", err)
}

func TestAuthTimeout(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.AuthTimeout = 150 * time.Millisecond
	_, ts := newTestServer(t, cfg)

	ws := dialWS(t, ts)
	expectFrame(t, ws, "challenge")

	errFrame := expectFrame(t, ws, "error")
	assert.Equal(t, "authentication_timeout", errFrame["code"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4001), "want close 4001, got %v", err)
}

func TestUnauthenticatedMessagesRejected(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	ws := dialWS(t, ts)
	expectFrame(t, ws, "challenge")

	writeFrame(t, ws, map[string]any{
		"type": "generate", "id": "g-1", "timestamp": time.Now().UnixMilli(), "prompt": "hi",
	})

	errFrame := expectFrame(t, ws, "error")
	assert.Equal(t, "invalid_auth", errFrame["code"])
	assert.Equal(t, "Not authenticated", errFrame["error"])
}

func TestGenerateStream(t *testing.T) {
	upstream := staticGenerateUpstream(t, "Hello", " world", "!")
	s, ts := newTestServer(t, testConfig(t, upstream.URL))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	writeFrame(t, ws, map[string]any{
		"type": "generate", "id": "gen-1", "timestamp": time.Now().UnixMilli(),
		"prompt": "greet", "model": "llama3",
	})

	start := expectFrame(t, ws, "stream_start")
	assert.Equal(t, "llama3", start["model"])
	assert.Equal(t, "gen-1", start["requestId"])

	var tokens []string
	for i := 0; i < 3; i++ {
		tok := expectFrame(t, ws, "stream_token")
		assert.Equal(t, "gen-1", tok["requestId"])
		tokens = append(tokens, tok["token"].(string))
	}
	assert.Equal(t, []string{"Hello", " world", "!"}, tokens)

	end := expectFrame(t, ws, "stream_end")
	assert.Equal(t, float64(3), end["totalTokens"])
	assert.Nil(t, end["isCancelled"])
	assert.NotNil(t, end["elapsedTime"])
}

func TestGenerateMissingPrompt(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	writeFrame(t, ws, map[string]any{
		"type": "generate", "id": "gen-1", "timestamp": time.Now().UnixMilli(),
	})

	errFrame := expectFrame(t, ws, "error")
	assert.Equal(t, "missing_parameters", errFrame["code"])
	assert.Equal(t, "gen-1", errFrame["requestId"])
}

func TestGenerateDuplicateRequestID(t *testing.T) {
	upstream := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"tok","done":false}`)
		fl.Flush()
		<-r.Context().Done()
	})
	s, ts := newTestServer(t, testConfig(t, upstream.URL))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	gen := map[string]any{
		"type": "generate", "id": "gen-1", "timestamp": time.Now().UnixMilli(), "prompt": "p",
	}
	writeFrame(t, ws, gen)
	expectFrame(t, ws, "stream_start")
	expectFrame(t, ws, "stream_token")

	writeFrame(t, ws, gen)
	errFrame := expectFrame(t, ws, "error")
	assert.Equal(t, "invalid_request", errFrame["code"])
	assert.Equal(t, "gen-1", errFrame["requestId"])
}

func TestStopOwnGeneration(t *testing.T) {
	upstream := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"tok","done":false}`)
		fl.Flush()
		<-r.Context().Done()
	})
	s, ts := newTestServer(t, testConfig(t, upstream.URL))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	writeFrame(t, ws, map[string]any{
		"type": "generate", "id": "gen-1", "timestamp": time.Now().UnixMilli(), "prompt": "p",
	})
	expectFrame(t, ws, "stream_start")
	expectFrame(t, ws, "stream_token")

	writeFrame(t, ws, map[string]any{
		"type": "stop", "id": "stop-1", "timestamp": time.Now().UnixMilli(), "requestId": "gen-1",
	})

	// The stop ack and the cancelled stream_end race; accept either order.
	var sawAck, sawEnd bool
	for i := 0; i < 2; i++ {
		m := readFrame(t, ws)
		switch m["type"] {
		case "ack":
			assert.Equal(t, true, m["success"])
			assert.Equal(t, "stop", m["action"])
			sawAck = true
		case "stream_end":
			assert.Equal(t, true, m["isCancelled"])
			assert.Equal(t, "gen-1", m["requestId"])
			sawEnd = true
		case "stream_token":
			i-- // a token in flight before the cancel landed
		default:
			t.Fatalf("unexpected frame: %v", m)
		}
	}
	assert.True(t, sawAck)
	assert.True(t, sawEnd)
}

func TestStopByNonOwnerRejected(t *testing.T) {
	upstream := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"tok","done":false}`)
		fl.Flush()
		<-r.Context().Done()
	})
	s, ts := newTestServer(t, testConfig(t, upstream.URL))
	clientID, key := registerTestClient(t, s, "laptop")

	owner := dialWS(t, ts)
	handshake(t, owner, clientID, key)
	writeFrame(t, owner, map[string]any{
		"type": "generate", "id": "gen-1", "timestamp": time.Now().UnixMilli(), "prompt": "p",
	})
	expectFrame(t, owner, "stream_start")
	expectFrame(t, owner, "stream_token")

	other := dialWS(t, ts)
	handshake(t, other, clientID, key)
	writeFrame(t, other, map[string]any{
		"type": "stop", "id": "stop-1", "timestamp": time.Now().UnixMilli(), "requestId": "gen-1",
	})

	errFrame := expectFrame(t, other, "error")
	assert.Equal(t, "Not authorized to stop this generation", errFrame["error"])
	assert.Equal(t, "stop-1", errFrame["id"])

	// The owner's stream is untouched and can still be stopped by the owner.
	writeFrame(t, owner, map[string]any{
		"type": "stop", "id": "stop-2", "timestamp": time.Now().UnixMilli(), "requestId": "gen-1",
	})
	var sawAck bool
	for i := 0; i < 2; i++ {
		m := readFrame(t, owner)
		if m["type"] == "ack" {
			assert.Equal(t, true, m["success"])
			sawAck = true
			break
		}
	}
	assert.True(t, sawAck)
}

func TestStopUnknownRequestID(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	writeFrame(t, ws, map[string]any{
		"type": "stop", "id": "stop-1", "timestamp": time.Now().UnixMilli(), "requestId": "nope",
	})

	errFrame := expectFrame(t, ws, "error")
	assert.Equal(t, "No active generation with that ID", errFrame["error"])
	assert.Equal(t, "stop-1", errFrame["id"])
}

func TestModels(t *testing.T) {
	upstream := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama3"},{"name":"mistral"}]}`)
	})
	s, ts := newTestServer(t, testConfig(t, upstream.URL))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	writeFrame(t, ws, map[string]any{"type": "models", "id": "m-1", "timestamp": time.Now().UnixMilli()})

	res := expectFrame(t, ws, "models_result")
	assert.Equal(t, "m-1", res["requestId"])
	models := res["models"].([]any)
	require.Len(t, models, 2)
}

func TestBatchDispatch(t *testing.T) {
	upstream := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3"}]}`)
	})
	s, ts := newTestServer(t, testConfig(t, upstream.URL))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	ping, _ := json.Marshal(map[string]any{"type": "ping", "id": "p-1", "timestamp": time.Now().UnixMilli()})
	models, _ := json.Marshal(map[string]any{"type": "models", "id": "m-1", "timestamp": time.Now().UnixMilli()})
	writeFrame(t, ws, map[string]any{
		"type": "batch", "id": "b-1", "timestamp": time.Now().UnixMilli(),
		"messages": []json.RawMessage{ping, models},
	})

	pong := expectFrame(t, ws, "pong")
	assert.Equal(t, "p-1", pong["id"])
	res := expectFrame(t, ws, "models_result")
	assert.Equal(t, "m-1", res["requestId"])
}

func TestUnsupportedMessageType(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))
	clientID, key := registerTestClient(t, s, "laptop")

	ws := dialWS(t, ts)
	handshake(t, ws, clientID, key)

	writeFrame(t, ws, map[string]any{"type": "frobnicate", "id": "x-1", "timestamp": time.Now().UnixMilli()})

	errFrame := expectFrame(t, ws, "error")
	assert.Equal(t, "invalid_request", errFrame["code"])
	assert.Contains(t, errFrame["error"], "frobnicate")
}

func TestRegisterEndpoint(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	body, _ := json.Marshal(map[string]string{"name": "laptop", "publicKey": pemText})
	resp, err := http.Post(ts.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Len(t, created["clientId"], 32)

	// Duplicate name is a client error with a stable code.
	resp2, err := http.Post(ts.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	var dup map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&dup))
	assert.Equal(t, "DUPLICATE_NAME", dup["code"])
}

func TestRegisterEndpointRejectsBadKey(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))

	body, _ := json.Marshal(map[string]string{"name": "laptop", "publicKey": "garbage"})
	resp, err := http.Post(ts.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "INVALID_PUBLIC_KEY", out["code"])
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t, "http://127.0.0.1:0"))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
