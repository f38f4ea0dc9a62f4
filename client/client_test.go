package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seriado/ollagate/internal/config"
	"github.com/seriado/ollagate/internal/server"
)

func testKeyPair(t *testing.T) (publicPEM, privatePEM string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	return publicPEM, privatePEM
}

// startGateway boots a real gateway on an ephemeral port and returns its
// WebSocket URL.
func startGateway(t *testing.T, upstreamURL string) (*server.Server, string) {
	t.Helper()
	cfg := &config.Config{
		Port:                      0,
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
	srv := server.New(cfg, zerolog.Nop(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, "ws://" + srv.Addr() + "/ws"
}

func TestClientEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3"}]}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"response":"Hello","done":false}`)
			fmt.Fprintln(w, `{"response":" there","done":false}`)
			fmt.Fprintln(w, `{"response":"","done":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	srv, url := startGateway(t, upstream.URL)
	pubPEM, privPEM := testKeyPair(t)
	clientID, err := srv.Registry().Register("laptop", pubPEM, "")
	require.NoError(t, err)

	c, err := New(url, clientID, privPEM, WithReconnect(false))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateConnected, c.State())

	models, err := c.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3", models[0].Name)

	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	var tokens []string
	done := make(chan StreamResult, 1)
	_, err = c.Generate(GenerateRequest{Prompt: "greet"}, StreamHandlers{
		OnToken: func(tok string) { tokens = append(tokens, tok) },
		OnEnd:   func(res StreamResult) { done <- res },
		OnError: func(err error) { t.Errorf("stream error: %v", err) },
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, 2, res.TotalTokens)
		assert.False(t, res.Cancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("generation did not finish")
	}
	assert.Equal(t, []string{"Hello", " there"}, tokens)

	// Stopping a finished generation is a clean error, not a hang.
	err = c.Stop(ctx, "nonexistent-request")
	assert.Error(t, err)
}

func TestClientRejectedWithWrongKey(t *testing.T) {
	srv, url := startGateway(t, "http://127.0.0.1:0")
	pubPEM, _ := testKeyPair(t)
	_, wrongPriv := testKeyPair(t)
	clientID, err := srv.Registry().Register("laptop", pubPEM, "")
	require.NoError(t, err)

	c, err := New(url, clientID, wrongPriv, WithReconnect(false))
	require.NoError(t, err)
	defer c.Close()

	var seen []EventType
	c.On(EventConnecting, func(ev Event) { seen = append(seen, ev.Type) })
	c.On(EventAuthFailed, func(ev Event) { seen = append(seen, ev.Type) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "Invalid signature", ae.Reason)
	assert.Equal(t, 4, ae.RemainingAttempts)
	assert.True(t, ae.Permanent)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []EventType{EventConnecting, EventAuthFailed}, seen)
}

func TestClientUnknownIdentity(t *testing.T) {
	_, url := startGateway(t, "http://127.0.0.1:0")
	_, privPEM := testKeyPair(t)

	c, err := New(url, "deadbeefdeadbeefdeadbeefdeadbeef", privPEM, WithReconnect(false))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = c.Connect(ctx)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "Client not found or has been revoked", ae.Reason)
}

func TestClientConnectRequiresValidKey(t *testing.T) {
	_, err := New("ws://127.0.0.1:1/ws", "id", "not a pem key")
	assert.Error(t, err)
}

func TestClientCallsRequireConnection(t *testing.T) {
	_, privPEM := testKeyPair(t)
	c, err := New("ws://127.0.0.1:1/ws", "some-id", privPEM)
	require.NoError(t, err)

	_, err = c.Generate(GenerateRequest{Prompt: "p"}, StreamHandlers{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectDelayBounds(t *testing.T) {
	_, privPEM := testKeyPair(t)
	c, err := New("ws://127.0.0.1:1/ws", "id", privPEM)
	require.NoError(t, err)

	for attempt := 1; attempt <= 10; attempt++ {
		raw := c.opts.reconnectBaseDelay << (attempt - 1)
		if raw > c.opts.reconnectMaxDelay || raw <= 0 {
			raw = c.opts.reconnectMaxDelay
		}
		lo := time.Duration(float64(raw) * (1 - reconnectJitter))
		hi := time.Duration(float64(raw) * (1 + reconnectJitter))

		for i := 0; i < 50; i++ {
			d := c.reconnectDelay(attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestRetryAfterOverridesNextDelay(t *testing.T) {
	_, privPEM := testKeyPair(t)
	c, err := New("ws://127.0.0.1:1/ws", "id", privPEM)
	require.NoError(t, err)

	// A server-imposed backoff replaces the computed delay verbatim.
	assert.Equal(t, 42*time.Second, c.nextReconnectDelay(3, 42*time.Second))

	// Without one, the jittered exponential backoff applies.
	d := c.nextReconnectDelay(1, 0)
	lo := time.Duration(float64(c.opts.reconnectBaseDelay) * (1 - reconnectJitter))
	hi := time.Duration(float64(c.opts.reconnectBaseDelay) * (1 + reconnectJitter))
	assert.GreaterOrEqual(t, d, lo)
	assert.LessOrEqual(t, d, hi)
}

func TestPendingTable(t *testing.T) {
	p := newPendingTable()

	ch := p.add("m-1")
	require.True(t, p.resolve("m-1", &rawFrame{}))
	res := <-ch
	assert.NoError(t, res.err)
	assert.NotNil(t, res.frame)

	assert.False(t, p.resolve("m-1", &rawFrame{}), "an id resolves at most once")
	assert.False(t, p.resolve("never-added", &rawFrame{}))

	ch2 := p.add("m-2")
	p.fail("m-2", ErrConnectionLost)
	res = <-ch2
	assert.ErrorIs(t, res.err, ErrConnectionLost)

	ch3 := p.add("m-3")
	ch4 := p.add("m-4")
	p.failAll(ErrClosed)
	assert.ErrorIs(t, (<-ch3).err, ErrClosed)
	assert.ErrorIs(t, (<-ch4).err, ErrClosed)
}

func TestEventBus(t *testing.T) {
	bus := newEventBus()

	var got []EventType
	unsub := bus.subscribe(EventConnected, func(ev Event) { got = append(got, ev.Type) })
	bus.subscribe(EventDisconnected, func(ev Event) { got = append(got, ev.Type) })

	bus.emit(Event{Type: EventConnected})
	bus.emit(Event{Type: EventDisconnected, Err: errors.New("boom")})
	require.Equal(t, []EventType{EventConnected, EventDisconnected}, got)

	unsub()
	bus.emit(Event{Type: EventConnected})
	assert.Len(t, got, 2, "unsubscribed handlers must not fire")

	var rec Event
	bus.subscribe(EventReconnecting, func(ev Event) { rec = ev })
	bus.emit(Event{Type: EventReconnecting, Attempt: 2, MaxAttempts: 10, Delay: time.Second})
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, 10, rec.MaxAttempts)
	assert.Equal(t, time.Second, rec.Delay)
}
