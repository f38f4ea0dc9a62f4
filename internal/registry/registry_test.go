package registry

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(t.TempDir(), zerolog.Nop())
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	key := testKeyPEM(t)

	id, err := r.Register("laptop", key, "")
	require.NoError(t, err)
	require.Len(t, id, 32, "id should be 16 random bytes hex encoded")

	client, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "laptop", client.Name)
	assert.Equal(t, key, client.PublicKey)
	assert.Equal(t, "SHA256", client.SignatureAlgorithm, "empty algorithm takes the default")
	assert.NotEmpty(t, client.CreatedAt)
}

func TestLookupUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Lookup("no-such-id")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestRegisterRejectsInvalidKey(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("laptop", "not a pem key", "")
	assert.Equal(t, CodeInvalidPublicKey, CodeOf(err))
}

func TestRegisterRejectsUnsupportedAlgorithm(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("laptop", testKeyPEM(t), "SHA1")
	assert.Equal(t, CodeUnsupportedAlgorithm, CodeOf(err))
}

func TestRegisterRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("Laptop", testKeyPEM(t), "")
	require.NoError(t, err)

	_, err = r.Register("laptop", testKeyPEM(t), "")
	assert.Equal(t, CodeDuplicateName, CodeOf(err))
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	r := newTestRegistry(t)
	key := testKeyPEM(t)

	_, err := r.Register("laptop", key, "")
	require.NoError(t, err)

	// Same key material with different whitespace is still the same key.
	_, err = r.Register("desktop", "\n"+key+"\n", "")
	assert.Equal(t, CodeDuplicateKey, CodeOf(err))
}

func TestPersistenceAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, zerolog.Nop())

	id, err := first.Register("laptop", testKeyPEM(t), "SHA384")
	require.NoError(t, err)

	second := New(dir, zerolog.Nop())
	client, err := second.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "laptop", client.Name)
	assert.Equal(t, "SHA384", client.SignatureAlgorithm)
}

func TestClientsFileIsValidJSONArray(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, zerolog.Nop())

	_, err := r.Register("laptop", testKeyPEM(t), "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "authorized_clients.json"))
	require.NoError(t, err)

	var clients []AuthorizedClient
	require.NoError(t, json.Unmarshal(data, &clients))
	assert.Len(t, clients, 1)

	info, err := os.Stat(filepath.Join(dir, "authorized_clients.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := r.Register("client-"+strings.Repeat("x", i+1), testKeyPEM(t), "")
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp."),
			"temp file %s survived an atomic write", e.Name())
	}
}

func TestRevoke(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, zerolog.Nop())

	id, err := r.Register("laptop", testKeyPEM(t), "")
	require.NoError(t, err)
	keep, err := r.Register("desktop", testKeyPEM(t), "")
	require.NoError(t, err)

	ok, err := r.Revoke(id, "device lost")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Lookup(id)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	_, err = r.Lookup(keep)
	assert.NoError(t, err, "revoking one client must not touch the others")

	// An audit record lands in the revoked directory.
	entries, err := os.ReadDir(filepath.Join(dir, "revoked"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), id+"_"))

	data, err := os.ReadFile(filepath.Join(dir, "revoked", entries[0].Name()))
	require.NoError(t, err)
	var rec RevokedRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id, rec.Client.ID)
	assert.Equal(t, "device lost", rec.Reason)

	// The destructive write was preceded by a backup.
	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestRevokeUnknown(t *testing.T) {
	r := newTestRegistry(t)

	ok, err := r.Revoke("no-such-id", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordConnection(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, zerolog.Nop())

	id, err := r.Register("laptop", testKeyPEM(t), "")
	require.NoError(t, err)

	at := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordConnection(id, at, "203.0.113.7"))

	// The update must be on disk, not just in cache.
	fresh := New(dir, zerolog.Nop())
	client, err := fresh.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-26T12:00:00Z", client.LastConnected)
	assert.Equal(t, "203.0.113.7", client.LastIP)
}

func TestList(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("a", testKeyPEM(t), "")
	require.NoError(t, err)
	_, err = r.Register("b", testKeyPEM(t), "")
	require.NoError(t, err)

	clients, err := r.List()
	require.NoError(t, err)
	assert.Len(t, clients, 2)
}
