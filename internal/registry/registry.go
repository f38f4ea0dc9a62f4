// Package registry is the authoritative store of authorized client
// identities. Records live in <dataDir>/authorized_clients.json as a JSON
// array; every write goes through the atomic temp-then-rename protocol and
// invalidates the in-memory cache. Revoked records are copied to an
// append-only audit directory before removal.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seriado/ollagate/internal/auth"
	"github.com/seriado/ollagate/internal/securefile"
)

// Code is a stable, programmatic failure identifier for registry operations.
type Code string

const (
	CodeInvalidPublicKey     Code = "INVALID_PUBLIC_KEY"
	CodeUnsupportedAlgorithm Code = "UNSUPPORTED_ALGORITHM"
	CodeDuplicateName        Code = "DUPLICATE_NAME"
	CodeDuplicateKey         Code = "DUPLICATE_KEY"
	CodeNotFound             Code = "NOT_FOUND"
	CodePersistence          Code = "PERSISTENCE"
)

// Error pairs a registry failure code with its cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the registry code from an error chain, or "".
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

const (
	clientsFile = "authorized_clients.json"
	revokedDir  = "revoked"
)

// AuthorizedClient is one persisted identity record.
type AuthorizedClient struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	PublicKey          string `json:"publicKey"`
	SignatureAlgorithm string `json:"signatureAlgorithm"`
	CreatedAt          string `json:"createdAt"`
	LastConnected      string `json:"lastConnected,omitempty"`
	LastIP             string `json:"lastIP,omitempty"`
}

// RevokedRecord is the audit copy written before a revocation removes the
// client from the active set.
type RevokedRecord struct {
	Client    AuthorizedClient `json:"client"`
	RevokedAt string           `json:"revokedAt"`
	Reason    string           `json:"reason,omitempty"`
}

// Registry owns the on-disk client set and an in-memory cache of it. All
// mutations serialize on one mutex; the cache is dropped on every successful
// write and lazily reloaded on the next read.
type Registry struct {
	dataDir string
	logger  zerolog.Logger

	mu     sync.Mutex
	cache  []AuthorizedClient
	loaded bool

	backups *BackupManager
}

// New creates a registry rooted at dataDir. The directory is created on
// first write; Load may be called eagerly to surface problems at startup.
func New(dataDir string, logger zerolog.Logger) *Registry {
	return &Registry{
		dataDir: dataDir,
		logger:  logger.With().Str("component", "registry").Logger(),
		backups: NewBackupManager(dataDir, DefaultKeepBackups, logger),
	}
}

// Path returns the location of the active clients file.
func (r *Registry) Path() string {
	return filepath.Join(r.dataDir, clientsFile)
}

// Load reads the clients file into the cache. A missing file is an empty
// registry, not an error.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	if r.loaded {
		return nil
	}
	data, err := os.ReadFile(r.Path())
	if err != nil {
		if os.IsNotExist(err) {
			r.cache = nil
			r.loaded = true
			return nil
		}
		return wrapErr(CodePersistence, err)
	}
	var clients []AuthorizedClient
	if err := json.Unmarshal(data, &clients); err != nil {
		return wrapErr(CodePersistence, fmt.Errorf("parse %s: %w", clientsFile, err))
	}
	r.cache = clients
	r.loaded = true
	return nil
}

// List returns a copy of all records.
func (r *Registry) List() ([]AuthorizedClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]AuthorizedClient, len(r.cache))
	copy(out, r.cache)
	return out, nil
}

// Lookup finds a client by id.
func (r *Registry) Lookup(id string) (*AuthorizedClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	for i := range r.cache {
		if r.cache[i].ID == id {
			c := r.cache[i]
			return &c, nil
		}
	}
	return nil, wrapErr(CodeNotFound, fmt.Errorf("client %s", id))
}

// Register validates and persists a new identity, returning its generated id.
// Names are unique case-insensitively; keys are unique by canonical
// fingerprint.
func (r *Registry) Register(name, publicKey, algorithm string) (string, error) {
	if _, err := auth.ParsePublicKey(publicKey); err != nil {
		return "", wrapErr(CodeInvalidPublicKey, err)
	}
	canonAlg, err := auth.CanonicalAlgorithm(algorithm)
	if err != nil {
		return "", wrapErr(CodeUnsupportedAlgorithm, err)
	}
	fp, err := auth.Fingerprint(publicKey)
	if err != nil {
		return "", wrapErr(CodeInvalidPublicKey, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return "", err
	}

	nameFold := strings.ToLower(name)
	for i := range r.cache {
		if strings.ToLower(r.cache[i].Name) == nameFold {
			return "", wrapErr(CodeDuplicateName, fmt.Errorf("name %q already registered", name))
		}
		existingFP, fpErr := auth.Fingerprint(r.cache[i].PublicKey)
		if fpErr == nil && existingFP == fp {
			return "", wrapErr(CodeDuplicateKey,
				fmt.Errorf("key %s already registered", auth.HumanFingerprint(fp)))
		}
	}

	id, err := randomID(16)
	if err != nil {
		return "", wrapErr(CodePersistence, err)
	}

	record := AuthorizedClient{
		ID:                 id,
		Name:               name,
		PublicKey:          publicKey,
		SignatureAlgorithm: canonAlg,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339),
	}

	next := append(append([]AuthorizedClient(nil), r.cache...), record)
	if err := r.saveLocked(next); err != nil {
		return "", err
	}

	r.logger.Info().
		Str("client_id", id).
		Str("name", name).
		Str("fingerprint", auth.HumanFingerprint(fp)).
		Msg("Client registered")

	return id, nil
}

// Revoke removes a client. The record is copied to the revoked audit
// directory and a backup of the active set is taken before the destructive
// write; a persistence failure aborts with state unchanged. Returns false
// when the id is unknown.
func (r *Registry) Revoke(id, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return false, err
	}

	idx := -1
	for i := range r.cache {
		if r.cache[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	if _, err := r.backups.CreateLocked(r.cache); err != nil {
		return false, wrapErr(CodePersistence, err)
	}
	if err := r.writeRevokedLocked(r.cache[idx], reason); err != nil {
		return false, wrapErr(CodePersistence, err)
	}

	next := make([]AuthorizedClient, 0, len(r.cache)-1)
	next = append(next, r.cache[:idx]...)
	next = append(next, r.cache[idx+1:]...)
	if err := r.saveLocked(next); err != nil {
		return false, err
	}

	r.logger.Info().
		Str("client_id", id).
		Str("reason", reason).
		Msg("Client revoked")

	return true, nil
}

// RecordConnection updates the audit fields after a successful
// authentication.
func (r *Registry) RecordConnection(id string, at time.Time, peer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}

	for i := range r.cache {
		if r.cache[i].ID != id {
			continue
		}
		next := make([]AuthorizedClient, len(r.cache))
		copy(next, r.cache)
		next[i].LastConnected = at.UTC().Format(time.RFC3339)
		next[i].LastIP = peer
		return r.saveLocked(next)
	}
	return wrapErr(CodeNotFound, fmt.Errorf("client %s", id))
}

// BackupNow takes an explicit backup of the active set and rotates old ones.
func (r *Registry) BackupNow() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return "", err
	}
	return r.backups.CreateLocked(r.cache)
}

// saveLocked serializes and atomically replaces the clients file, then swaps
// the cache. Callers hold r.mu.
func (r *Registry) saveLocked(clients []AuthorizedClient) error {
	if err := securefile.MkdirAll(r.dataDir); err != nil {
		return wrapErr(CodePersistence, err)
	}
	data, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return wrapErr(CodePersistence, err)
	}
	if err := securefile.WriteFileAtomic(r.Path(), data, 0o600); err != nil {
		return wrapErr(CodePersistence, err)
	}
	r.cache = clients
	r.loaded = true
	return nil
}

func (r *Registry) writeRevokedLocked(client AuthorizedClient, reason string) error {
	dir := filepath.Join(r.dataDir, revokedDir)
	if err := securefile.MkdirAll(dir); err != nil {
		return err
	}
	rec := RevokedRecord{
		Client:    client,
		RevokedAt: time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(rec.RevokedAt)
	name := fmt.Sprintf("%s_%s.json", client.ID, ts)
	return securefile.WriteFileAtomic(filepath.Join(dir, name), data, 0o600)
}

// randomID returns n random bytes hex-encoded.
func randomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
