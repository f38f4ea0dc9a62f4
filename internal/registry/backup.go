package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seriado/ollagate/internal/securefile"
)

// DefaultKeepBackups is how many rotation survivors to keep.
const DefaultKeepBackups = 10

const (
	backupsDir  = "backups"
	metaSuffix  = ".meta.json"
	backupExt   = ".json"
	backupStem  = "clients_"
	hashPrefix  = 8
)

// BackupMeta is the sidecar written next to each backup file.
type BackupMeta struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	SourceFile  string `json:"sourceFile"`
	BackupFile  string `json:"backupFile"`
	ClientCount int    `json:"clientCount"`
	ContentHash string `json:"contentHash"`
}

// BackupManager writes hash-named backups of the client set with metadata
// sidecars and prunes old ones by a keep-N policy ordered on mtime.
type BackupManager struct {
	dataDir string
	keep    int
	logger  zerolog.Logger
}

// NewBackupManager creates a manager keeping up to keep backups; keep <= 0
// uses the default.
func NewBackupManager(dataDir string, keep int, logger zerolog.Logger) *BackupManager {
	if keep <= 0 {
		keep = DefaultKeepBackups
	}
	return &BackupManager{
		dataDir: dataDir,
		keep:    keep,
		logger:  logger.With().Str("component", "backup").Logger(),
	}
}

// Dir returns the backups directory.
func (b *BackupManager) Dir() string {
	return filepath.Join(b.dataDir, backupsDir)
}

// CreateLocked serializes the client set into a new backup file plus sidecar
// and rotates. Named Locked because the registry calls it under its own
// mutex; the manager itself touches only new files and the rotation set.
func (b *BackupManager) CreateLocked(clients []AuthorizedClient) (string, error) {
	if err := securefile.MkdirAll(b.Dir()); err != nil {
		return "", err
	}

	content, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	now := time.Now().UTC()
	iso := now.Format("2006-01-02T15:04:05.000Z")
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(iso)

	name := fmt.Sprintf("%s%s_%s%s", backupStem, ts, hash[:hashPrefix], backupExt)
	path := filepath.Join(b.Dir(), name)

	if err := securefile.WriteFileAtomic(path, content, 0o600); err != nil {
		return "", err
	}

	id, err := randomID(8)
	if err != nil {
		return "", err
	}
	meta := BackupMeta{
		ID:          id,
		Timestamp:   iso,
		SourceFile:  clientsFile,
		BackupFile:  name,
		ClientCount: len(clients),
		ContentHash: hash,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := securefile.WriteFileAtomic(path+metaSuffix, metaData, 0o600); err != nil {
		return "", err
	}

	if err := b.Rotate(); err != nil {
		b.logger.Warn().Err(err).Msg("Backup rotation failed")
	}

	b.logger.Debug().
		Str("backup", name).
		Int("clients", len(clients)).
		Msg("Backup written")

	return path, nil
}

// Rotate deletes all but the keep most recent backups (by mtime, newest
// first) together with their sidecars.
func (b *BackupManager) Rotate() error {
	entries, err := os.ReadDir(b.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type backupFile struct {
		name  string
		mtime time.Time
	}
	var backups []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupStem) ||
			!strings.HasSuffix(name, backupExt) || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{name: name, mtime: info.ModTime()})
	}

	if len(backups) <= b.keep {
		return nil
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mtime.After(backups[j].mtime)
	})

	removed := 0
	for _, old := range backups[b.keep:] {
		path := filepath.Join(b.Dir(), old.name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		_ = os.Remove(path + metaSuffix)
		removed++
	}

	if removed > 0 {
		b.logger.Debug().
			Int("removed", removed).
			Int("kept", b.keep).
			Msg("Rotated old backups")
	}
	return nil
}
