package postcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/types"
)

// backupFile is the on-disk shape of one call backup.
type backupFile struct {
	SessionID string       `json:"session_id"`
	CallID    string       `json:"call_id,omitempty"`
	CallerID  string       `json:"caller_id,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Turns     []types.Turn `json:"turns"`
}

// FileBackup writes one JSON file per call into a directory. Thread-safe
// for concurrent use.
type FileBackup struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackup creates a FileBackup rooted at dir. The directory is created
// on first write.
func NewFileBackup(dir string) *FileBackup {
	return &FileBackup{dir: dir}
}

// Dir returns the backup directory.
func (b *FileBackup) Dir() string { return b.dir }

// Path returns where the backup for sessionID lives.
func (b *FileBackup) Path(sessionID string) string {
	return filepath.Join(b.dir, sessionID+".json")
}

// Write stores the final turns of rec at <dir>/<session_id>.json. The file
// is written to a temporary name and renamed into place, so readers never
// see a partial backup.
func (b *FileBackup) Write(rec Record) (string, error) {
	if rec.SessionID == "" || strings.ContainsAny(rec.SessionID, `/\`) {
		return "", fmt.Errorf("postcall: backup: invalid session id %q", rec.SessionID)
	}
	data, err := json.MarshalIndent(backupFile{
		SessionID: rec.SessionID,
		CallID:    rec.CallID,
		CallerID:  rec.CallerID,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
		Turns:     rec.Finals(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("postcall: backup: marshal: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("postcall: backup: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(b.dir, "."+rec.SessionID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("postcall: backup: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("postcall: backup: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("postcall: backup: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("postcall: backup: close: %w", err)
	}
	path := b.Path(rec.SessionID)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("postcall: backup: rename: %w", err)
	}
	return path, nil
}

// Prune removes backups last modified before cutoff and returns how many were
// deleted. Temporary files are left alone.
func (b *FileBackup) Prune(cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("postcall: prune: %w", err)
	}
	var removed int
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("postcall: prune: %w", errors.Join(errs...))
	}
	return removed, nil
}
