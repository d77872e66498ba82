package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/consent"
)

// FileConsentStore manages reading and writing the consent file.
// It provides atomic writes (write-tmp-then-rename), a backup of the
// previous document, and file locking (flock for cross-process, mutex for
// in-process).
type FileConsentStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

var _ consent.Store = (*FileConsentStore)(nil)

// NewFileConsentStore creates a store for the given file path.
func NewFileConsentStore(path string, logger *slog.Logger) *FileConsentStore {
	return &FileConsentStore{
		path:   path,
		logger: logger,
	}
}

// Load reads the consent record. A missing file yields an undecided record.
// A document without the auto-approval field (written by an older version)
// is also undecided. Invalid JSON is an error.
func (s *FileConsentStore) Load() (consent.Record, error) {
	doc, err := s.read()
	if err != nil {
		return consent.Record{}, err
	}
	return consent.Record{
		AutoApprovalEnabled: doc.AutoApprovalEnabled,
		FirstRunComplete:    doc.FirstRunComplete,
		Source:              consent.Source(doc.Source),
		UpdatedAt:           doc.UpdatedAt,
	}, nil
}

func (s *FileConsentStore) read() (*ConsentDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("consent file not found, consent undecided", "path", s.path)
			return &ConsentDocument{}, nil
		}
		return nil, fmt.Errorf("read consent file: %w", err)
	}

	// Skip on Windows where Unix file permission bits are not supported.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("consent file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var doc ConsentDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse consent file: %w", err)
	}
	return &doc, nil
}

// Save writes rec to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Re-read the current document so foreign keys survive
//  4. Copy current file to path+".bak" (ignored if no current file)
//  5. Write a temp file in the same directory with 0600 permissions, fsync, rename over path
//  6. Release flock and mutex
func (s *FileConsentStore) Save(rec consent.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create consent dir: %w", err)
	}

	return withFileLock(s.path, func() error {
		doc, readErr := s.read()
		if readErr != nil {
			// The previous document is unreadable; it is kept in .bak below and
			// replaced by a document holding only the consent keys.
			s.logger.Warn("replacing unreadable consent file", "path", s.path, "error", readErr)
			doc = &ConsentDocument{}
		}

		if currentData, err := os.ReadFile(s.path); err == nil {
			if writeErr := os.WriteFile(s.path+".bak", currentData, 0600); writeErr != nil {
				s.logger.Warn("failed to create backup", "error", writeErr)
			}
		}

		doc.AutoApprovalEnabled = rec.AutoApprovalEnabled
		doc.FirstRunComplete = rec.FirstRunComplete
		doc.Source = string(rec.Source)
		doc.UpdatedAt = rec.UpdatedAt

		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal consent: %w", err)
		}
		data = append(data, '\n')

		if err := writeFileAtomic(s.path, data); err != nil {
			return err
		}
		if err := os.Chmod(s.path, 0600); err != nil {
			s.logger.Warn("failed to set permissions on consent file", "error", err)
		}

		s.logger.Debug("consent saved", "path", s.path)
		return nil
	})
}

// withFileLock runs fn while holding an exclusive flock on path+".lock".
func withFileLock(path string, fn func() error) error {
	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	return fn()
}

// writeFileAtomic writes data to a temp file in the same directory, fsyncs
// it, and renames it over path. On any error the temp file is removed.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if err := f.Chmod(0600); err != nil && runtime.GOOS != "windows" {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Exists returns true if the consent file exists on disk.
func (s *FileConsentStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *FileConsentStore) Path() string {
	return s.path
}
