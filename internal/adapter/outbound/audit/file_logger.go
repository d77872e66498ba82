// Package audit provides the append-only JSON Lines decision log with size
// rotation, a bounded backup count, and an in-memory tail cache.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/validation"
)

// backupTimeFormat is fixed-width so backups sort chronologically by name.
const backupTimeFormat = "20060102T150405.000000000Z"

// Defaults for FileLoggerConfig.
const (
	DefaultMaxSizeMB    = 10
	DefaultMaxBackups   = 5
	DefaultCacheSize    = 1000
	DefaultRetryBackoff = 25 * time.Millisecond
)

// FileLoggerConfig holds configuration for the JSONL decision log.
type FileLoggerConfig struct {
	// Path is the active log file. Rotated files sit next to it as
	// <name>.<UTC timestamp>.
	Path string
	// MaxSizeMB is the size that triggers rotation (default 10).
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept (default 5, negative
	// keeps none). Oldest are deleted first.
	MaxBackups int
	// CacheSize is the number of recent entries kept for Tail (default 1000).
	CacheSize int
	// RetryBackoff is the pause before the single write retry (default 25ms).
	RetryBackoff time.Duration
}

// FileLoggerOption configures a FileLogger.
type FileLoggerOption func(*FileLogger)

// WithMirror copies every written entry to a secondary logger such as the
// SQLite mirror. Mirror failures are logged and never fail the write.
func WithMirror(m audit.Logger) FileLoggerOption {
	return func(l *FileLogger) { l.mirror = m }
}

// WithClock replaces the clock used for missing entry timestamps and
// backup names.
func WithClock(now func() time.Time) FileLoggerOption {
	return func(l *FileLogger) { l.now = now }
}

// FileLogger implements audit.Logger on a JSON Lines file. Each entry is
// one line written with a single Write call under the logger's mutex.
type FileLogger struct {
	path         string
	maxSize      int64
	maxBackups   int
	retryBackoff time.Duration
	mirror       audit.Logger
	now          func() time.Time
	open         func(path string) (*os.File, error)

	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
	closed      bool
	cacheLoaded bool

	cache  *entryCache
	logger *slog.Logger
}

// NewFileLogger opens (or creates) the active log file and prunes surplus
// backups. The tail cache is filled from the active file on the first Tail
// call, so one-shot processes that only append never read the log.
func NewFileLogger(cfg FileLoggerConfig, logger *slog.Logger, opts ...FileLoggerOption) (*FileLogger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultMaxSizeMB
	}
	if cfg.MaxBackups < 0 {
		cfg.MaxBackups = 0
	} else if cfg.MaxBackups == 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	l := &FileLogger{
		path:         cfg.Path,
		maxSize:      int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups:   cfg.MaxBackups,
		retryBackoff: cfg.RetryBackoff,
		now:          time.Now,
		open:         openAppend,
		cache:        newEntryCache(cfg.CacheSize),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.openCurrentLocked(); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.pruneBackupsLocked()
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// LogDecision redacts and sanitizes entry, then appends it as one line.
// A failed write is retried once after a backoff with the file reopened;
// a second failure is returned as a *validation.PersistenceError.
func (l *FileLogger) LogDecision(ctx context.Context, entry audit.Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry = Prepare(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return &validation.PersistenceError{Op: "audit log", Err: fmt.Errorf("marshal entry: %w", err)}
	}
	line := append(data, '\n')

	if err := l.append(ctx, line, entry); err != nil {
		return err
	}

	if l.mirror != nil {
		if err := l.mirror.LogDecision(ctx, entry); err != nil {
			l.logger.Warn("audit mirror write failed", "request_id", entry.RequestID, "error", err)
		}
	}
	return nil
}

func (l *FileLogger) append(ctx context.Context, line []byte, entry audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &validation.PersistenceError{Op: "audit log", Err: os.ErrClosed}
	}

	if l.currentSize > 0 && l.currentSize+int64(len(line)) > l.maxSize {
		if err := l.rotateLocked(); err != nil {
			// Keep writing to whatever is open; a missed rotation loses nothing.
			l.logger.Error("audit log rotation failed", "path", l.path, "error", err)
		}
	}

	err := l.writeLocked(line)
	if err == nil {
		l.cacheLocked(entry)
		return nil
	}
	l.logger.Warn("audit write failed, retrying", "path", l.path, "error", err)

	select {
	case <-ctx.Done():
	case <-time.After(l.retryBackoff):
	}

	if rerr := l.reopenLocked(); rerr != nil {
		return &validation.PersistenceError{Op: "audit log", Err: errors.Join(err, rerr)}
	}
	if err := l.writeLocked(line); err != nil {
		return &validation.PersistenceError{Op: "audit log", Err: err}
	}
	l.cacheLocked(entry)
	return nil
}

// cacheLocked must be called with l.mu held. Before the first Tail the file
// is the only record; the entry is picked up when the cache is loaded.
func (l *FileLogger) cacheLocked(entry audit.Entry) {
	if l.cacheLoaded {
		l.cache.Add(entry)
	}
}

// writeLocked must be called with l.mu held.
func (l *FileLogger) writeLocked(line []byte) error {
	if l.currentFile == nil {
		return os.ErrClosed
	}
	n, err := l.currentFile.Write(line)
	l.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// openCurrentLocked must be called with l.mu held or before l is shared.
func (l *FileLogger) openCurrentLocked() error {
	f, err := l.open(l.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", l.path, err)
	}
	l.currentFile = f
	l.currentSize = info.Size()
	return nil
}

func (l *FileLogger) reopenLocked() error {
	if l.currentFile != nil {
		_ = l.currentFile.Close()
		l.currentFile = nil
	}
	return l.openCurrentLocked()
}

// rotateLocked renames the active file to <name>.<UTC timestamp>, opens a
// fresh one and prunes backups beyond maxBackups.
// Must be called with l.mu held.
func (l *FileLogger) rotateLocked() error {
	if l.currentFile != nil {
		_ = l.currentFile.Sync()
		_ = l.currentFile.Close()
		l.currentFile = nil
	}

	ts := l.now().UTC()
	target := l.backupName(ts)
	for {
		if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
			break
		}
		ts = ts.Add(time.Nanosecond)
		target = l.backupName(ts)
	}

	renameErr := os.Rename(l.path, target)
	if err := l.openCurrentLocked(); err != nil {
		return errors.Join(renameErr, err)
	}
	if renameErr != nil {
		return fmt.Errorf("rename audit log: %w", renameErr)
	}
	l.logger.Info("audit log rotated", "backup", filepath.Base(target))
	l.pruneBackupsLocked()
	return nil
}

func (l *FileLogger) backupName(ts time.Time) string {
	return l.path + "." + ts.Format(backupTimeFormat)
}

// Backups returns the rotated files for the log, oldest first.
func (l *FileLogger) Backups() ([]string, error) {
	return listBackups(l.path)
}

func listBackups(path string) ([]string, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix := base + "."
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := time.Parse(backupTimeFormat, strings.TrimPrefix(name, prefix)); err != nil {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	sort.Strings(backups)
	return backups, nil
}

// pruneBackupsLocked deletes the oldest backups beyond maxBackups.
func (l *FileLogger) pruneBackupsLocked() {
	backups, err := listBackups(l.path)
	if err != nil {
		l.logger.Error("audit backup listing failed", "path", l.path, "error", err)
		return
	}
	for len(backups) > l.maxBackups {
		if err := os.Remove(backups[0]); err != nil {
			l.logger.Error("audit backup removal failed", "file", backups[0], "error", err)
		}
		backups = backups[1:]
	}
}

// Flush syncs the active file.
func (l *FileLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile != nil {
		return l.currentFile.Sync()
	}
	return nil
}

// Close syncs and closes the active file. Later writes fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.currentFile != nil {
		_ = l.currentFile.Sync()
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// Path returns the active log file path.
func (l *FileLogger) Path() string { return l.path }

// Tail returns the last n entries of the active file, newest first.
func (l *FileLogger) Tail(n int) []audit.Entry {
	l.mu.Lock()
	if !l.cacheLoaded {
		l.populateCacheLocked()
		l.cacheLoaded = true
	}
	l.mu.Unlock()
	return l.cache.Recent(n)
}

// populateCacheLocked must be called with l.mu held so no write lands
// between the read and the first cached append.
func (l *FileLogger) populateCacheLocked() {
	entries, skipped, err := ReadEntries(l.path)
	if err != nil {
		l.logger.Error("audit cache: failed to read log", "path", l.path, "error", err)
		return
	}
	if skipped > 0 {
		l.logger.Warn("audit cache: skipped malformed lines", "path", l.path, "count", skipped)
	}
	start := 0
	if len(entries) > l.cache.size {
		start = len(entries) - l.cache.size
	}
	for _, e := range entries[start:] {
		l.cache.Add(e)
	}
}

// Prepare returns entry with secrets redacted and every string made safe
// for a single log line.
func Prepare(entry audit.Entry) audit.Entry {
	entry.RequestID = validation.SanitizeForLog(entry.RequestID)
	entry.Session = validation.SanitizeForLog(entry.Session)
	entry.Agent = validation.SanitizeForLog(entry.Agent)
	entry.Tool = validation.SanitizeForLog(entry.Tool)
	entry.Reason = validation.SanitizeForLog(validation.RedactSecrets(entry.Reason))
	entry.MatchedPattern = validation.SanitizeForLog(entry.MatchedPattern)
	if entry.Parameters != nil {
		params, _ := validation.SanitizeValue(validation.RedactParameters(entry.Parameters)).(map[string]interface{})
		entry.Parameters = params
	}
	return entry
}

// ReadEntries reads a JSONL audit file. Malformed lines are skipped and
// counted. A missing file yields no entries and no error.
func ReadEntries(path string) ([]audit.Entry, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var (
		entries []audit.Entry
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("read %s: %w", path, err)
	}
	return entries, skipped, nil
}

// Compile-time interface verification.
var _ audit.Logger = (*FileLogger)(nil)
