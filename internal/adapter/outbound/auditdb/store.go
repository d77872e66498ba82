// Package auditdb mirrors audit entries into SQLite so they can be queried.
// The JSONL log stays authoritative; this store is an index over it.
package auditdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width UTC so stored timestamps compare as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              TEXT NOT NULL,
	event           TEXT NOT NULL,
	request_id      TEXT NOT NULL,
	session         TEXT,
	agent           TEXT,
	tool            TEXT,
	parameters      TEXT,
	reason          TEXT,
	matched_pattern TEXT,
	security_risk   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session, ts);
`

// Store implements audit.QueryStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the mirror database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit db migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// LogDecision inserts one entry. The entry is expected to be redacted already.
func (s *Store) LogDecision(ctx context.Context, e audit.Entry) error {
	var params []byte
	if e.Parameters != nil {
		var err error
		if params, err = json.Marshal(e.Parameters); err != nil {
			return fmt.Errorf("marshal parameters: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (ts, event, request_id, session, agent, tool, parameters, reason, matched_pattern, security_risk)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(timeFormat), string(e.Event), e.RequestID, e.Session, e.Agent, e.Tool,
		string(params), e.Reason, e.MatchedPattern, boolToInt(e.SecurityRisk),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	where, args := buildWhere(filter)
	q := `SELECT ts, event, request_id, session, agent, tool, parameters, reason, matched_pattern, security_risk
	      FROM decisions` + where + ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e                            audit.Entry
			ts, event                    string
			session, agent, tool, params sql.NullString
			reason, pattern              sql.NullString
			risk                         int
		)
		if err := rows.Scan(&ts, &event, &e.RequestID, &session, &agent, &tool, &params, &reason, &pattern, &risk); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			s.logger.Warn("audit db: bad timestamp", "value", ts, "error", err)
		}
		e.Event = audit.Event(event)
		e.Session, e.Agent, e.Tool = session.String, agent.String, tool.String
		e.Reason, e.MatchedPattern = reason.String, pattern.String
		e.SecurityRisk = risk != 0
		if params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &e.Parameters); err != nil {
				s.logger.Warn("audit db: bad parameters", "request_id", e.RequestID, "error", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats aggregates entries in [start, end]. Zero bounds are open.
func (s *Store) Stats(ctx context.Context, start, end time.Time) (*audit.Stats, error) {
	f := audit.Filter{Start: start, End: end}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	where, args := buildWhere(f)

	stats := &audit.Stats{ByEvent: map[audit.Event]int64{}, ByTool: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event, COALESCE(tool, ''), SUM(security_risk), COUNT(*) FROM decisions`+where+` GROUP BY event, tool`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			event, tool string
			risk, n     int64
		)
		if err := rows.Scan(&event, &tool, &risk, &n); err != nil {
			return nil, fmt.Errorf("scan audit stats: %w", err)
		}
		stats.Total += n
		stats.SecurityRisk += risk
		stats.ByEvent[audit.Event(event)] += n
		stats.ByTool[tool] += n
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func buildWhere(f audit.Filter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if !f.Start.IsZero() {
		add("ts >= ?", f.Start.UTC().Format(timeFormat))
	}
	if !f.End.IsZero() {
		add("ts <= ?", f.End.UTC().Format(timeFormat))
	}
	if f.Event != "" {
		add("event = ?", string(f.Event))
	}
	if f.Agent != "" {
		add("agent = ?", f.Agent)
	}
	if f.Session != "" {
		add("session = ?", f.Session)
	}
	if f.Tool != "" {
		add("tool = ?", f.Tool)
	}
	if f.SecurityRisk != nil {
		add("security_risk = ?", boolToInt(*f.SecurityRisk))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface verification.
var _ audit.QueryStore = (*Store)(nil)
