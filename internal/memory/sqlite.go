package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/secrets"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteFile = "memory.db"

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	directive    TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	status       TEXT,
	reason       TEXT,
	final_state  TEXT,
	finalized_at TEXT
);
CREATE TABLE IF NOT EXISTS iterations (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	body       TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);`

// SQLiteStore keeps every session in one SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	scrubber *secrets.Scrubber
	logger   *logging.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) dir/memory.db.
func NewSQLiteStore(dir string, scrubber *secrets.Scrubber, logger *logging.Logger) (*SQLiteStore, error) {
	if dir == "" {
		return nil, errors.New("memory: dir is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrMemoryPersistence, dir, err)
	}

	path := filepath.Join(dir, sqliteFile)
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrMemoryPersistence, path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %w", ErrMemoryPersistence, err)
	}
	return &SQLiteStore{db: db, path: path, scrubber: scrubber, logger: logger.Named("memory")}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, d session.Directive) (*Handle, error) {
	if err := validSessionID(d.SessionID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryPersistence, err)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: encode directive: %w", ErrMemoryPersistence, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, directive, created_at) VALUES (?, ?, ?)`,
		d.SessionID, string(body), d.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("%w: insert session: %w", ErrMemoryPersistence, err)
	}
	s.logger.Debug(ctx, "opened session record", zap.String("db", s.path))
	return &Handle{SessionID: d.SessionID, closeFn: func() error { return nil }}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, h *Handle, it session.Iteration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.next(it); err != nil {
		return err
	}
	it = scrubIteration(ctx, s.scrubber, s.logger, it)
	body, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("%w: encode iteration: %w", ErrMemoryPersistence, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations (session_id, seq, body) VALUES (?, ?, ?)`,
		h.SessionID, it.Seq, string(body)); err != nil {
		return fmt.Errorf("%w: insert iteration %d: %w", ErrMemoryPersistence, it.Seq, err)
	}
	h.lastSeq = it.Seq
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, h *Handle, fin Final) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finalized {
		return fmt.Errorf("%w: %w: session %s", ErrMemoryPersistence, ErrFinalized, h.SessionID)
	}
	if !fin.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrMemoryPersistence, fin.Status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, reason = ?, final_state = ?, finalized_at = ?
		 WHERE id = ? AND finalized_at IS NULL`,
		string(fin.Status), fin.Reason, string(fin.FinalState),
		time.Now().UTC().Format(timeLayout), h.SessionID)
	if err != nil {
		return fmt.Errorf("%w: finalize: %w", ErrMemoryPersistence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %w: session %s", ErrMemoryPersistence, ErrFinalized, h.SessionID)
	}
	h.finalized = true
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*session.Record, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}

	var (
		directive                                  string
		status, reason, finalState, finalizedAtStr sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT directive, status, reason, final_state, finalized_at FROM sessions WHERE id = ?`,
		sessionID).Scan(&directive, &status, &reason, &finalState, &finalizedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %w", ErrMemoryPersistence, err)
	}

	rec := &session.Record{
		Status:     session.Status(status.String),
		Reason:     reason.String,
		FinalState: session.State(finalState.String),
	}
	if err := json.Unmarshal([]byte(directive), &rec.Directive); err != nil {
		return nil, fmt.Errorf("%w: decode directive: %w", ErrMemoryPersistence, err)
	}
	if finalizedAtStr.Valid {
		at, err := time.Parse(time.RFC3339Nano, finalizedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("%w: decode finalized_at: %w", ErrMemoryPersistence, err)
		}
		rec.FinalizedAt = &at
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM iterations WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: load iterations: %w", ErrMemoryPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan iteration: %w", ErrMemoryPersistence, err)
		}
		var it session.Iteration
		if err := json.Unmarshal([]byte(body), &it); err != nil {
			return nil, fmt.Errorf("%w: decode iteration: %w", ErrMemoryPersistence, err)
		}
		rec.Iterations = append(rec.Iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load iterations: %w", ErrMemoryPersistence, err)
	}
	if err := rec.CheckContiguous(); err != nil {
		return nil, fmt.Errorf("%w: session %s: %w", ErrMemoryPersistence, sessionID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.directive, COALESCE(s.status, ''), COUNT(i.seq)
		FROM sessions s LEFT JOIN iterations i ON i.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %w", ErrMemoryPersistence, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			directive string
			status    string
		)
		if err := rows.Scan(&sum.SessionID, &directive, &status, &sum.Iterations); err != nil {
			return nil, fmt.Errorf("%w: scan session: %w", ErrMemoryPersistence, err)
		}
		var d session.Directive
		if err := json.Unmarshal([]byte(directive), &d); err == nil {
			sum.Directive = d.Text
		}
		sum.Status = session.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
