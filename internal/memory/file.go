package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/secrets"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"go.uber.org/zap"
)

const (
	recordExt    = ".jsonl"
	maxLineBytes = 32 * 1024 * 1024
)

// Line types of the JSON Lines layout.
const (
	lineDirective = "directive"
	lineIteration = "iteration"
	lineFinal     = "final"
)

// line is one row of a session file. Exactly one payload is set.
type line struct {
	Type      string             `json:"type"`
	Directive *session.Directive `json:"directive,omitempty"`
	Iteration *session.Iteration `json:"iteration,omitempty"`
	Final     *finalLine         `json:"final,omitempty"`
}

type finalLine struct {
	Status      session.Status `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	FinalState  session.State  `json:"final_state,omitempty"`
	FinalizedAt time.Time      `json:"finalized_at"`
}

// FileStore keeps one JSON Lines file per session.
type FileStore struct {
	dir      string
	scrubber *secrets.Scrubber
	logger   *logging.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed.
func NewFileStore(dir string, scrubber *secrets.Scrubber, logger *logging.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("memory: dir is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrMemoryPersistence, dir, err)
	}
	return &FileStore{dir: dir, scrubber: scrubber, logger: logger.Named("memory")}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+recordExt)
}

// Open creates the session file and writes the directive as its first line.
func (s *FileStore) Open(ctx context.Context, d session.Directive) (*Handle, error) {
	if err := validSessionID(d.SessionID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryPersistence, err)
	}

	f, err := os.OpenFile(s.path(d.SessionID), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create record: %w", ErrMemoryPersistence, err)
	}
	if err := writeLine(f, line{Type: lineDirective, Directive: &d}); err != nil {
		f.Close()
		return nil, err
	}
	syncDir(s.dir)

	s.logger.Debug(ctx, "opened session record", zap.String("path", f.Name()))
	return &Handle{SessionID: d.SessionID, closeFn: f.Close, file: f}, nil
}

// Append writes one iteration.
func (s *FileStore) Append(ctx context.Context, h *Handle, it session.Iteration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.next(it); err != nil {
		return err
	}
	it = scrubIteration(ctx, s.scrubber, s.logger, it)
	if err := writeLine(h.file, line{Type: lineIteration, Iteration: &it}); err != nil {
		return err
	}
	h.lastSeq = it.Seq
	return nil
}

// Finalize writes the terminal line and closes the file. The file is closed
// even when the write fails, leaving the record unfinalized on disk.
func (s *FileStore) Finalize(ctx context.Context, h *Handle, fin Final) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finalized {
		return fmt.Errorf("%w: %w: session %s", ErrMemoryPersistence, ErrFinalized, h.SessionID)
	}
	if !fin.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrMemoryPersistence, fin.Status)
	}

	err := writeLine(h.file, line{Type: lineFinal, Final: &finalLine{
		Status:      fin.Status,
		Reason:      fin.Reason,
		FinalState:  fin.FinalState,
		FinalizedAt: time.Now().UTC(),
	}})
	if err != nil {
		if cerr := h.release(); cerr != nil {
			s.logger.Warn(ctx, "closing unfinalized record", zap.Error(cerr))
		}
		return err
	}
	h.finalized = true
	if err := h.release(); err != nil {
		s.logger.Warn(ctx, "closing finalized record", zap.Error(err))
	}
	return nil
}

// Load replays a session file. A torn final line, left by a crash in the
// middle of a write, is ignored.
func (s *FileStore) Load(ctx context.Context, sessionID string) (*session.Record, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	f, err := os.Open(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open record: %w", ErrMemoryPersistence, err)
	}
	defer f.Close()

	rec, torn, err := replay(f)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %w", ErrMemoryPersistence, sessionID, err)
	}
	if torn {
		s.logger.Warn(ctx, "ignored torn trailing line", zap.String("session.id", sessionID))
	}
	return rec, nil
}

func replay(r io.Reader) (*session.Record, bool, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		rec     *session.Record
		n       int
		pending error
	)
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if pending != nil {
			return nil, false, pending
		}

		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			// Only acceptable as the very last line.
			pending = fmt.Errorf("line %d: %w", n, err)
			continue
		}

		switch {
		case l.Type == lineDirective && l.Directive != nil:
			if rec != nil {
				return nil, false, fmt.Errorf("line %d: second directive", n)
			}
			rec = &session.Record{Directive: *l.Directive}
		case rec == nil:
			return nil, false, fmt.Errorf("line %d: record does not start with a directive", n)
		case rec.Finalized():
			return nil, false, fmt.Errorf("line %d: data after finalization", n)
		case l.Type == lineIteration && l.Iteration != nil:
			rec.Iterations = append(rec.Iterations, *l.Iteration)
		case l.Type == lineFinal && l.Final != nil:
			at := l.Final.FinalizedAt
			rec.Status = l.Final.Status
			rec.Reason = l.Final.Reason
			rec.FinalState = l.Final.FinalState
			rec.FinalizedAt = &at
		default:
			return nil, false, fmt.Errorf("line %d: unknown line type %q", n, l.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if rec == nil {
		if pending != nil {
			return nil, false, pending
		}
		return nil, false, errors.New("empty record")
	}
	if err := rec.CheckContiguous(); err != nil {
		return nil, false, err
	}
	return rec, pending != nil, nil
}

// List summarizes every stored session, newest first.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrMemoryPersistence, s.dir, err)
	}

	type dated struct {
		Summary
		at time.Time
	}
	var out []dated
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), recordExt)
		if !ok || e.IsDir() {
			continue
		}
		rec, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable record", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, dated{Summary: summarize(rec), at: rec.Directive.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.After(out[j].at) })

	sums := make([]Summary, len(out))
	for i := range out {
		sums[i] = out[i].Summary
	}
	return sums, nil
}

func (s *FileStore) Close() error { return nil }

func summarize(rec *session.Record) Summary {
	return Summary{
		SessionID:  rec.Directive.SessionID,
		Directive:  rec.Directive.Text,
		Iterations: len(rec.Iterations),
		Status:     rec.Status,
	}
}

func writeLine(f *os.File, l line) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrMemoryPersistence, l.Type, err)
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrMemoryPersistence, l.Type, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrMemoryPersistence, l.Type, err)
	}
	return nil
}

// syncDir makes a newly created file's directory entry durable. Not every
// platform supports fsync on a directory; failure there is ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
