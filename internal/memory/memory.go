// Package memory persists session records.
//
// A record is append-only: Open writes the directive, Append adds one
// iteration at a time with contiguous sequence numbers, and Finalize writes
// the terminal status exactly once. Every call is durable before it returns.
// Execution output and generated code are passed through the secret scrubber
// before they reach disk.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/secrets"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrMemoryPersistence wraps every failure to make a record durable or
	// to read it back intact.
	ErrMemoryPersistence = errors.New("memory persistence failure")

	// ErrSessionNotFound is returned by Load for an unknown session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFinalized is returned when writing to a finalized record.
	ErrFinalized = errors.New("record already finalized")

	// ErrSequence is returned when an iteration is out of order.
	ErrSequence = errors.New("iteration out of sequence")
)

// Store is the Memory Store contract shared by the backends.
type Store interface {
	Open(ctx context.Context, d session.Directive) (*Handle, error)
	Append(ctx context.Context, h *Handle, it session.Iteration) error
	Finalize(ctx context.Context, h *Handle, f Final) error
	Load(ctx context.Context, sessionID string) (*session.Record, error)
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// Final is the terminal outcome written by Finalize.
type Final struct {
	Status     session.Status
	Reason     string
	FinalState session.State
}

// Summary is a one-line view of a stored session.
type Summary struct {
	SessionID  string         `json:"session_id" yaml:"session_id"`
	Directive  string         `json:"directive" yaml:"directive"`
	Iterations int            `json:"iterations" yaml:"iterations"`
	Status     session.Status `json:"status,omitempty" yaml:"status,omitempty"`
}

// Handle is an open, writable record. It is not shared between sessions.
type Handle struct {
	SessionID string

	mu        sync.Mutex
	lastSeq   int
	finalized bool
	closeFn   func() error

	file *os.File // file backend only
}

// next checks that it may be appended to h.
func (h *Handle) next(it session.Iteration) error {
	if h.finalized {
		return fmt.Errorf("%w: %w: session %s", ErrMemoryPersistence, ErrFinalized, h.SessionID)
	}
	if it.Seq != h.lastSeq+1 {
		return fmt.Errorf("%w: %w: got seq %d, want %d", ErrMemoryPersistence, ErrSequence, it.Seq, h.lastSeq+1)
	}
	return nil
}

// release runs closeFn at most once.
func (h *Handle) release() error {
	fn := h.closeFn
	h.closeFn = nil
	if fn == nil {
		return nil
	}
	return fn()
}

// New opens the backend selected by cfg.Backend in dir.
func New(cfg config.MemoryConfig, dir string, scrubber *secrets.Scrubber, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(dir, scrubber, logger)
	case "sqlite":
		return NewSQLiteStore(dir, scrubber, logger)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// validSessionID rejects ids that could not have come from NewDirective.
// Session ids end up in file names.
func validSessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid session id %q: %w", id, err)
	}
	return nil
}

// scrubIteration returns a copy of it with secrets removed from every field
// that can carry generated code or program output.
func scrubIteration(ctx context.Context, s *secrets.Scrubber, logger *logging.Logger, it session.Iteration) session.Iteration {
	var found []string
	scrub := func(v string) string {
		out, ids := s.Scrub(v)
		found = append(found, ids...)
		return out
	}

	if it.Action != nil {
		a := *it.Action
		a.Code = scrub(a.Code)
		a.Summary = scrub(a.Summary)
		if len(a.Args) > 0 {
			args := make(map[string]string, len(a.Args))
			for k, v := range a.Args {
				args[k] = scrub(v)
			}
			a.Args = args
		}
		it.Action = &a
	}
	if it.Result != nil {
		r := *it.Result
		r.Stdout = scrub(r.Stdout)
		r.Stderr = scrub(r.Stderr)
		r.Detail = scrub(r.Detail)
		it.Result = &r
	}
	if it.Error != nil {
		e := *it.Error
		e.Message = scrub(e.Message)
		e.Raw = scrub(e.Raw)
		it.Error = &e
	}
	it.Reflection = scrub(it.Reflection)

	if len(found) > 0 {
		logger.Debug(ctx, "secrets redacted before persistence",
			zap.Int("seq", it.Seq),
			zap.Strings("rules", found))
	}
	return it
}
