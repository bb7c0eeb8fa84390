package skills

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit is one entry of the registry history.
type Commit struct {
	Hash    string    `json:"hash" yaml:"hash"`
	Message string    `json:"message" yaml:"message"`
	When    time.Time `json:"when" yaml:"when"`
}

// History records every new skill version as a git commit in the registry
// directory.
type History struct {
	repo *git.Repository
	dir  string
	mu   sync.Mutex
}

var _ Observer = (*History)(nil)

var author = object.Signature{Name: "swarm", Email: "swarm@localhost"}

// NewHistory opens the git repository in reg's directory, initializing it on
// first use, and subscribes to registrations.
func NewHistory(reg *Registry) (*History, error) {
	dir := reg.Dir()
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open skill history: %w", err)
	}
	h := &History{repo: repo, dir: dir}
	reg.AddObserver(h)
	return h, nil
}

// SkillRegistered commits the new version file and the index.
func (h *History) SkillRegistered(_ context.Context, sk Skill) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	wt, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	src := filepath.ToSlash(filepath.Join(sk.Name, fmt.Sprintf("v%d%s", sk.Version, sourceExt)))
	for _, p := range []string{src, indexFile} {
		if _, err := wt.Add(p); err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}

	sig := author
	sig.When = sk.CreatedAt
	if sig.When.IsZero() {
		sig.When = time.Now()
	}
	msg := fmt.Sprintf("register %s v%d\n\nhash: %s\n", sk.Name, sk.Version, sk.Hash)
	if _, err := wt.Commit(msg, &git.CommitOptions{Author: &sig}); err != nil {
		return fmt.Errorf("commit %s v%d: %w", sk.Name, sk.Version, err)
	}
	return nil
}

// Log returns up to limit commits, newest first. limit <= 0 means all.
func (h *History) Log(limit int) ([]Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.repo.Head(); err != nil {
		// No commits yet.
		return nil, nil
	}
	iter, err := h.repo.Log(&git.LogOptions{Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer iter.Close()

	var out []Commit
	stop := errors.New("stop")
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(out) >= limit {
			return stop
		}
		out = append(out, Commit{Hash: c.Hash.String(), Message: c.Message, When: c.Author.When})
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	return out, nil
}
