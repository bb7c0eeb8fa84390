// Package skills is the Skill Registry: a versioned catalog of executable
// units shared by every session under one workspace root.
//
// Layout under the registry directory:
//
//	index.json          catalog of every version, rewritten atomically
//	index.lock          advisory lock held while registering
//	<name>/v<N>.py      skill source, one file per version, never rewritten
//	incoming/           drop zone watched for operator pre-registration
//
// Lookups run concurrently; registrations are serialized, across processes
// too, by a lock on the directory. Every registration rereads index.json under
// that lock, so registries opened on the same directory never hand out the
// same version twice. Registering byte-identical content returns the existing
// version.
package skills

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/sanitize"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

var (
	// ErrSkillNotFound is returned when a name or version is not registered.
	ErrSkillNotFound = errors.New("skill not found")

	// ErrInvalidSkill is returned by Register for unusable input.
	ErrInvalidSkill = errors.New("invalid skill")
)

const (
	indexFile   = "index.json"
	lockFile    = "index.lock"
	incomingDir = "incoming"
	sourceExt   = ".py"
)

// Skill is one version of a named executable unit.
type Skill struct {
	Name         string    `json:"name" yaml:"name"`
	Version      int       `json:"version" yaml:"version"`
	Content      string    `json:"-" yaml:"content,omitempty"`
	Capabilities []string  `json:"capabilities" yaml:"capabilities"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Hash         string    `json:"hash" yaml:"hash"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// HasCapability reports whether tag is declared (case-insensitive).
func (s Skill) HasCapability(tag string) bool {
	return slices.ContainsFunc(s.Capabilities, func(c string) bool {
		return strings.EqualFold(c, tag)
	})
}

// Observer is told about every newly created version, in registration order.
// It runs under the registration lock and must not call Register.
type Observer interface {
	SkillRegistered(ctx context.Context, s Skill) error
}

type index struct {
	Skills map[string][]Skill `json:"skills"`
}

// Registry is safe for concurrent use.
type Registry struct {
	dir    string
	logger *logging.Logger

	mu        sync.RWMutex
	idx       index
	loaded    fs.FileInfo // index.json as of the last read; nil if absent
	observers []Observer
}

// Open loads (or initializes) the registry in dir.
func Open(dir string, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Join(dir, incomingDir), 0o700); err != nil {
		return nil, fmt.Errorf("create skills dir: %w", err)
	}
	r := &Registry{
		dir:    dir,
		logger: logger.Named("skills"),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// reload replaces the in-memory index with index.json. Callers hold r.mu
// for writing.
func (r *Registry) reload() error {
	path := filepath.Join(r.dir, indexFile)
	idx := index{Skills: map[string][]Skill{}}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.idx, r.loaded = idx, nil
		return nil
	case err != nil:
		return fmt.Errorf("stat skill index: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read skill index: %w", err)
	}
	if err := json.Unmarshal(b, &idx); err != nil {
		return fmt.Errorf("decode skill index: %w", err)
	}
	if idx.Skills == nil {
		idx.Skills = map[string][]Skill{}
	}
	r.idx, r.loaded = idx, info
	return nil
}

// snapshot returns the current index, rereading index.json first if another
// registry has replaced it since the last read.
func (r *Registry) snapshot() index {
	info, err := os.Stat(filepath.Join(r.dir, indexFile))

	r.mu.RLock()
	stale := err == nil && (r.loaded == nil || !os.SameFile(r.loaded, info) ||
		!r.loaded.ModTime().Equal(info.ModTime()) || r.loaded.Size() != info.Size())
	idx := r.idx
	r.mu.RUnlock()
	if !stale {
		return idx
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reload(); err != nil {
		r.logger.Warn(context.Background(), "skill index reload failed, serving cached index", zap.Error(err))
	}
	return r.idx
}

// Dir returns the registry directory.
func (r *Registry) Dir() string { return r.dir }

// IncomingDir returns the operator drop zone.
func (r *Registry) IncomingDir() string { return filepath.Join(r.dir, incomingDir) }

// AddObserver subscribes o to future registrations.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Hash returns the content hash used for idempotent registration.
func Hash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Register stores s as a new version of s.Name and returns the stored skill.
// If any existing version of the name has identical content, that version is
// returned and nothing is written.
func (r *Registry) Register(ctx context.Context, s Skill) (Skill, error) {
	name := skillName(s.Name)
	if strings.TrimSpace(s.Name) == "" {
		return Skill{}, fmt.Errorf("%w: name is required", ErrInvalidSkill)
	}
	if strings.TrimSpace(s.Content) == "" {
		return Skill{}, fmt.Errorf("%w: content is empty", ErrInvalidSkill)
	}
	hash := Hash(s.Content)

	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := lockIndex(r.dir)
	if err != nil {
		return Skill{}, err
	}
	defer unlock()
	if err := r.reload(); err != nil {
		return Skill{}, err
	}

	versions := r.idx.Skills[name]
	for _, v := range versions {
		if v.Hash == hash {
			v.Content = s.Content
			r.logger.Debug(ctx, "identical content already registered",
				zap.String("skill", name), zap.Int("version", v.Version))
			return v, nil
		}
	}

	stored := Skill{
		Name:         name,
		Version:      len(versions) + 1,
		Content:      s.Content,
		Capabilities: normalizeCapabilities(s.Capabilities),
		Description:  strings.TrimSpace(s.Description),
		Hash:         hash,
		CreatedAt:    time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Join(r.dir, name), 0o700); err != nil {
		return Skill{}, fmt.Errorf("create skill dir: %w", err)
	}
	if err := writeNew(r.sourcePath(name, stored.Version), []byte(stored.Content)); err != nil {
		return Skill{}, err
	}

	next := cloneIndex(r.idx)
	next.Skills[name] = append(next.Skills[name], withoutContent(stored))
	if err := r.writeIndex(next); err != nil {
		os.Remove(r.sourcePath(name, stored.Version))
		return Skill{}, err
	}
	if err := r.reload(); err != nil {
		r.idx = next
	}

	r.logger.Info(ctx, "registered skill",
		zap.String("skill", name),
		zap.Int("version", stored.Version),
		zap.Strings("capabilities", stored.Capabilities))

	for _, o := range r.observers {
		if err := o.SkillRegistered(ctx, stored); err != nil {
			r.logger.Warn(ctx, "skill observer failed", zap.String("skill", name), zap.Error(err))
		}
	}
	return stored, nil
}

// Lookup returns the latest version of name.
func (r *Registry) Lookup(name string) (Skill, error) {
	versions := r.snapshot().Skills[skillName(name)]
	if len(versions) == 0 {
		return Skill{}, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return r.withContent(versions[len(versions)-1])
}

// LookupVersion returns one specific version of name.
func (r *Registry) LookupVersion(name string, version int) (Skill, error) {
	versions := r.snapshot().Skills[skillName(name)]
	if version < 1 || version > len(versions) {
		return Skill{}, fmt.Errorf("%w: %s v%d", ErrSkillNotFound, name, version)
	}
	return r.withContent(versions[version-1])
}

// Versions returns every version of name, oldest first, without content.
func (r *Registry) Versions(name string) []Skill {
	return slices.Clone(r.snapshot().Skills[skillName(name)])
}

// ListByCapability returns the latest version of each skill declaring tag,
// sorted by name. Content is not loaded.
func (r *Registry) ListByCapability(tag string) []Skill {
	var out []Skill
	for _, s := range r.List() {
		if s.HasCapability(tag) {
			out = append(out, s)
		}
	}
	return out
}

// List returns the latest version of every skill, sorted by name. Content is
// not loaded.
func (r *Registry) List() []Skill {
	idx := r.snapshot()
	out := make([]Skill, 0, len(idx.Skills))
	for _, versions := range idx.Skills {
		if len(versions) > 0 {
			out = append(out, versions[len(versions)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// skillName maps a requested name onto a directory-safe identifier that
// cannot collide with the drop zone.
func skillName(name string) string {
	id := sanitize.Identifier(name)
	if id == incomingDir {
		id += "_skill"
	}
	return id
}

func (r *Registry) sourcePath(name string, version int) string {
	return filepath.Join(r.dir, name, fmt.Sprintf("v%d%s", version, sourceExt))
}

func (r *Registry) withContent(s Skill) (Skill, error) {
	b, err := os.ReadFile(r.sourcePath(s.Name, s.Version))
	if err != nil {
		return Skill{}, fmt.Errorf("read %s v%d: %w", s.Name, s.Version, err)
	}
	s.Content = string(b)
	s.Capabilities = slices.Clone(s.Capabilities)
	return s, nil
}

func (r *Registry) writeIndex(idx index) error {
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode skill index: %w", err)
	}
	return writeAtomic(filepath.Join(r.dir, indexFile), b)
}

// writeNew creates path with data, refusing to replace an existing file.
func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// writeAtomic replaces path via a synced temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func normalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func withoutContent(s Skill) Skill {
	s.Content = ""
	return s
}

func cloneIndex(idx index) index {
	out := index{Skills: make(map[string][]Skill, len(idx.Skills)+1)}
	for k, v := range idx.Skills {
		out.Skills[k] = slices.Clone(v)
	}
	return out
}
