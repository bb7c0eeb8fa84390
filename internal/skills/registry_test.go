package skills

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "skills"), nil)
	require.NoError(t, err)
	return r
}

func TestRegister_VersionsAndIdempotence(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	v1, err := r.Register(ctx, Skill{Name: "Sum CSV", Content: "print(1)\n", Capabilities: []string{"CSV", "math", "csv"}})
	require.NoError(t, err)
	assert.Equal(t, "sum_csv", v1.Name)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, []string{"csv", "math"}, v1.Capabilities)
	assert.Equal(t, Hash("print(1)\n"), v1.Hash)

	again, err := r.Register(ctx, Skill{Name: "sum_csv", Content: "print(1)\n"})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version)
	assert.Len(t, r.Versions("sum_csv"), 1)

	v2, err := r.Register(ctx, Skill{Name: "sum_csv", Content: "print(2)\n"})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// Re-registering the first content still maps to version 1.
	back, err := r.Register(ctx, Skill{Name: "sum_csv", Content: "print(1)\n"})
	require.NoError(t, err)
	assert.Equal(t, 1, back.Version)

	b, err := os.ReadFile(filepath.Join(r.Dir(), "sum_csv", "v1.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", string(b))
}

func TestRegister_Invalid(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Register(context.Background(), Skill{Name: "", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidSkill)
	_, err = r.Register(context.Background(), Skill{Name: "x", Content: "  \n"})
	assert.ErrorIs(t, err, ErrInvalidSkill)
}

func TestRegister_IncomingNameIsReserved(t *testing.T) {
	r := newRegistry(t)
	sk, err := r.Register(context.Background(), Skill{Name: "incoming", Content: "print(1)"})
	require.NoError(t, err)
	assert.NotEqual(t, "incoming", sk.Name)
}

func TestLookup(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, ErrSkillNotFound)

	_, err = r.Register(ctx, Skill{Name: "greet", Content: "print('a')"})
	require.NoError(t, err)
	_, err = r.Register(ctx, Skill{Name: "greet", Content: "print('b')"})
	require.NoError(t, err)

	latest, err := r.Lookup("greet")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "print('b')", latest.Content)

	first, err := r.LookupVersion("greet", 1)
	require.NoError(t, err)
	assert.Equal(t, "print('a')", first.Content)

	_, err = r.LookupVersion("greet", 3)
	assert.ErrorIs(t, err, ErrSkillNotFound)
}

func TestListByCapability(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for _, s := range []Skill{
		{Name: "b_parse", Content: "1", Capabilities: []string{"csv"}},
		{Name: "a_parse", Content: "2", Capabilities: []string{"CSV", "io"}},
		{Name: "fetch", Content: "3", Capabilities: []string{"io"}},
	} {
		_, err := r.Register(ctx, s)
		require.NoError(t, err)
	}

	got := r.ListByCapability("csv")
	require.Len(t, got, 2)
	assert.Equal(t, "a_parse", got[0].Name)
	assert.Equal(t, "b_parse", got[1].Name)
	assert.Empty(t, r.ListByCapability("network"))
	assert.Len(t, r.List(), 3)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skills")
	r, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = r.Register(context.Background(), Skill{Name: "keep", Content: "print(1)", Capabilities: []string{"x"}})
	require.NoError(t, err)

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	sk, err := reopened.Lookup("keep")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", sk.Content)
	assert.Equal(t, []string{"x"}, sk.Capabilities)

	// No temp files are left next to the index.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), e.Name())
	}
}

func TestConcurrentRegistrationsAllocateDistinctVersions(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	versions := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sk, err := r.Register(ctx, Skill{Name: "shared", Content: strings.Repeat("x", i+1)})
			assert.NoError(t, err)
			versions[i] = sk.Version
			_, _ = r.Lookup("shared")
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, v := range versions {
		assert.False(t, seen[v], "version %d allocated twice", v)
		seen[v] = true
	}
	assert.Len(t, r.Versions("shared"), n)
}

func TestRegistriesSharingADirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "skills")
	a, err := Open(dir, nil)
	require.NoError(t, err)
	b, err := Open(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Register(ctx, Skill{Name: "from_a", Content: "print('a')\n"})
	require.NoError(t, err)
	_, err = b.Register(ctx, Skill{Name: "from_b", Content: "print('b')\n"})
	require.NoError(t, err)

	// Each sees the other's registration without reopening.
	_, err = b.Lookup("from_a")
	assert.NoError(t, err)
	_, err = a.Lookup("from_b")
	assert.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	versions := make([]int, 2*n)
	for i := 0; i < 2*n; i++ {
		reg := a
		if i%2 == 1 {
			reg = b
		}
		wg.Add(1)
		go func(i int, reg *Registry) {
			defer wg.Done()
			sk, err := reg.Register(ctx, Skill{Name: "shared", Content: strings.Repeat("y", i+1)})
			assert.NoError(t, err)
			versions[i] = sk.Version
		}(i, reg)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, v := range versions {
		assert.False(t, seen[v], "version %d allocated twice", v)
		seen[v] = true
	}

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	names := []string{}
	for _, s := range reopened.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"from_a", "from_b", "shared"}, names)
	assert.Len(t, reopened.Versions("shared"), 2*n)
	for v := 1; v <= 2*n; v++ {
		sk, err := reopened.LookupVersion("shared", v)
		require.NoError(t, err)
		assert.Equal(t, v, sk.Version)
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	got []string
}

func (o *recordingObserver) SkillRegistered(_ context.Context, s Skill) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, s.Name)
	return nil
}

func TestObserversSeeOnlyNewVersions(t *testing.T) {
	r := newRegistry(t)
	obs := &recordingObserver{}
	r.AddObserver(obs)
	ctx := context.Background()

	_, err := r.Register(ctx, Skill{Name: "one", Content: "1"})
	require.NoError(t, err)
	_, err = r.Register(ctx, Skill{Name: "one", Content: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, obs.got)
}

func TestWatcher_IngestsDroppedFiles(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	// Present before Start.
	require.NoError(t, os.WriteFile(filepath.Join(r.IncomingDir(), "early.py"), []byte("print('early')"), 0o600))

	w, err := NewWatcher(r, 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	_, err = r.Lookup("early")
	require.NoError(t, err)

	src := "#!/usr/bin/env python3\n# capabilities: csv, parsing\n# description: Sum a column.\nprint('late')\n"
	require.NoError(t, os.WriteFile(filepath.Join(r.IncomingDir(), "late.py"), []byte(src), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(r.IncomingDir(), "notes.txt"), []byte("ignored"), 0o600))

	require.Eventually(t, func() bool {
		_, err := r.Lookup("late")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	sk, err := r.Lookup("late")
	require.NoError(t, err)
	assert.Equal(t, []string{"csv", "parsing"}, sk.Capabilities)
	assert.Equal(t, "Sum a column.", sk.Description)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(r.IncomingDir(), "late.py"))
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
	_, err = os.Stat(filepath.Join(r.IncomingDir(), "notes.txt"))
	assert.NoError(t, err)
}

func TestParseHeader(t *testing.T) {
	caps, desc := parseHeader("# description: does things\n# capabilities: a,  b ,\nimport os\n# capabilities: late")
	assert.Equal(t, []string{"a", "b"}, caps)
	assert.Equal(t, "does things", desc)
}

// keywordEmbedding maps text onto a fixed vocabulary so similarity is
// predictable without a model.
func keywordEmbedding(_ context.Context, text string) ([]float32, error) {
	vocab := []string{"csv", "json", "http", "math", "sort", "date", "file", "string"}
	v := make([]float32, len(vocab)+1)
	lower := strings.ToLower(text)
	for i, w := range vocab {
		v[i] = float32(strings.Count(lower, w))
	}
	v[len(vocab)] = 0.01
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

func TestSearcher(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, Skill{Name: "parse_csv", Content: "1", Capabilities: []string{"csv"}, Description: "Read a csv file"})
	require.NoError(t, err)

	s, err := NewSearcher(r, keywordEmbedding, nil)
	require.NoError(t, err)

	// Registered after the searcher exists but before the first query.
	_, err = r.Register(ctx, Skill{Name: "sort_dates", Content: "2", Capabilities: []string{"date"}, Description: "sort date strings"})
	require.NoError(t, err)

	got, err := s.Search(ctx, "csv parsing", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "parse_csv", got[0].Skill.Name)
	assert.Equal(t, "1", got[0].Skill.Content)

	// Registered after priming: indexed immediately, newest version wins.
	_, err = r.Register(ctx, Skill{Name: "fetch_json", Content: "3", Description: "load json over http"})
	require.NoError(t, err)
	_, err = r.Register(ctx, Skill{Name: "parse_csv", Content: "4", Capabilities: []string{"csv"}, Description: "Read a csv file"})
	require.NoError(t, err)

	got, err = s.Search(ctx, "json http", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fetch_json", got[0].Skill.Name)

	got, err = s.Search(ctx, "csv", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Skill.Version)

	_, err = s.Search(ctx, " ", 1)
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	r := newRegistry(t)
	h, err := NewHistory(r)
	require.NoError(t, err)

	log, err := h.Log(0)
	require.NoError(t, err)
	assert.Empty(t, log)

	ctx := context.Background()
	_, err = r.Register(ctx, Skill{Name: "one", Content: "1"})
	require.NoError(t, err)
	_, err = r.Register(ctx, Skill{Name: "one", Content: "2"})
	require.NoError(t, err)

	log, err = h.Log(0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	messages := []string{log[0].Message, log[1].Message}
	assert.Contains(t, strings.Join(messages, "\n"), "register one v1")
	assert.Contains(t, strings.Join(messages, "\n"), "register one v2")

	limited, err := h.Log(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Reopening finds the existing repository.
	_, err = NewHistory(r)
	require.NoError(t, err)
}
