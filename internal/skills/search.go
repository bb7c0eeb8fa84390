package skills

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Xzeroone/The-Swarm/internal/logging"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var searchTracer = otel.Tracer("github.com/Xzeroone/The-Swarm/internal/skills")

const collectionName = "skills"

// Match is one search hit.
type Match struct {
	Skill Skill
	Score float32
}

// Searcher indexes the latest version of every skill in an in-memory
// chromem collection and answers free-text queries against it. It keeps
// itself current by observing registrations.
type Searcher struct {
	reg    *Registry
	logger *logging.Logger

	mu      sync.Mutex
	col     *chromem.Collection
	primed  bool
	indexed map[string]int // name -> indexed version
}

var _ Observer = (*Searcher)(nil)

// OllamaEmbeddings returns the default embedding function for a local
// Ollama endpoint such as http://127.0.0.1:11434.
func OllamaEmbeddings(endpoint, model string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOllama(model, strings.TrimRight(endpoint, "/")+"/api")
}

// NewSearcher attaches a searcher to reg. Existing skills are embedded
// lazily on the first query.
func NewSearcher(reg *Registry, embed chromem.EmbeddingFunc, logger *logging.Logger) (*Searcher, error) {
	if embed == nil {
		return nil, errors.New("embedding function is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	col, err := chromem.NewDB().GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create skill collection: %w", err)
	}
	s := &Searcher{
		reg:     reg,
		logger:  logger.Named("skills.search"),
		col:     col,
		indexed: map[string]int{},
	}
	reg.AddObserver(s)
	return s, nil
}

// SkillRegistered indexes a new version once the searcher has been primed.
// Before that, the version is picked up when the catalog is first indexed.
func (s *Searcher) SkillRegistered(ctx context.Context, sk Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.primed {
		return nil
	}
	return s.add(ctx, sk)
}

// Search returns up to k skills most similar to query, best first.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]Match, error) {
	ctx, span := searchTracer.Start(ctx, "skills.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query cannot be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.primed {
		for _, sk := range s.reg.List() {
			if err := s.add(ctx, sk); err != nil {
				return nil, err
			}
		}
		s.primed = true
	}

	n := s.col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := s.col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		v, _ := strconv.Atoi(r.Metadata["version"])
		sk, err := s.reg.LookupVersion(r.ID, v)
		if err != nil {
			s.logger.Warn(ctx, "indexed skill missing from registry", zap.String("skill", r.ID), zap.Error(err))
			continue
		}
		out = append(out, Match{Skill: sk, Score: r.Similarity})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// add embeds sk unless the same or a newer version is already indexed.
func (s *Searcher) add(ctx context.Context, sk Skill) error {
	if s.indexed[sk.Name] >= sk.Version {
		return nil
	}
	doc := chromem.Document{
		ID:      sk.Name,
		Content: document(sk),
		Metadata: map[string]string{
			"version":      strconv.Itoa(sk.Version),
			"capabilities": strings.Join(sk.Capabilities, ","),
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index skill %s: %w", sk.Name, err)
	}
	s.indexed[sk.Name] = sk.Version
	return nil
}

// document is the text embedded for a skill: what it is called, what it
// declares and what it says about itself.
func document(sk Skill) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(sk.Name, "_", " "))
	if len(sk.Capabilities) > 0 {
		b.WriteString("\ncapabilities: ")
		b.WriteString(strings.Join(sk.Capabilities, ", "))
	}
	if sk.Description != "" {
		b.WriteString("\n")
		b.WriteString(sk.Description)
	}
	return b.String()
}
