// Package secrets redacts credentials from text before it is persisted.
//
// Detection runs in two layers. The gitleaks default rule set, embedded in
// the library, covers provider tokens and keys. A short list of local regex
// rules covers what gitleaks does not look for in program output, such as
// connection strings with inline passwords. An allowlist exempts values from
// both layers.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Redaction replaces every detected secret.
const Redaction = "[REDACTED]"

// minSecretLen keeps very short gitleaks captures from blanking out every
// occurrence of a common word.
const minSecretLen = 8

// Rule defines a secret detection rule. Keywords, when present, gate the
// regex: a rule only runs when one of them occurs in the content.
type Rule struct {
	ID       string
	Pattern  string
	Keywords []string
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Option configures a Scrubber.
type Option func(*Scrubber) error

// WithAllowlist exempts any value matching one of the regexes.
func WithAllowlist(regexes ...string) Option {
	return func(s *Scrubber) error {
		for _, p := range regexes {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("allowlist pattern %q: %w", p, err)
			}
			s.allow = append(s.allow, re)
		}
		return nil
	}
}

// Scrubber detects and redacts secrets. It is safe for concurrent use.
type Scrubber struct {
	rules []compiledRule
	allow []*regexp.Regexp

	// DetectString is not documented as safe for concurrent use.
	mu       sync.Mutex
	detector *detect.Detector
}

// New compiles rules on top of the gitleaks defaults. A nil slice selects
// DefaultRules.
func New(rules []Rule, opts ...Option) (*Scrubber, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scrubber{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks detector: %w", err)
	}
	applyAllowlist(&d.Config, s.allow)
	s.detector = d
	return s, nil
}

// MustNew is New for rule sets known to compile.
func MustNew(rules []Rule, opts ...Option) *Scrubber {
	s, err := New(rules, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

type span struct{ start, end int }

// Scrub returns content with secrets replaced and the IDs of the rules that
// fired, local and gitleaks alike. A nil Scrubber returns content unchanged.
func (s *Scrubber) Scrub(content string) (string, []string) {
	if s == nil || content == "" {
		return content, nil
	}

	var (
		spans []span
		fired []string
	)
	lower := strings.ToLower(content)
	for _, r := range s.rules {
		if !r.applies(lower) {
			continue
		}
		hit := false
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			hit = true
		}
		if hit {
			fired = appendUnique(fired, r.id)
		}
	}

	for _, f := range s.detect(content) {
		if len(f.secret) < minSecretLen || s.allowed(f.secret) {
			continue
		}
		found := false
		for from := 0; ; {
			i := strings.Index(content[from:], f.secret)
			if i < 0 {
				break
			}
			start := from + i
			spans = append(spans, span{start, start + len(f.secret)})
			from = start + len(f.secret)
			found = true
		}
		if found {
			fired = appendUnique(fired, f.ruleID)
		}
	}

	if len(spans) == 0 {
		return content, nil
	}
	return redactSpans(content, spans), fired
}

func (s *Scrubber) allowed(v string) bool {
	for _, re := range s.allow {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// redactSpans replaces the union of spans with Redaction.
func redactSpans(content string, spans []span) string {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, sp := range merged {
		b.WriteString(content[pos:sp.start])
		b.WriteString(Redaction)
		pos = sp.end
	}
	b.WriteString(content[pos:])
	return b.String()
}

func (r compiledRule) applies(lower string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
