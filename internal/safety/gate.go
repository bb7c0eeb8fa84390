// Package safety vets candidate code before it may run.
//
// Vet applies three checks in a fixed order and reports the first failure:
//
//  1. pattern blocklist (dynamic code, process spawning, network, native code,
//     interpreter introspection, destructive filesystem calls)
//  2. path confinement (every path-like string literal must resolve inside
//     the workspace, symlinks followed; link creation is refused)
//  3. resource bounds (code size and the requested Budget against ceilings)
//
// All checks are static. The Gate holds no per-candidate state, so a Verdict
// reflects only the candidate it was computed for.
package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/sanitize"
	"github.com/Xzeroone/The-Swarm/internal/session"
)

// ErrSafetyViolation is wrapped by every error built from a blocking Verdict.
var ErrSafetyViolation = errors.New("safety violation")

// Check names used in Verdict.Check.
const (
	CheckPattern  = "pattern"
	CheckPath     = "path"
	CheckResource = "resource"
)

// Vetter is the interface consumed by the Executor and the Orchestrator.
type Vetter interface {
	Vet(code, workspaceRoot string) session.Verdict
	VetBudget(code, workspaceRoot string, want session.Budget) session.Verdict
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Gate is the Safety Gate. It is immutable after New and safe for
// concurrent use.
type Gate struct {
	rules  []compiledRule
	policy Policy
}

var _ Vetter = (*Gate)(nil)

// New compiles the policy.
func New(p Policy) (*Gate, error) {
	g := &Gate{policy: p, rules: make([]compiledRule, 0, len(p.Rules))}
	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		g.rules = append(g.rules, compiledRule{Rule: r, re: re})
	}
	if p.Default.Timeout <= 0 {
		return nil, errors.New("default timeout must be positive")
	}
	return g, nil
}

// DefaultBudget is the envelope declared for candidates that request none.
func (g *Gate) DefaultBudget() session.Budget {
	b := g.policy.Default
	b.Network = false
	return b
}

// Vet checks code under the default budget.
func (g *Gate) Vet(code, workspaceRoot string) session.Verdict {
	return g.VetBudget(code, workspaceRoot, g.DefaultBudget())
}

// VetBudget checks code under a requested budget. Zero fields of want are
// filled from the default budget.
func (g *Gate) VetBudget(code, workspaceRoot string, want session.Budget) session.Verdict {
	def := g.DefaultBudget()
	if want.Timeout == 0 {
		want.Timeout = def.Timeout
	}
	if want.MaxOutputBytes == 0 {
		want.MaxOutputBytes = def.MaxOutputBytes
	}

	if v, blocked := g.checkPatterns(code); blocked {
		v.Budget = want
		return v
	}
	if v, blocked := checkPaths(code, workspaceRoot); blocked {
		v.Budget = want
		return v
	}
	if v, blocked := g.checkResources(code, want); blocked {
		v.Budget = want
		return v
	}
	return session.Verdict{Kind: session.VerdictAllowed, Budget: want}
}

func (g *Gate) checkPatterns(code string) (session.Verdict, bool) {
	for _, r := range g.rules {
		loc := r.re.FindStringIndex(code)
		if loc == nil {
			continue
		}
		return session.Verdict{
			Kind:   session.VerdictBlockedByPattern,
			Check:  CheckPattern,
			RuleID: r.ID,
			Detail: fmt.Sprintf("%s: %s (line %d: %q)", r.Category, r.Description,
				lineOf(code, loc[0]), strings.TrimSpace(code[loc[0]:loc[1]])),
		}, true
	}
	return checkModuleValues(code)
}

var (
	tripleQuoted = regexp.MustCompile(`(?s)"""(?:[^\\]|\\.)*?"""|'''(?:[^\\]|\\.)*?'''`)
	importLine   = regexp.MustCompile(`^[ \t]*(?:import|from)[ \t]`)
	osName       = regexp.MustCompile(`\bos\b`)
)

// checkModuleValues refuses code that uses the os module as a value, as in
// "o = os" or "f(os)", instead of through attribute access. Once the module
// escapes under another name the pattern rules cannot follow it. String
// literals and comments are ignored.
func checkModuleValues(code string) (session.Verdict, bool) {
	blank := func(lit string) string { return `""` + strings.Repeat("\n", strings.Count(lit, "\n")) }
	stripped := tripleQuoted.ReplaceAllStringFunc(code, blank)
	stripped = stringLiteral.ReplaceAllStringFunc(stripped, blank)

	for i, line := range strings.Split(stripped, "\n") {
		if j := strings.IndexByte(line, '#'); j >= 0 {
			line = line[:j]
		}
		if importLine.MatchString(line) {
			continue
		}
		for _, loc := range osName.FindAllStringIndex(line, -1) {
			if loc[0] > 0 && line[loc[0]-1] == '.' {
				continue
			}
			if strings.HasPrefix(strings.TrimLeft(line[loc[1]:], " \t"), ".") {
				continue
			}
			return session.Verdict{
				Kind:   session.VerdictBlockedByPattern,
				Check:  CheckPattern,
				RuleID: "os-module-value",
				Detail: fmt.Sprintf("%s: the os module may only be used through attribute access (line %d: %q)",
					CategoryProcess, i+1, strings.TrimSpace(line)),
			}, true
		}
	}
	return session.Verdict{}, false
}

var (
	// Single-line string literals with an optional Python prefix.
	stringLiteral = regexp.MustCompile(`(?:\b[rRbBuUfF]{1,2})?(?:"((?:[^"\\\n]|\\.)*)"|'((?:[^'\\\n]|\\.)*)')`)

	linkCreation = regexp.MustCompile(`\bos\s*\.\s*(?:symlink|link)\s*\(|\.\s*(?:symlink_to|hardlink_to|link_to)\s*\(`)
)

func checkPaths(code, root string) (session.Verdict, bool) {
	if loc := linkCreation.FindStringIndex(code); loc != nil {
		return session.Verdict{
			Kind:   session.VerdictBlockedByPathEscape,
			Check:  CheckPath,
			RuleID: "link-creation",
			Detail: fmt.Sprintf("link creation is not allowed (line %d)", lineOf(code, loc[0])),
		}, true
	}

	for _, m := range stringLiteral.FindAllStringSubmatchIndex(code, -1) {
		var lit string
		switch {
		case m[2] >= 0:
			lit = code[m[2]:m[3]]
		case m[4] >= 0:
			lit = code[m[4]:m[5]]
		}
		if !pathLike(lit) {
			continue
		}
		if _, err := sanitize.Confine(lit, root); err != nil {
			return session.Verdict{
				Kind:   session.VerdictBlockedByPathEscape,
				Check:  CheckPath,
				RuleID: "path-confinement",
				Detail: fmt.Sprintf("path %q resolves outside the workspace (line %d)", lit, lineOf(code, m[0])),
			}, true
		}
	}
	return session.Verdict{}, false
}

// pathLike reports whether a literal should be treated as a filesystem path.
// URLs and format strings are not paths.
func pathLike(lit string) bool {
	if strings.Trim(lit, "/") == "" || strings.Contains(lit, "://") || strings.ContainsAny(lit, "\n{}%") {
		return false
	}
	return strings.HasPrefix(lit, "~") ||
		strings.HasPrefix(lit, "/") ||
		lit == ".." ||
		strings.HasPrefix(lit, "../") ||
		strings.Contains(lit, "/../") ||
		strings.HasSuffix(lit, "/..") ||
		(strings.Contains(lit, "/") && !strings.Contains(lit, " "))
}

func (g *Gate) checkResources(code string, want session.Budget) (session.Verdict, bool) {
	block := func(detail string) (session.Verdict, bool) {
		return session.Verdict{
			Kind:   session.VerdictBlockedByResource,
			Check:  CheckResource,
			Detail: detail,
		}, true
	}

	if g.policy.MaxCodeBytes > 0 && len(code) > g.policy.MaxCodeBytes {
		return block(fmt.Sprintf("code is %d bytes, limit %d", len(code), g.policy.MaxCodeBytes))
	}
	if want.Network {
		return block("network access is never granted")
	}
	if want.Timeout < 0 || (g.policy.MaxTimeout > 0 && want.Timeout > g.policy.MaxTimeout) {
		return block(fmt.Sprintf("timeout %s outside (0, %s]", want.Timeout, g.policy.MaxTimeout))
	}
	if want.MaxOutputBytes < 0 || (g.policy.MaxOutputBytes > 0 && want.MaxOutputBytes > g.policy.MaxOutputBytes) {
		return block(fmt.Sprintf("output cap %d outside (0, %d]", want.MaxOutputBytes, g.policy.MaxOutputBytes))
	}
	return session.Verdict{}, false
}

func lineOf(code string, offset int) int {
	return strings.Count(code[:offset], "\n") + 1
}

// ViolationError carries a blocking verdict as an error.
type ViolationError struct {
	Verdict session.Verdict
}

func (e *ViolationError) Error() string {
	return "safety violation: " + e.Verdict.String()
}

func (e *ViolationError) Unwrap() error { return ErrSafetyViolation }

// Err returns nil for an allowed verdict and a *ViolationError otherwise.
func Err(v session.Verdict) error {
	if v.Allowed() {
		return nil
	}
	return &ViolationError{Verdict: v}
}

// FormatBudget renders a budget for prompts and CLI output.
func FormatBudget(b session.Budget) string {
	return "timeout=" + b.Timeout.Round(time.Millisecond).String() +
		" network=" + strconv.FormatBool(b.Network) +
		" max_output=" + strconv.Itoa(b.MaxOutputBytes)
}
