package secrets

import (
	"regexp"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// finding is the part of a gitleaks report the scrubber needs.
type finding struct {
	ruleID string
	secret string
}

// detect runs the gitleaks rule set over content. Findings are located by
// their secret value rather than by line and column, since output may hold
// the same token more than once.
func (s *Scrubber) detect(content string) []finding {
	if s.detector == nil {
		return nil
	}
	s.mu.Lock()
	reports := s.detector.DetectString(content)
	s.mu.Unlock()

	out := make([]finding, 0, len(reports))
	for _, r := range reports {
		secret := r.Secret
		if secret == "" {
			secret = r.Match
		}
		out = append(out, finding{ruleID: r.RuleID, secret: secret})
	}
	return out
}

// applyAllowlist adds the scrubber's allowlist to the gitleaks config as one
// global entry, so allowlisted values never become findings.
func applyAllowlist(cfg *gitleaksconfig.Config, allow []*regexp.Regexp) {
	if len(allow) == 0 {
		return
	}
	entry := &gitleaksconfig.Allowlist{Description: "memory.scrub_allowlist"}
	for _, re := range allow {
		entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
}
