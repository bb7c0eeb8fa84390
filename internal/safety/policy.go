package safety

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/session"
)

// Policy is the data the Gate enforces.
type Policy struct {
	Rules []Rule

	// Resource ceilings. A requested Budget above any of these is rejected.
	MaxCodeBytes   int
	MaxTimeout     time.Duration
	MaxOutputBytes int

	// Default is the budget declared for candidates that request none.
	Default session.Budget
}

// policyFile is the TOML layout of safety.policy_file:
//
//	replace_defaults = false
//	disabled = ["builtins-access"]
//	max_code_bytes = 32768
//
//	[[rule]]
//	id = "no-pickle"
//	category = "dynamic-code"
//	description = "pickle can execute arbitrary code"
//	pattern = '\bpickle\b'
type policyFile struct {
	ReplaceDefaults bool     `toml:"replace_defaults"`
	Disabled        []string `toml:"disabled"`
	MaxCodeBytes    int      `toml:"max_code_bytes"`
	Rules           []Rule   `toml:"rule"`
}

// PolicyFromConfig builds the policy: defaults, then the optional policy
// file, then the disabled list from config.
func PolicyFromConfig(safety config.SafetyConfig, exec config.ExecutorConfig) (Policy, error) {
	p := Policy{
		Rules:          DefaultRules(),
		MaxCodeBytes:   safety.MaxCodeBytes,
		MaxTimeout:     safety.MaxTimeout.Duration(),
		MaxOutputBytes: safety.MaxOutputBytes,
		Default: session.Budget{
			Timeout:        exec.Timeout.Duration(),
			MaxOutputBytes: exec.MaxOutputBytes,
		},
	}

	disabled := slices.Clone(safety.DisabledRules)

	if safety.PolicyFile != "" {
		var pf policyFile
		md, err := toml.DecodeFile(safety.PolicyFile, &pf)
		if err != nil {
			return Policy{}, fmt.Errorf("failed to read policy file %s: %w", safety.PolicyFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Policy{}, fmt.Errorf("policy file %s: unknown keys %s", safety.PolicyFile, strings.Join(keys, ", "))
		}
		if pf.ReplaceDefaults {
			p.Rules = nil
		}
		p.Rules = append(p.Rules, pf.Rules...)
		disabled = append(disabled, pf.Disabled...)
		if pf.MaxCodeBytes > 0 {
			p.MaxCodeBytes = pf.MaxCodeBytes
		}
	}

	if len(disabled) > 0 {
		p.Rules = slices.DeleteFunc(p.Rules, func(r Rule) bool {
			return slices.Contains(disabled, r.ID)
		})
	}

	return p, nil
}
