package model

import (
	"errors"
	"slices"
	"sort"
	"strings"

	"github.com/Xzeroone/The-Swarm/internal/config"
)

// Complexity is a coarse estimate of how hard a directive is.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

var (
	complexKeywords = []string{
		"algorithm", "optimize", "architecture", "system", "multiple",
		"integrate", "api", "database", "complex",
	}
	simpleKeywords = []string{"simple", "basic", "hello", "add", "print", "return"}
)

// EstimateComplexity classifies text by keyword. Complex keywords win over
// simple ones; text matching neither is medium.
func EstimateComplexity(text string) Complexity {
	words := tokenize(text)
	for _, k := range complexKeywords {
		if slices.Contains(words, k) {
			return ComplexityComplex
		}
	}
	for _, k := range simpleKeywords {
		if slices.Contains(words, k) {
			return ComplexitySimple
		}
	}
	return ComplexityMedium
}

// Intent says whether a directive wants work done or just an answer.
type Intent string

const (
	IntentTask Intent = "task"
	IntentChat Intent = "chat"
)

var (
	actionVerbs = []string{
		"create", "make", "build", "write", "generate", "implement",
		"fix", "debug", "refactor", "optimize", "delete", "remove",
		"add", "update", "modify", "change", "convert", "transform",
		"develop", "code", "program", "script", "design", "construct",
		"edit", "patch", "solve", "automate", "deploy", "set up",
	}
	questionStarters = []string{
		"what", "how", "why", "when", "where", "who", "which",
		"can you", "could you", "would you", "explain", "tell me",
		"describe", "help me understand", "what's", "what is",
		"is there", "are there", "do you", "does",
	}
	greetings = []string{
		"hello", "hi", "hey", "good morning", "good afternoon", "thanks", "thank you",
	}
	codeRequests = []string{
		"function that", "script that", "program that", "code that",
		"class that", "module that", "api that",
	}
)

// ClassifyIntent decides task versus chat without a model. Anything that
// names an action verb or asks for code is a task; greetings and questions
// without one are chat. Unclear text is chat.
func ClassifyIntent(text string) Intent {
	if in, ok := classifyRules(text); ok {
		return in
	}
	return IntentChat
}

// classifyRules reports ok=false when no rule applies.
func classifyRules(text string) (Intent, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return IntentChat, true
	}
	for _, p := range codeRequests {
		if strings.Contains(t, p) {
			return IntentTask, true
		}
	}

	hasVerb := false
	for _, v := range actionVerbs {
		if t == v || strings.HasPrefix(t, v+" ") || strings.Contains(t, " "+v+" ") {
			hasVerb = true
			break
		}
	}

	trimmed := strings.TrimRight(t, "!.?")
	for _, g := range greetings {
		if trimmed == g || strings.HasPrefix(t, g+" ") || strings.HasPrefix(t, g+",") || strings.HasPrefix(t, g+"!") {
			if !hasVerb {
				return IntentChat, true
			}
		}
	}

	for _, q := range questionStarters {
		if t == q || strings.HasPrefix(t, q+" ") {
			// "can you write a parser" is still a request for work.
			if hasVerb {
				return IntentTask, true
			}
			return IntentChat, true
		}
	}
	if hasVerb {
		return IntentTask, true
	}
	return "", false
}

func parseIntent(s string) (Intent, bool) {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "task"):
		return IntentTask, true
	case strings.Contains(s, "chat"):
		return IntentChat, true
	}
	return "", false
}

// CapabilityCoding marks catalog models that can generate code.
const CapabilityCoding = "coding"

// ErrNoCoder is returned when the catalog has no coding model.
var ErrNoCoder = errors.New("no coding model in catalog")

// minTier is the smallest model tier trusted with each complexity.
func minTier(c Complexity) config.ModelTier {
	switch c {
	case ComplexityComplex:
		return config.TierMedium
	default:
		return config.TierSmall
	}
}

// SelectCoder picks the smallest coding model whose tier is at least the
// minimum for c. If none is large enough, the largest coding model is used.
func SelectCoder(catalog []config.CatalogEntry, c Complexity) (string, error) {
	var coders []config.CatalogEntry
	for _, e := range catalog {
		if slices.ContainsFunc(e.Capabilities, func(s string) bool {
			return strings.EqualFold(s, CapabilityCoding)
		}) {
			coders = append(coders, e)
		}
	}
	if len(coders) == 0 {
		return "", ErrNoCoder
	}
	sort.SliceStable(coders, func(i, j int) bool {
		return coders[i].Tier.Rank() < coders[j].Tier.Rank()
	})

	want := minTier(c).Rank()
	for _, e := range coders {
		if e.Tier.Rank() >= want {
			return e.Name, nil
		}
	}
	return coders[len(coders)-1].Name, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
}
