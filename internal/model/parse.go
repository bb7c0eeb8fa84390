package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Xzeroone/The-Swarm/internal/session"
)

var (
	// ErrModelUnavailable is returned when the endpoint cannot be reached
	// within the retry budget.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrMalformedResponse is returned when model output cannot be turned
	// into an action or a choice. The concrete error is *MalformedError.
	ErrMalformedResponse = errors.New("malformed model response")
)

// MalformedError carries the raw text the model produced.
type MalformedError struct {
	Reason string
	Raw    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedResponse, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedResponse }

// wireAction is the JSON shape requested in prompts. Models are sloppy about
// types, so loosely typed fields are normalized after decoding.
type wireAction struct {
	Action       string         `json:"action"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	Code         string         `json:"code"`
	SkillName    string         `json:"skill_name"`
	Capabilities any            `json:"capabilities"`
	Summary      string         `json:"summary"`
	Question     string         `json:"question"`
	Rationale    string         `json:"rationale"`
}

var (
	fenceRe     = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")
	leadingNum  = regexp.MustCompile(`^\W*(\d+)\b`)
	anywhereNum = regexp.MustCompile(`\b(\d+)\b`)
)

// ParseAction turns raw model output into an Action. A JSON object with an
// "action" field is preferred; failing that, the first fenced code block is
// taken as inline code.
func ParseAction(raw string) (session.Action, error) {
	if strings.TrimSpace(raw) == "" {
		return session.Action{}, &MalformedError{Reason: "empty response", Raw: raw}
	}

	var decodeErr error
	for _, obj := range jsonObjects(raw) {
		var w wireAction
		if err := json.Unmarshal([]byte(obj), &w); err != nil {
			decodeErr = err
			continue
		}
		if w.Action == "" && w.Code == "" {
			continue
		}
		a, err := w.toAction()
		if err != nil {
			return session.Action{}, &MalformedError{Reason: err.Error(), Raw: raw}
		}
		return a, nil
	}

	if code, ok := fencedCode(raw); ok {
		a := session.InlineCode(code)
		a.Rationale = "code block without action envelope"
		return a, nil
	}

	reason := "no action object or code block found"
	if decodeErr != nil {
		reason = "invalid JSON: " + decodeErr.Error()
	}
	return session.Action{}, &MalformedError{Reason: reason, Raw: raw}
}

func (w wireAction) toAction() (session.Action, error) {
	var a session.Action
	switch normalizeKind(w.Action) {
	case session.ActionToolCall:
		a = session.ToolCall(strings.TrimSpace(w.Tool), stringArgs(w.Args))
	case session.ActionInlineCode:
		a = session.InlineCode(stripFence(w.Code))
		a.SkillName = strings.TrimSpace(w.SkillName)
		a.Capabilities = stringList(w.Capabilities)
	case session.ActionCompletion:
		a = session.Completion(strings.TrimSpace(w.Summary))
	case session.ActionClarification:
		a = session.Clarification(strings.TrimSpace(w.Question))
	default:
		if w.Code != "" && w.Action == "" {
			a = session.InlineCode(stripFence(w.Code))
			a.SkillName = strings.TrimSpace(w.SkillName)
			a.Capabilities = stringList(w.Capabilities)
			break
		}
		return session.Action{}, fmt.Errorf("unknown action %q", w.Action)
	}
	a.Rationale = strings.TrimSpace(w.Rationale)
	if err := a.Validate(); err != nil {
		return session.Action{}, err
	}
	return a, nil
}

func normalizeKind(s string) session.ActionKind {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.NewReplacer("_", "-", " ", "-").Replace(k)
	switch k {
	case "tool-call", "tool", "call", "use-tool":
		return session.ActionToolCall
	case "inline-code", "code", "write-code", "run-code":
		return session.ActionInlineCode
	case "completion", "complete", "done", "finish":
		return session.ActionCompletion
	case "clarification", "clarify", "question", "ask":
		return session.ActionClarification
	}
	return session.ActionKind(k)
}

// jsonObjects returns every balanced {...} span in s that is valid JSON,
// in order of appearance. Fenced json blocks are searched first.
func jsonObjects(s string) []string {
	var sources []string
	for _, m := range fenceRe.FindAllStringSubmatch(s, -1) {
		if strings.EqualFold(m[1], "json") {
			sources = append(sources, m[2])
		}
	}
	sources = append(sources, s)

	var out []string
	seen := map[string]bool{}
	for _, src := range sources {
		for i := 0; i < len(src); i++ {
			if src[i] != '{' {
				continue
			}
			end := matchBrace(src, i)
			if end < 0 {
				continue
			}
			obj := src[i : end+1]
			if json.Valid([]byte(obj)) && !seen[obj] {
				seen[obj] = true
				out = append(out, obj)
				i = end
			}
		}
	}
	return out
}

// matchBrace returns the index of the brace closing s[start], honoring JSON
// string quoting, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// fencedCode returns the body of the first non-JSON fenced block.
func fencedCode(s string) (string, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(s, -1) {
		if strings.EqualFold(m[1], "json") {
			continue
		}
		if body := strings.TrimSpace(m[2]); body != "" {
			return body + "\n", true
		}
	}
	return "", false
}

// stripFence removes a fence the model wrapped around a code field.
func stripFence(code string) string {
	if body, ok := fencedCode(code); ok {
		return body
	}
	return code
}

func stringArgs(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = t
		case []any:
			out[k] = strings.Join(stringList(t), ",")
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			b, _ := json.Marshal(t)
			out[k] = string(b)
		}
	}
	return out
}

func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

// pickChoice maps a free-text answer onto one of candidates. A leading
// option number wins, then the earliest mentioned candidate, then any
// in-range number.
func pickChoice(raw string, candidates []string) (int, bool) {
	text := strings.TrimSpace(raw)
	if m := leadingNum.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(candidates) {
			return n - 1, true
		}
	}

	lower := strings.ToLower(text)
	type hit struct{ idx, pos, length int }
	var hits []hit
	for i, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if p := strings.Index(lower, c); p >= 0 {
			hits = append(hits, hit{i, p, len(c)})
		}
	}
	if len(hits) > 0 {
		sort.Slice(hits, func(a, b int) bool {
			if hits[a].pos != hits[b].pos {
				return hits[a].pos < hits[b].pos
			}
			return hits[a].length > hits[b].length
		})
		return hits[0].idx, true
	}

	for _, m := range anywhereNum.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(candidates) {
			return n - 1, true
		}
	}
	return -1, false
}
