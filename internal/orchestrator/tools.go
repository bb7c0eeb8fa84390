package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Xzeroone/The-Swarm/internal/model"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/Xzeroone/The-Swarm/internal/skills"
	"go.uber.org/zap"
)

const (
	toolRunSkill     = "run_skill"
	toolSaveSkill    = "save_skill"
	toolListSkills   = "list_skills"
	toolSearchSkills = "search_skills"

	defaultSearchK = 5
)

// toolOutcome is what a tool did to the iteration.
type toolOutcome struct {
	note      string
	succeeded bool
}

type toolFunc func(ctx context.Context, r *run, it *session.Iteration, args map[string]string) toolOutcome

type tool struct {
	info model.ToolInfo
	fn   toolFunc
}

func defaultTools() map[string]tool {
	return map[string]tool{
		toolRunSkill: {
			info: model.ToolInfo{Name: toolRunSkill, Args: []string{"name", "version?"},
				Description: "run a registered skill, latest version unless one is given"},
			fn: runSkill,
		},
		toolSaveSkill: {
			info: model.ToolInfo{Name: toolSaveSkill, Args: []string{"name", "capabilities", "description?", "code?"},
				Description: "register code as a skill; defaults to the last code that ran cleanly"},
			fn: saveSkill,
		},
		toolListSkills: {
			info: model.ToolInfo{Name: toolListSkills, Args: []string{"capability"},
				Description: "list skills declaring a capability tag"},
			fn: listSkills,
		},
		toolSearchSkills: {
			info: model.ToolInfo{Name: toolSearchSkills, Args: []string{"query", "k?"},
				Description: "find skills by description"},
			fn: searchSkills,
		},
	}
}

func toolInfos(tools map[string]tool) []model.ToolInfo {
	out := make([]model.ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// dispatch runs a tool-call action.
func (r *run) dispatch(ctx context.Context, it *session.Iteration, a session.Action) toolOutcome {
	t, ok := r.o.tools[a.Tool]
	if !ok {
		names := make([]string, 0, len(r.o.tools))
		for n := range r.o.tools {
			names = append(names, n)
		}
		sort.Strings(names)
		return r.toolError(it, session.ErrorTool,
			fmt.Sprintf("unknown tool %q; available: %s", a.Tool, strings.Join(names, ", ")))
	}
	r.o.logger.Debug(ctx, "dispatching tool", zap.String("tool", a.Tool))
	return t.fn(ctx, r, it, a.Args)
}

func (r *run) toolError(it *session.Iteration, kind session.ErrorKind, msg string) toolOutcome {
	it.Error = &session.IterationError{Kind: kind, Message: msg}
	r.feedback = msg
	return toolOutcome{}
}

func runSkill(ctx context.Context, r *run, it *session.Iteration, args map[string]string) toolOutcome {
	name := strings.TrimSpace(args["name"])
	if name == "" {
		return r.toolError(it, session.ErrorTool, "run_skill needs a name")
	}

	var sk skills.Skill
	var err error
	if v := strings.TrimSpace(args["version"]); v != "" {
		n, perr := strconv.Atoi(strings.TrimPrefix(v, "v"))
		if perr != nil {
			return r.toolError(it, session.ErrorTool, fmt.Sprintf("run_skill: bad version %q", v))
		}
		sk, err = r.o.skills.LookupVersion(name, n)
	} else {
		sk, err = r.o.skills.Lookup(name)
	}
	if err != nil {
		if errors.Is(err, skills.ErrSkillNotFound) {
			return r.toolError(it, session.ErrorSkillNotFound, err.Error())
		}
		return r.toolError(it, session.ErrorTool, err.Error())
	}

	res := r.runCode(ctx, it, sk.Content, sk.Name)
	if !res.Succeeded() {
		return toolOutcome{note: fmt.Sprintf("skill %s v%d did not succeed", sk.Name, sk.Version)}
	}
	return toolOutcome{note: fmt.Sprintf("ran skill %s v%d", sk.Name, sk.Version), succeeded: true}
}

func saveSkill(ctx context.Context, r *run, it *session.Iteration, args map[string]string) toolOutcome {
	name := strings.TrimSpace(args["name"])
	if name == "" {
		return r.toolError(it, session.ErrorTool, "save_skill needs a name")
	}
	code := args["code"]
	if strings.TrimSpace(code) == "" {
		code = r.lastAccepted
	}
	if strings.TrimSpace(code) == "" {
		return r.toolError(it, session.ErrorTool, "save_skill: no code given and nothing has run cleanly yet")
	}

	// Registered content must pass the same checks as executed content.
	verdict := r.o.gate.Vet(code, r.workspace)
	if !verdict.Allowed() {
		it.Verdict = &verdict
		verdictsTotal.WithLabelValues(string(verdict.Kind)).Inc()
		return r.toolError(it, session.ErrorSafetyViolation, "save_skill rejected: "+verdict.String())
	}

	sk, err := r.o.skills.Register(ctx, skills.Skill{
		Name:         name,
		Content:      code,
		Capabilities: splitList(args["capabilities"]),
		Description:  args["description"],
	})
	if err != nil {
		return r.toolError(it, session.ErrorTool, err.Error())
	}
	return toolOutcome{note: fmt.Sprintf("saved skill %s v%d", sk.Name, sk.Version), succeeded: true}
}

func listSkills(_ context.Context, r *run, it *session.Iteration, args map[string]string) toolOutcome {
	tag := strings.TrimSpace(args["capability"])
	var list []skills.Skill
	if tag == "" {
		list = r.o.skills.List()
	} else {
		list = r.o.skills.ListByCapability(tag)
	}
	if len(list) == 0 {
		return toolOutcome{note: "no matching skills", succeeded: true}
	}
	lines := make([]string, len(list))
	for i, s := range list {
		lines[i] = fmt.Sprintf("%s v%d [%s]", s.Name, s.Version, strings.Join(s.Capabilities, ", "))
	}
	return toolOutcome{note: "skills: " + strings.Join(lines, "; "), succeeded: true}
}

func searchSkills(ctx context.Context, r *run, it *session.Iteration, args map[string]string) toolOutcome {
	if r.o.search == nil {
		return r.toolError(it, session.ErrorTool, "skill search is not configured")
	}
	k := defaultSearchK
	if v := strings.TrimSpace(args["k"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return r.toolError(it, session.ErrorTool, fmt.Sprintf("search_skills: bad k %q", v))
		}
		k = n
	}
	matches, err := r.o.search.Search(ctx, args["query"], k)
	if err != nil {
		return r.toolError(it, session.ErrorTool, "search_skills: "+err.Error())
	}
	if len(matches) == 0 {
		return toolOutcome{note: "no matching skills", succeeded: true}
	}
	lines := make([]string, len(matches))
	for i, m := range matches {
		lines[i] = fmt.Sprintf("%s v%d (%.2f)", m.Skill.Name, m.Skill.Version, m.Score)
	}
	return toolOutcome{note: "matches: " + strings.Join(lines, "; "), succeeded: true}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
