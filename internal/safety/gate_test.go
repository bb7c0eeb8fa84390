package safety

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	cfg := config.Default()
	p, err := PolicyFromConfig(cfg.Safety, cfg.Executor)
	require.NoError(t, err)
	g, err := New(p)
	require.NoError(t, err)
	return g
}

func TestVet_Allowed(t *testing.T) {
	g := newTestGate(t)
	root := t.TempDir()

	code := `import re
import json

def add(a, b):
    return a + b

pattern = re.compile(r"\d+")
with open("out/result.json", "w") as f:
    json.dump({"sum": add(1, 2)}, f)
print("/".join(["a", "b"]))
print(f"{add(2, 3)}")
`
	v := g.Vet(code, root)
	assert.True(t, v.Allowed(), v.String())
	assert.Equal(t, 15*time.Second, v.Budget.Timeout)
	assert.False(t, v.Budget.Network)
}

func TestVet_Patterns(t *testing.T) {
	g := newTestGate(t)
	root := t.TempDir()

	tests := []struct {
		name   string
		code   string
		ruleID string
	}{
		{"os.system", "import os\nos.system('rm -rf ~')", "os-process"},
		{"eval", "x = eval(input())", "dynamic-eval"},
		{"exec at line start", "exec('print(1)')", "dynamic-eval"},
		{"__import__", "m = __import__('os')", "dynamic-import"},
		{"importlib", "import importlib\nimportlib.import_module('os')", "dynamic-import"},
		{"subprocess import", "import subprocess\nsubprocess.run(['ls'])", "process-modules"},
		{"subprocess from import", "from subprocess import run", "process-modules"},
		{"socket in list import", "import json, socket", "network-modules"},
		{"urllib", "from urllib.request import urlopen", "network-modules"},
		{"requests", "import requests as r", "network-modules"},
		{"http.client", "import http.client", "network-modules"},
		{"ctypes", "import ctypes", "native-code"},
		{"subclasses escape", "().__class__.__bases__[0].__subclasses__()", "object-introspection"},
		{"sys.modules", "import sys\nsys.modules['os']", "object-introspection"},
		{"rmtree", "import shutil\nshutil.rmtree('build')", "destructive-fs"},
		{"os.fork", "import os\nos.fork()", "os-process"},
		{"function imported from os", "from os import system\nsystem('id')", "os-process-import"},
		{"popen imported from os", "from os import path, popen\npopen('id').read()", "os-process-import"},
		{"function imported from posix", "from posix import system", "os-process-import"},
		{"parenthesized import list", "from os import (\n    getcwd,\n    system,\n)", "os-process-import"},
		{"star import from os", "from os import *", "os-process-import"},
		{"os renamed", "import os as o\no.system('id')", "os-module-alias"},
		{"os renamed in a list", "import json, os as o", "os-module-alias"},
		{"posix module", "import posix\nposix.system('id')", "os-module-alias"},
		{"getattr on os", "import os\ngetattr(os, 'sys' + 'tem')('id')", "reflective-lookup"},
		{"vars of os", "import os\nvars(os)['system']('id')", "reflective-lookup"},
		{"globals lookup", "import os\nglobals()['o' + 's'].system('id')", "reflective-lookup"},
		{"os dict", "import os\nos.__dict__['system']('id')", "reflective-lookup"},
		{"os rebound", "import os\no = os\no.system('id')", "os-module-value"},
		{"os passed as value", "import os\nrun = [os][0]", "os-module-value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Vet(tt.code, root)
			assert.Equal(t, session.VerdictBlockedByPattern, v.Kind, v.String())
			assert.Equal(t, tt.ruleID, v.RuleID)
			assert.Equal(t, CheckPattern, v.Check)
		})
	}
}

func TestVet_PatternFalsePositives(t *testing.T) {
	g := newTestGate(t)
	root := t.TempDir()

	for _, code := range []string{
		"import re\nre.compile('a+')",
		"import ast\nast.literal_eval('[1, 2]')",
		"import shutil\nshutil.copy('a.txt', 'b.txt')",
		"def evaluate(x):\n    return x",
		"import shutil\nprint(shutil.which)",
		"import os\nprint(os.getcwd())",
		"import os.path as osp\nprint(osp.join('a', 'b'))",
		"from os import path, getcwd\nprint(path.basename(getcwd()))",
		"import os\n# keep os usage simple\nprint('os', os.sep)",
		"def f():\n    \"\"\"Uses os, nothing else.\"\"\"\n    return 1",
		"import os\nos.environ.get('HOME', '')",
	} {
		v := g.Vet(code, root)
		assert.True(t, v.Allowed(), "%q -> %s", code, v.String())
	}
}

func TestVet_PathEscape(t *testing.T) {
	g := newTestGate(t)
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	tests := []struct {
		name string
		code string
	}{
		{"absolute outside", "open('/etc/passwd').read()"},
		{"traversal", "open('../../secret.txt')"},
		{"hidden traversal", "open(\"data/../../x\")"},
		{"home", "open('~/.ssh/id_rsa')"},
		{"symlink out", "open('escape/file.txt', 'w')"},
		{"symlink creation", "import os\nos.symlink('x', 'y')"},
		{"pathlib symlink", "from pathlib import Path\nPath('a').symlink_to('b')"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Vet(tt.code, root)
			assert.Equal(t, session.VerdictBlockedByPathEscape, v.Kind, v.String())
			assert.Equal(t, CheckPath, v.Check)
		})
	}

	inside := filepath.Join(root, "notes.txt")
	v := g.Vet("open('"+inside+"', 'w').write('x')", root)
	assert.True(t, v.Allowed(), v.String())
}

func TestVet_Resources(t *testing.T) {
	cfg := config.Default()
	cfg.Safety.MaxCodeBytes = 64
	p, err := PolicyFromConfig(cfg.Safety, cfg.Executor)
	require.NoError(t, err)
	g, err := New(p)
	require.NoError(t, err)
	root := t.TempDir()

	v := g.Vet(strings.Repeat("x = 1\n", 20), root)
	assert.Equal(t, session.VerdictBlockedByResource, v.Kind)

	v = g.VetBudget("print(1)", root, session.Budget{Timeout: time.Hour})
	assert.Equal(t, session.VerdictBlockedByResource, v.Kind)
	assert.Equal(t, time.Hour, v.Budget.Timeout)

	v = g.VetBudget("print(1)", root, session.Budget{Network: true})
	assert.Equal(t, session.VerdictBlockedByResource, v.Kind)

	v = g.VetBudget("print(1)", root, session.Budget{Timeout: 3 * time.Second})
	assert.True(t, v.Allowed())
	assert.Equal(t, 3*time.Second, v.Budget.Timeout)
}

func TestVet_FirstFailingCheckWins(t *testing.T) {
	g := newTestGate(t)
	v := g.Vet("import socket\nopen('/etc/passwd')", t.TempDir())
	assert.Equal(t, session.VerdictBlockedByPattern, v.Kind)
}

func TestVet_VerdictsAreIndependent(t *testing.T) {
	g := newTestGate(t)
	root := t.TempDir()
	blocked := g.Vet("import socket", root)
	allowed := g.Vet("print('hi')", root)
	assert.False(t, blocked.Allowed())
	assert.True(t, allowed.Allowed())
}

func TestErr(t *testing.T) {
	assert.NoError(t, Err(session.Verdict{Kind: session.VerdictAllowed}))

	err := Err(session.Verdict{Kind: session.VerdictBlockedByPattern, RuleID: "dynamic-eval", Detail: "eval"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSafetyViolation))
	var ve *ViolationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "dynamic-eval", ve.Verdict.RuleID)
}

func TestPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
disabled = ["destructive-fs"]
max_code_bytes = 1000

[[rule]]
id = "no-pickle"
category = "dynamic-code"
description = "pickle can execute arbitrary code"
pattern = '\bpickle\b'
`), 0o600))

	cfg := config.Default()
	cfg.Safety.PolicyFile = path
	p, err := PolicyFromConfig(cfg.Safety, cfg.Executor)
	require.NoError(t, err)
	assert.Equal(t, 1000, p.MaxCodeBytes)

	g, err := New(p)
	require.NoError(t, err)
	root := t.TempDir()

	v := g.Vet("import pickle", root)
	assert.Equal(t, "no-pickle", v.RuleID)

	v = g.Vet("import shutil\nshutil.rmtree('build')", root)
	assert.True(t, v.Allowed(), v.String())
}

func TestPolicyFile_UnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("dissabled = [\"x\"]\n"), 0o600))

	cfg := config.Default()
	cfg.Safety.PolicyFile = path
	_, err := PolicyFromConfig(cfg.Safety, cfg.Executor)
	assert.ErrorContains(t, err, "unknown keys")
}

func TestNew_RejectsBadRules(t *testing.T) {
	_, err := New(Policy{Rules: []Rule{{ID: "x", Pattern: "("}}, Default: session.Budget{Timeout: time.Second}})
	assert.Error(t, err)

	_, err = New(Policy{Rules: []Rule{{ID: "x", Pattern: "a"}, {ID: "x", Pattern: "b"}}, Default: session.Budget{Timeout: time.Second}})
	assert.Error(t, err)
}
