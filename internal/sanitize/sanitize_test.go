package sanitize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add Two Numbers!", "add_two_numbers"},
		{"fibonacci", "fibonacci"},
		{"__init__", "init"},
		{"", DefaultIdentifier},
		{"!!!", DefaultIdentifier},
		{"a--b..c", "a_b_c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Identifier(tt.in), tt.in)
	}
}

func TestIdentifier_LengthLimit(t *testing.T) {
	long := strings.Repeat("abc ", 40)
	got := Identifier(long)
	assert.LessOrEqual(t, len(got), MaxIdentifierLength)
	assert.NotEqual(t, got, Identifier(long+"x"))
}

func TestConfine(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o700))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	realRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative file", "data.txt", false},
		{"nested new dir", "scratch/new/out.txt", false},
		{"absolute inside", filepath.Join(root, "scratch"), false},
		{"root itself", ".", false},
		{"parent traversal", "../x", true},
		{"hidden traversal", "scratch/../../x", true},
		{"absolute outside", "/etc/passwd", true},
		{"home", "~/.ssh/id_rsa", true},
		{"symlink out", "link/secret.txt", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Confine(tt.path, root)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, Within(got, realRoot), got)
		})
	}
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/w", "/w"))
	assert.True(t, Within("/w/a/b", "/w"))
	assert.True(t, Within("/w/..data", "/w"))
	assert.False(t, Within("/wx", "/w"))
	assert.False(t, Within("/", "/w"))
}
