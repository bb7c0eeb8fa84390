package executor

import "os"

// bwrapArgv wraps argv in a bubblewrap sandbox: no namespaces shared with
// the host (network included), a read-only system, and the workspace as
// the only writable bind.
func bwrapArgv(workspace, scratch string, argv []string) []string {
	args := []string{
		"bwrap",
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
	}
	for _, dir := range []string{"/usr", "/lib", "/lib64", "/bin", "/etc/alternatives"} {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--ro-bind", dir, dir)
		}
	}
	args = append(args,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--bind", workspace, workspace,
		"--chdir", workspace,
		"--clearenv",
		"--setenv", "PATH", "/usr/local/bin:/usr/bin:/bin",
		"--setenv", "HOME", workspace,
		"--setenv", "TMPDIR", scratch,
		"--setenv", "LANG", "C.UTF-8",
		"--setenv", "PYTHONDONTWRITEBYTECODE", "1",
		"--",
	)
	return append(args, argv...)
}
