//go:build unix

package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockIndex takes an exclusive advisory lock on the registry directory,
// blocking until any other holder, in this or another process, releases it.
func lockIndex(dir string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open skill index lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock skill index: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
