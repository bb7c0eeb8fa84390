//go:build !unix

package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const lockWait = 10 * time.Second

// lockIndex holds the lock file itself: it exists exactly while some
// registry is registering. A holder that crashes leaves it behind, which
// blocks registration until an operator removes it.
func lockIndex(dir string) (func(), error) {
	path := filepath.Join(dir, lockFile)
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create skill index lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("skill index lock %s held for over %s", path, lockWait)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
