package skills

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultSettle = 250 * time.Millisecond

// Watcher registers source files dropped into the registry's incoming
// directory. A file is picked up once it has stopped changing for the settle
// interval, registered under its base name, and removed.
//
// Capabilities and a description may be declared in leading comments:
//
//	# capabilities: csv, parsing
//	# description: Sum the second column of a CSV file.
type Watcher struct {
	reg    *Registry
	logger *logging.Logger
	settle time.Duration

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewWatcher creates a watcher for reg. settle <= 0 selects the default.
func NewWatcher(reg *Registry, settle time.Duration, logger *logging.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = defaultSettle
	}
	if logger == nil {
		logger = logging.Nop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		reg:     reg,
		logger:  logger.Named("skills.watch"),
		settle:  settle,
		watcher: fw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start registers files already waiting in the drop zone, then watches it
// until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	dir := w.reg.IncomingDir()
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.ingest(ctx, filepath.Join(dir, e.Name()))
		}
	}

	w.started.Store(true)
	go w.loop(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "watch error", zap.Error(err))
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) >= w.settle {
					delete(pending, path)
					w.ingest(ctx, path)
				}
			}
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != sourceExt {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		w.logger.Debug(ctx, "incoming file vanished", zap.String("file", base), zap.Error(err))
		return
	}

	caps, desc := parseHeader(string(b))
	sk, err := w.reg.Register(ctx, Skill{
		Name:         strings.TrimSuffix(base, sourceExt),
		Content:      string(b),
		Capabilities: caps,
		Description:  desc,
	})
	if err != nil {
		w.logger.Warn(ctx, "rejected incoming skill", zap.String("file", base), zap.Error(err))
		return
	}
	if err := os.Remove(path); err != nil {
		w.logger.Warn(ctx, "could not remove ingested file", zap.String("file", base), zap.Error(err))
	}
	w.logger.Info(ctx, "pre-registered skill from drop zone",
		zap.String("skill", sk.Name), zap.Int("version", sk.Version))
}

// parseHeader reads "# capabilities:" and "# description:" from the leading
// comment block.
func parseHeader(src string) (caps []string, desc string) {
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#!") {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		key, val, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "capabilities":
			for _, c := range strings.Split(val, ",") {
				if c = strings.TrimSpace(c); c != "" {
					caps = append(caps, c)
				}
			}
		case "description":
			desc = strings.TrimSpace(val)
		}
	}
	return caps, desc
}
