// Package watch follows a results root and reports every checkpoint commit.
//
// A checkpoint is committed when its manifest.json lands. Manifest events are
// debounced per experiment directory, checked against the manifest on disk and
// reported at a limited rate; a burst of saves to one directory yields one event
// for the latest manifest.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
)

// Event reports a committed checkpoint.
type Event struct {
	Model        string    `json:"model"`
	ExperimentID int       `json:"experiment_id"`
	Dir          string    `json:"dir"`
	Stage        string    `json:"stage"`
	RunID        string    `json:"run_id,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Options tune a Watcher.
type Options struct {
	// Debounce is the quiet period after the last manifest event of a directory.
	Debounce time.Duration

	// Rate and Burst bound how many events are reported per second.
	Rate  float64
	Burst int

	Logger *log.Logger
}

// Watcher reports checkpoint commits under a results root.
type Watcher struct {
	root     string
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *log.Logger
	ready    chan struct{}

	pending map[string]time.Time
	seen    map[string]time.Time
}

// New creates a watcher for root.
func New(root string, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Watcher{
		root:     filepath.Clean(root),
		debounce: opts.Debounce,
		limiter:  rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		logger:   opts.Logger,
		ready:    make(chan struct{}),
		pending:  map[string]time.Time{},
		seen:     map[string]time.Time{},
	}
}

// Ready is closed once the initial directories are being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is done, calling emit for every commit. Manifests that
// exist when Run starts are treated as already reported.
func (w *Watcher) Run(ctx context.Context, emit func(Event)) (err error) {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("failed to create results root: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := w.watchDir(fw, w.root, true); err != nil {
		return err
	}
	close(w.ready)
	w.logger.Printf("[INFO] Watching %s for checkpoint commits", w.root)

	tick := max(w.debounce/2, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("[WARN] File watcher error: %v", err)
		case now := <-ticker.C:
			w.flush(now, emit)
		}
	}
}

// depth is 1 for a model directory, 2 for an experiment directory and 3 for a
// file inside one; 0 for anything else.
func (w *Watcher) depth(path string) int {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return 0
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 2 {
		if _, ok := checkpoint.ParseDirName(parts[1]); !ok {
			return 0
		}
	}
	if len(parts) > 3 {
		return 0
	}
	return len(parts)
}

// watchDir adds dir and the experiment directories below it. With initial set,
// existing manifests are recorded as seen instead of reported.
func (w *Watcher) watchDir(fw *fsnotify.Watcher, dir string, initial bool) error {
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if dir != w.root && w.depth(dir) == 2 {
		manifestPath := filepath.Join(dir, checkpoint.ManifestFile)
		if _, err := os.Stat(manifestPath); err == nil {
			if initial {
				if m, err := checkpoint.ReadManifest(dir); err == nil {
					w.seen[dir] = m.SavedAt
				}
			} else {
				w.pending[dir] = time.Now()
			}
		}
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := filepath.Join(dir, e.Name())
		if d := w.depth(child); d == 1 || d == 2 {
			if err := w.watchDir(fw, child, initial); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	d := w.depth(event.Name)

	if event.Has(fsnotify.Create) && (d == 1 || d == 2) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchDir(fw, event.Name, false); err != nil {
				w.logger.Printf("[WARN] %v", err)
			}
		}
		return
	}

	if d == 3 && filepath.Base(event.Name) == checkpoint.ManifestFile &&
		(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
		w.pending[filepath.Dir(event.Name)] = time.Now()
	}
}

// flush reports directories that have been quiet for the debounce period.
func (w *Watcher) flush(now time.Time, emit func(Event)) {
	for dir, last := range w.pending {
		if now.Sub(last) < w.debounce {
			continue
		}
		if !w.limiter.Allow() {
			return
		}
		delete(w.pending, dir)

		m, err := checkpoint.ReadManifest(dir)
		if err != nil {
			w.logger.Printf("[DEBUG] Ignoring %s: %v", dir, err)
			continue
		}
		if saved, ok := w.seen[dir]; ok && saved.Equal(m.SavedAt) {
			continue
		}
		w.seen[dir] = m.SavedAt

		id, _ := checkpoint.ParseDirName(filepath.Base(dir))
		emit(Event{
			Model:        filepath.Base(filepath.Dir(dir)),
			ExperimentID: id,
			Dir:          dir,
			Stage:        m.Stage,
			RunID:        m.RunID,
			SavedAt:      m.SavedAt,
		})
	}
}
