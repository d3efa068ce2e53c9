// pkg/events/watcher.go
package events

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher is the live filesystem Source. It watches a directory tree with
// fsnotify and converts raw notifications into RawEvents. Newly created
// subdirectories are added to the watch set as they appear, since fsnotify
// watches are not recursive.
type Watcher struct {
	root   string
	logger zerolog.Logger

	out     chan RawEvent
	watcher *fsnotify.Watcher
	stopped chan struct{}
	once    sync.Once
}

// NewWatcher creates a Watcher for the given root directory.
func NewWatcher(root string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		root:    root,
		logger:  logger.With().Str("component", "watcher").Str("root", root).Logger(),
		out:     make(chan RawEvent, 1024),
		stopped: make(chan struct{}),
	}
}

// Events returns the channel RawEvents are delivered on.
func (w *Watcher) Events() <-chan RawEvent {
	return w.out
}

// Start begins watching the root tree. It returns an error if the root does
// not exist or the watcher cannot be created; after a successful return the
// events channel stays open until Stop or an unrecoverable watcher failure.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "watch", Path: w.root, Err: os.ErrInvalid}
	}

	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the root and every existing subdirectory.
	err = filepath.Walk(w.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if fi.IsDir() {
			if addErr := w.watcher.Add(path); addErr != nil {
				w.logger.Warn().Err(addErr).Str("dir", path).Msg("Failed to add directory to watcher")
			}
		}
		return nil
	})
	if err != nil {
		w.watcher.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info().Msg("Filesystem watcher started")
	return nil
}

// Stop halts delivery and closes the events channel.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopped)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.out)
	defer w.watcher.Close()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Error().Msg("Watcher event channel closed unexpectedly")
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Filesystem watcher error")
		case <-ctx.Done():
			w.logger.Info().Msg("Filesystem watcher stopping")
			return
		case <-w.stopped:
			w.logger.Info().Msg("Filesystem watcher stopped")
			return
		}
	}
}

// handle converts one fsnotify event into zero or one RawEvent.
func (w *Watcher) handle(ev fsnotify.Event) {
	if isNoise(ev.Name) {
		return
	}

	now := time.Now()

	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// Track new subdirectories; directory creation itself is not
			// file activity.
			if err := w.watcher.Add(ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
			}
			return
		}
		w.emit(w.enrich(RawEvent{Path: ev.Name, Kind: KindCreate, Timestamp: now}))
	case ev.Op&fsnotify.Write == fsnotify.Write:
		w.emit(w.enrich(RawEvent{Path: ev.Name, Kind: KindModify, Timestamp: now}))
	case ev.Op&fsnotify.Remove == fsnotify.Remove:
		w.emit(RawEvent{Path: ev.Name, Kind: KindDelete, Timestamp: now})
	case ev.Op&fsnotify.Rename == fsnotify.Rename:
		w.emit(RawEvent{Path: ev.Name, Kind: KindRename, Timestamp: now})
	}
	// Chmod is deliberately ignored: permission churn is not write activity.
}

// enrich attaches size and sampled entropy to create/modify events. Failures
// leave the optional fields nil.
func (w *Watcher) enrich(ev RawEvent) RawEvent {
	fi, err := os.Stat(ev.Path)
	if err != nil {
		return ev
	}
	size := fi.Size()
	ev.Size = &size

	if entropy, err := SampleFileEntropy(ev.Path); err == nil {
		ev.Entropy = &entropy
	}
	return ev
}

func (w *Watcher) emit(ev RawEvent) {
	select {
	case w.out <- ev:
	default:
		// Slow consumer: dropping is safe, the aggregator only loses a bit
		// of rate signal, and blocking here would back up fsnotify.
		w.logger.Warn().Str("path", ev.Path).Msg("Event buffer full, dropping event")
	}
}

// isNoise filters temporary files and editor artifacts that would otherwise
// inflate write rates.
func isNoise(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, "~") ||
		strings.HasPrefix(base, ".#")
}
