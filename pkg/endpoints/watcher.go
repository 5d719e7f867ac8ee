package endpoints

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/datagate-io/datagate/pkg/logger"
)

// defaultDebounce coalesces editor write storms into a single reload.
const defaultDebounce = 250 * time.Millisecond

// Watcher keeps a Registry current by reprocessing endpoint directories as
// their entity.json files change on disk.
type Watcher struct {
	registry *Registry
	debounce time.Duration
}

// NewWatcher creates a watcher for the registry's root directory.
func NewWatcher(registry *Registry) *Watcher {
	return &Watcher{registry: registry, debounce: defaultDebounce}
}

// Run watches the endpoint tree until ctx is cancelled. Events are
// debounced; each affected endpoint directory is reprocessed once per
// quiet period. A structural change (kind directory added or removed)
// triggers a full reload.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTreeWatches(fsw); err != nil {
		return err
	}

	// Dirty endpoint directories accumulated during the debounce window,
	// keyed by "<KindDir>/<Name>". fullReload trumps individual entries.
	dirty := make(map[string]struct{})
	fullReload := false

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	arm := func() {
		if timerArmed && !timer.Stop() {
			<-timer.C
		}
		timer.Reset(w.debounce)
		timerArmed = true
	}

	logger.Infof("watching endpoint definitions under %s", w.registry.Root())

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			structural, key := w.classify(fsw, event)
			if structural {
				fullReload = true
				arm()
			} else if key != "" {
				dirty[key] = struct{}{}
				arm()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("endpoint watcher error: %v", err)

		case <-timer.C:
			timerArmed = false
			if fullReload {
				fullReload = false
				dirty = make(map[string]struct{})
				if err := w.registry.Load(); err != nil {
					logger.Errorf("endpoint reload failed: %v", err)
				}
				// Directories may have appeared; refresh the watch set.
				if err := w.addTreeWatches(fsw); err != nil {
					logger.Warnf("failed to refresh endpoint watches: %v", err)
				}
				continue
			}
			for key := range dirty {
				delete(dirty, key)
				kindDir, name, ok := strings.Cut(key, "/")
				if !ok {
					continue
				}
				kind, ok := KindForDirectory(kindDir)
				if !ok {
					continue
				}
				w.registry.reloadEntry(kind, name)
			}
		}
	}
}

// addTreeWatches registers the root, every kind directory and every
// endpoint directory. Re-adding an existing watch is a no-op.
func (w *Watcher) addTreeWatches(fsw *fsnotify.Watcher) error {
	root := w.registry.Root()
	if err := fsw.Add(root); err != nil {
		return fmt.Errorf("failed to watch endpoint root %s: %w", root, err)
	}

	kindEntries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read endpoint root %s: %w", root, err)
	}
	for _, kindEntry := range kindEntries {
		if !kindEntry.IsDir() {
			continue
		}
		if _, ok := KindForDirectory(kindEntry.Name()); !ok {
			continue
		}
		kindDir := filepath.Join(root, kindEntry.Name())
		if err := fsw.Add(kindDir); err != nil {
			logger.Warnf("failed to watch %s: %v", kindDir, err)
			continue
		}
		nameEntries, err := os.ReadDir(kindDir)
		if err != nil {
			continue
		}
		for _, nameEntry := range nameEntries {
			if !nameEntry.IsDir() {
				continue
			}
			nameDir := filepath.Join(kindDir, nameEntry.Name())
			if err := fsw.Add(nameDir); err != nil {
				logger.Warnf("failed to watch %s: %v", nameDir, err)
			}
		}
	}
	return nil
}

// classify maps a filesystem event onto reload work: a structural event
// (kind directory level) requests a full reload, an endpoint-level event
// returns the "<KindDir>/<Name>" key to reprocess.
func (w *Watcher) classify(fsw *fsnotify.Watcher, event fsnotify.Event) (structural bool, key string) {
	rel, err := filepath.Rel(w.registry.Root(), event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false, ""
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		// Kind directory created or removed.
		if _, ok := KindForDirectory(parts[0]); !ok {
			return false, ""
		}
		return true, ""

	case 2:
		// Endpoint directory created, removed or renamed.
		if _, ok := KindForDirectory(parts[0]); !ok {
			return false, ""
		}
		if event.Op.Has(fsnotify.Create) {
			if err := fsw.Add(event.Name); err != nil {
				logger.Warnf("failed to watch %s: %v", event.Name, err)
			}
		}
		return false, parts[0] + "/" + parts[1]

	case 3:
		// A file inside an endpoint directory; only the definition counts.
		if !strings.EqualFold(parts[2], entityFileName) {
			return false, ""
		}
		if _, ok := KindForDirectory(parts[0]); !ok {
			return false, ""
		}
		return false, parts[0] + "/" + parts[1]
	}
	return false, ""
}
