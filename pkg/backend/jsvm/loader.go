package jsvm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce is how long the loader waits for writes to settle.
const reloadDebounce = 100 * time.Millisecond

// Loader keeps the guest libraries found in a directory compiled and
// current. Sandboxes created after a reload get the new version; running
// sandboxes keep the library they were created with.
type Loader struct {
	dir        string
	logger     zerolog.Logger
	watcher    *fsnotify.Watcher
	libs       map[string]*Library
	mu         sync.RWMutex
	closed     bool
	debounce   map[string]*time.Timer
	debounceMu sync.Mutex
}

// NewLoader creates a loader for the .js files in dir.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:      dir,
		logger:   logger,
		libs:     make(map[string]*Library),
		debounce: make(map[string]*time.Timer),
	}
}

// Load scans the directory and compiles every guest library in it. Files
// that fail to compile are logged and skipped.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		l.logger.Debug().Str("dir", l.dir).Msg("library directory does not exist")
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read library directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if _, err := l.loadLocked(path); err != nil {
			l.logger.Warn().Err(err).Str("file", entry.Name()).Msg("failed to load guest library")
		}
	}

	l.logger.Info().Int("count", len(l.libs)).Msg("loaded guest libraries")
	return nil
}

// loadLocked compiles one file (must hold lock). It reports whether the
// library changed.
func (l *Loader) loadLocked(path string) (bool, error) {
	lib, err := LoadLibrary(path)
	if err != nil {
		return false, err
	}
	if existing, ok := l.libs[lib.Name()]; ok && existing.digest == lib.digest {
		return false, nil
	}
	l.libs[lib.Name()] = lib
	l.logger.Debug().Str("name", lib.Name()).Str("digest", lib.Digest()).Msg("loaded guest library")
	return true, nil
}

// Get returns the current version of the named library.
func (l *Loader) Get(name string) (*Library, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lib, ok := l.libs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
	}
	return lib, nil
}

// Libraries returns the loaded libraries sorted by name.
func (l *Loader) Libraries() []*Library {
	l.mu.RLock()
	defer l.mu.RUnlock()
	libs := make([]*Library, 0, len(l.libs))
	for _, lib := range l.libs {
		libs = append(libs, lib)
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].Name() < libs[j].Name() })
	return libs
}

// Watch starts watching the directory for changes.
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("loader is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	l.watcher = watcher
	go l.watchLoop(watcher)

	l.logger.Info().Str("dir", l.dir).Msg("watching library directory")
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".js") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				l.debouncedReload(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				l.handleRemove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (l *Loader) debouncedReload(path string) {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()

	if timer, ok := l.debounce[path]; ok {
		timer.Stop()
	}
	l.debounce[path] = time.AfterFunc(reloadDebounce, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return
		}

		changed, err := l.loadLocked(path)
		switch {
		case err != nil:
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to reload guest library")
		case changed:
			l.logger.Info().Str("path", path).Msg("reloaded guest library")
		}
	})
}

func (l *Loader) handleRemove(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, lib := range l.libs {
		if lib.Path() == path {
			delete(l.libs, name)
			l.logger.Info().Str("name", name).Msg("unloaded removed guest library")
			return
		}
	}
}

// Close stops watching. Loaded libraries stay available.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	l.debounceMu.Lock()
	for _, timer := range l.debounce {
		timer.Stop()
	}
	l.debounceMu.Unlock()

	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
