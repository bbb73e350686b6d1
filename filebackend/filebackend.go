// Package filebackend is a settings backend that persists values to a
// TOML file on disk (github.com/pelletier/go-toml/v2) and watches a
// companion lockdown file with fsnotify so that writable_changed and
// path_writable_changed signals can originate the way the spec expects:
// from something external to the process, not from our own Write calls.
package filebackend

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	settings "github.com/bringyour/settings"
)

const lockSuffix = ".lock.toml"

// EnvPath names the environment variable a deployment can set to pick
// the data file location; if unset, New falls back to a path under
// os.UserConfigDir().
const EnvPath = "SETTINGS_FILE_PATH"

func init() {
	settings.RegisterBackend("file", 5, func() settings.Backend {
		b, err := New(defaultPath())
		if err != nil {
			// a broken or missing config directory shouldn't make
			// backend resolution panic; fall through and let memory
			// win the priority race instead.
			return nil
		}
		return b
	})
}

func defaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "settings", "settings.toml")
}

// Backend is an on-disk, process-external-aware settings store.
type Backend struct {
	settings.Base

	mu       sync.RWMutex
	dataPath string
	lockPath string
	values   map[string]any
	locked   map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New opens (or creates) the settings file at path, along with its
// sibling lockdown file, and starts watching the lockdown file for
// external edits.
func New(path string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	b := &Backend{
		dataPath: path,
		lockPath: strings.TrimSuffix(path, filepath.Ext(path)) + lockSuffix,
		values:   map[string]any{},
		locked:   map[string]bool{},
	}

	if err := b.loadValues(); err != nil {
		return nil, err
	}
	if err := b.loadLocks(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	b.watcher = watcher
	b.done = make(chan struct{})
	go b.watchLoop()

	return b, nil
}

// Close stops the lockdown-file watcher. It does not delete any data.
func (b *Backend) Close() error {
	close(b.done)
	return b.watcher.Close()
}

func (b *Backend) watchLoop() {
	var lastReload time.Time
	const debounce = 50 * time.Millisecond

	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Name != b.lockPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if time.Since(lastReload) < debounce {
				continue
			}
			lastReload = time.Now()
			b.reloadLocksAndDispatch()
		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *Backend) reloadLocksAndDispatch() {
	b.mu.Lock()
	before := b.locked
	b.locked = map[string]bool{}
	err := b.loadLocksLocked()
	after := b.locked
	if err != nil {
		b.locked = before
		after = before
	}
	b.mu.Unlock()

	changedKeys := diffLockedSets(before, after)
	dirs := map[string]bool{}
	for _, key := range changedKeys {
		settings.WritableChanged(b, key)
		dirs[settings.ParentDir(key)] = true
	}
	dirNames := make([]string, 0, len(dirs))
	for d := range dirs {
		dirNames = append(dirNames, d)
	}
	sort.Strings(dirNames)
	for _, d := range dirNames {
		settings.PathWritableChanged(b, d)
	}
}

func diffLockedSets(before, after map[string]bool) []string {
	seen := map[string]bool{}
	var changed []string
	for k, v := range before {
		if after[k] != v {
			if !seen[k] {
				changed = append(changed, k)
				seen[k] = true
			}
		}
	}
	for k, v := range after {
		if before[k] != v {
			if !seen[k] {
				changed = append(changed, k)
				seen[k] = true
			}
		}
	}
	sort.Strings(changed)
	return changed
}

func (b *Backend) loadValues() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadValuesLocked()
}

func (b *Backend) loadValuesLocked() error {
	data, err := os.ReadFile(b.dataPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	raw := map[string]any{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.values = raw
	return nil
}

func (b *Backend) loadLocks() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocksLocked()
}

func (b *Backend) loadLocksLocked() error {
	data, err := os.ReadFile(b.lockPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var keys []string
	if err := toml.Unmarshal(data, &struct {
		Keys *[]string `toml:"locked"`
	}{Keys: &keys}); err != nil {
		return err
	}
	for _, k := range keys {
		b.locked[k] = true
	}
	return nil
}

func (b *Backend) saveValuesLocked() error {
	data, err := toml.Marshal(b.values)
	if err != nil {
		return err
	}
	return os.WriteFile(b.dataPath, data, 0o644)
}

func (b *Backend) saveLocksLocked() error {
	keys := make([]string, 0, len(b.locked))
	for k, v := range b.locked {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	data, err := toml.Marshal(struct {
		Keys []string `toml:"locked"`
	}{Keys: keys})
	if err != nil {
		return err
	}
	return os.WriteFile(b.lockPath, data, 0o644)
}

// Read implements settings.Backend. defaultOnly has no effect: a file
// backend stores only user-written values, with no separate defaults
// layer of its own.
func (b *Backend) Read(key string, expectedType reflect.Type, defaultOnly bool) (settings.Value, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	raw, ok := b.values[key]
	if !ok {
		return settings.Value{}, false
	}
	return settings.NewValue(raw), true
}

// ReadUserValue implements settings.Backend.
func (b *Backend) ReadUserValue(key string, expectedType reflect.Type) (settings.Value, bool) {
	return b.Read(key, expectedType, false)
}

// Write implements settings.Backend via the canonical composition.
func (b *Backend) Write(key string, value settings.Value, originTag any) bool {
	return settings.DefaultWrite(b, key, value, originTag)
}

// Reset implements settings.Backend via the canonical composition.
func (b *Backend) Reset(key string, originTag any) {
	settings.DefaultReset(b, key, originTag)
}

// WriteBatch implements settings.Backend: apply every writable entry,
// persist once, then emit the right change signal for what happened.
func (b *Backend) WriteBatch(cs *settings.Changeset, originTag any) bool {
	applied := false

	b.mu.Lock()
	cs.ForEach(func(key string, value settings.Value, present bool) {
		if b.locked[key] {
			return
		}
		if present {
			raw, _ := value.Raw()
			b.values[key] = raw
		} else {
			delete(b.values, key)
		}
		applied = true
	})
	if !applied {
		b.mu.Unlock()
		return false
	}
	err := b.saveValuesLocked()
	b.mu.Unlock()

	if err != nil {
		return false
	}
	settings.ChangesetApplied(b, cs, originTag)
	return true
}

// GetWritable implements settings.Backend.
func (b *Backend) GetWritable(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.locked[key]
}

// Lockdown marks key non-writable (or clears that mark) in the
// lockdown file and saves it; it exists for tests and administration
// tools driving this backend directly rather than through an external
// process editing the lockdown file on disk.
func (b *Backend) Lockdown(key string, locked bool) error {
	b.mu.Lock()
	if locked {
		b.locked[key] = true
	} else {
		delete(b.locked, key)
	}
	err := b.saveLocksLocked()
	b.mu.Unlock()

	if err != nil {
		return err
	}
	settings.WritableChanged(b, key)
	settings.PathWritableChanged(b, settings.ParentDir(key))
	return nil
}
