// Package memorybackend is the fallback settings backend: a plain
// mutex-guarded map, registered under the name "memory" so the
// resolver always has something to fall back to (spec.md §4.7 assumes
// this backend exists — it is what the verifier callback is checking
// against).
package memorybackend

import (
	"reflect"
	"sync"

	settings "github.com/bringyour/settings"
)

func init() {
	settings.RegisterBackend("memory", 0, func() settings.Backend {
		return New()
	})
}

// Backend is an in-process, non-persistent settings store. Nothing
// written to it survives process exit; that tradeoff is exactly what
// the "memory" name promises callers.
type Backend struct {
	settings.Base

	mutex  sync.RWMutex
	values map[string]settings.Value
	locked map[string]bool
}

// New returns an empty memory backend.
func New() *Backend {
	return &Backend{
		values: map[string]settings.Value{},
		locked: map[string]bool{},
	}
}

// Read implements settings.Backend. defaultOnly has no effect here —
// a memory backend has no separate sysadmin-defaults layer, so a
// default-only read degenerates to an ordinary one.
func (b *Backend) Read(key string, expectedType reflect.Type, defaultOnly bool) (settings.Value, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// ReadUserValue implements settings.Backend. A memory backend does not
// distinguish "set by the user" from "inherited from a default" — it
// has no defaults layer — so every present value counts as user-set.
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

// WriteBatch implements settings.Backend: apply every entry under the
// lock, then emit the right change signal for what actually happened.
func (b *Backend) WriteBatch(cs *settings.Changeset, originTag any) bool {
	applied := false

	b.mutex.Lock()
	cs.ForEach(func(key string, value settings.Value, present bool) {
		if !b.writableLocked(key) {
			return
		}
		if present {
			b.values[key] = value
		} else {
			delete(b.values, key)
		}
		applied = true
	})
	b.mutex.Unlock()

	if !applied {
		return false
	}

	settings.ChangesetApplied(b, cs, originTag)
	return true
}

// GetWritable implements settings.Backend: a key is writable unless
// Lockdown has marked it otherwise.
func (b *Backend) GetWritable(key string) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return !b.locked[key]
}

func (b *Backend) writableLocked(key string) bool {
	return !b.locked[key]
}

// Lockdown marks key as non-writable (or clears that mark) and emits
// WritableChanged, the way a sysadmin policy daemon would. It exists
// so GetWritable's default "always true" is exercisable and testable
// without a second backend.
func (b *Backend) Lockdown(key string, locked bool) {
	b.mutex.Lock()
	if locked {
		b.locked[key] = true
	} else {
		delete(b.locked, key)
	}
	b.mutex.Unlock()

	settings.WritableChanged(b, key)
}
