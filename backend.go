package settings

import (
	"reflect"

	"github.com/bringyour/settings/internal/diagnostic"
)

// Backend is the polymorphic contract a concrete storage implementation
// must satisfy. Only Read and WriteBatch are mandatory; every other
// method has a canonical default (Default* functions below) that a
// concrete backend can delegate to by embedding Base and not
// overriding the method, or by calling the Default* function directly
// from its own override.
type Backend interface {
	// Read returns the stored value for key, or (Value{}, false) if
	// absent. When defaultOnly, only the sysadmin/defaults layer is
	// consulted. Never blocks.
	Read(key string, expectedType reflect.Type, defaultOnly bool) (Value, bool)

	// ReadUserValue returns a value iff the user explicitly set key
	// (as opposed to it merely being inherited from a default).
	ReadUserValue(key string, expectedType reflect.Type) (Value, bool)

	// Write sets key to value, attributing the change to originTag,
	// and reports whether the write succeeded (false means the key
	// was not writable).
	Write(key string, value Value, originTag any) bool

	// WriteBatch commits every entry in cs atomically from the
	// caller's point of view.
	WriteBatch(cs *Changeset, originTag any) bool

	// Reset restores key to its default. Per contract this must
	// always succeed; a backend for which it does not is a backend
	// bug, diagnosed rather than surfaced as an error.
	Reset(key string, originTag any)

	// GetWritable reports whether key is currently available for
	// writing.
	GetWritable(key string) bool

	// Subscribe and Unsubscribe are optimization hints; a backend
	// that does not need them may treat both as no-ops.
	Subscribe(name string)
	Unsubscribe(name string)

	// Sync flushes any in-flight work. May block.
	Sync()

	// Watches exposes the backend's watch registry so the free
	// functions Watch/Unwatch/Changed/.../ChangesetApplied can reach
	// it without every Backend needing bespoke plumbing.
	Watches() *Registry
}

// Base is an embeddable struct providing the registry plumbing and the
// no-op defaults for Subscribe/Unsubscribe/GetWritable/Sync. A concrete
// backend embeds Base, implements Read and WriteBatch itself, and
// either leaves the rest to Base or overrides selectively.
//
// Base deliberately does not implement Write/Reset/ReadUserValue: Go
// has no virtual dispatch through embedding, so a Base method calling
// "the" WriteBatch would always call Base's own (absent) one rather
// than an overriding backend's. Those three are instead free functions
// (DefaultWrite, DefaultReset, DefaultReadUserValue/DefaultReadValue)
// that take the outer Backend explicitly, exactly so they re-enter
// through the interface and see overrides.
type Base struct {
	registry Registry
}

// Watches implements Backend.
func (b *Base) Watches() *Registry { return &b.registry }

// Subscribe implements Backend as a no-op.
func (b *Base) Subscribe(name string) {}

// Unsubscribe implements Backend as a no-op.
func (b *Base) Unsubscribe(name string) {}

// GetWritable implements Backend: everything is writable by default.
func (b *Base) GetWritable(key string) bool { return true }

// Sync implements Backend as a no-op.
func (b *Base) Sync() {}

// DefaultWrite is the canonical Write: wrap value in a singleton
// changeset and delegate to WriteBatch. An absent value (the zero
// Value) is recorded as a reset of key rather than as a write.
func DefaultWrite(b Backend, key string, value Value, originTag any) bool {
	if !IsKey(key) {
		diagnostic.Criticalf("write: %q is not a valid key", key)
		return false
	}
	cs := NewChangeset()
	if value.IsZero() {
		cs.AddReset(key)
	} else {
		cs.AddWrite(key, value)
	}
	return b.WriteBatch(cs, originTag)
}

// DefaultReset is the canonical Reset: call Write(key, absent,
// originTag). Per contract this must succeed; failure is a backend bug
// and is diagnosed, not propagated.
func DefaultReset(b Backend, key string, originTag any) {
	if !IsKey(key) {
		diagnostic.Criticalf("reset: %q is not a valid key", key)
		return
	}
	if ok := b.Write(key, Value{}, originTag); !ok {
		diagnostic.Criticalf("%T is behaving incorrectly: Reset must always succeed", b)
	}
}

// DefaultReadUserValue is the canonical ReadUserValue for a backend
// that does not distinguish user-set values from inherited defaults:
// it always reports absent.
func DefaultReadUserValue(b Backend, key string, expectedType reflect.Type) (Value, bool) {
	return Value{}, false
}

// DefaultReadValue is the canonical composition behind the
// consumer-facing ReadValue: consult defaultOnly, then the read-through
// overlay, then ReadUserValue or Read depending on userOnly. The
// returned value is always re-checked against expectedType, suppressing
// (returning absent for) a mismatch so a misbehaving backend cannot
// hand a consumer a wrong-typed value.
func DefaultReadValue(b Backend, key string, expectedType reflect.Type, readThrough *Queue, userOnly, defaultOnly bool) (Value, bool) {
	if defaultOnly {
		v, ok := b.Read(key, expectedType, true)
		return suppressMismatch(v, ok, expectedType)
	}

	if value, present, found := Check(readThrough, key); found {
		if !present {
			return Value{}, false
		}
		return suppressMismatch(value, true, expectedType)
	}

	if userOnly {
		v, ok := b.ReadUserValue(key, expectedType)
		return suppressMismatch(v, ok, expectedType)
	}

	v, ok := b.Read(key, expectedType, false)
	return suppressMismatch(v, ok, expectedType)
}

func suppressMismatch(value Value, ok bool, expectedType reflect.Type) (Value, bool) {
	if !ok {
		return Value{}, false
	}
	if !value.TypeMatch(expectedType) {
		return Value{}, false
	}
	return value, true
}

// ReadValue is the consumer-facing read used by the higher-level
// settings layer (§6): it is DefaultReadValue, kept as a thin public
// alias so callers outside this package don't need to know that the
// composition happens to be a free function rather than a method.
func ReadValue(b Backend, key string, expectedType reflect.Type, readThrough *Queue, userOnly, defaultOnly bool) (Value, bool) {
	return DefaultReadValue(b, key, expectedType, readThrough, userOnly, defaultOnly)
}

// WriteChangeset is the consumer-facing equivalent of WriteBatch.
func WriteChangeset(b Backend, cs *Changeset, originTag any) bool {
	return b.WriteBatch(cs, originTag)
}

// Write is the consumer-facing equivalent of Backend.Write, kept as a
// free function alongside ReadValue/WriteChangeset for a uniform §6
// call style: settings.Write(backend, key, value, tag) rather than a
// mix of package functions and bare method calls.
func Write(b Backend, key string, value Value, originTag any) bool {
	return b.Write(key, value, originTag)
}

// Reset is the consumer-facing equivalent of Backend.Reset.
func Reset(b Backend, key string, originTag any) {
	b.Reset(key, originTag)
}

// GetWritable is the consumer-facing equivalent of Backend.GetWritable.
func GetWritable(b Backend, key string) bool {
	return b.GetWritable(key)
}

// Subscribe is the consumer-facing equivalent of Backend.Subscribe.
func Subscribe(b Backend, name string) {
	b.Subscribe(name)
}

// Unsubscribe is the consumer-facing equivalent of Backend.Unsubscribe.
func Unsubscribe(b Backend, name string) {
	b.Unsubscribe(name)
}
