package settings

import "github.com/bringyour/settings/internal/diagnostic"

// Changed signals that the value of key may have changed. A
// successful Write or WriteBatch must call this (directly, or via
// KeysChanged/ChangesetApplied) before returning, except when the
// write was a no-op and the backend elects to skip signaling.
func Changed(b Backend, key string, originTag any) {
	if !IsKey(key) {
		diagnostic.Criticalf("Changed: %q is not a valid key", key)
		return
	}
	dispatch(b.Watches(), func(c Callbacks, target any) {
		if c.Changed != nil {
			c.Changed(target, b, key, originTag)
		}
	})
}

// KeysChanged signals that, for each k in keys, dir+k may have
// changed. Backends should pick the longest common dir prefix for
// efficiency, but correctness does not depend on it — "/" is always a
// valid (if maximally conservative) choice.
func KeysChanged(b Backend, dir string, keys []string, originTag any) {
	if !IsDir(dir) {
		diagnostic.Criticalf("KeysChanged: %q is not a valid dir", dir)
		return
	}
	keysCopy := append([]string(nil), keys...)
	dispatch(b.Watches(), func(c Callbacks, target any) {
		if c.KeysChanged != nil {
			c.KeysChanged(target, b, dir, keysCopy, originTag)
		}
	})
}

// PathChanged signals that any key with prefix dir may have changed.
func PathChanged(b Backend, dir string, originTag any) {
	if !IsDir(dir) {
		diagnostic.Criticalf("PathChanged: %q is not a valid dir", dir)
		return
	}
	dispatch(b.Watches(), func(c Callbacks, target any) {
		if c.PathChanged != nil {
			c.PathChanged(target, b, dir, originTag)
		}
	})
}

// WritableChanged signals that the writability of key may have
// changed. Writability signals always originate from external events
// (e.g. lockdown reconfiguration); there is no origin tag.
func WritableChanged(b Backend, key string) {
	if !IsKey(key) {
		diagnostic.Criticalf("WritableChanged: %q is not a valid key", key)
		return
	}
	dispatch(b.Watches(), func(c Callbacks, target any) {
		if c.WritableChanged != nil {
			c.WritableChanged(target, b, key)
		}
	})
}

// PathWritableChanged signals that the writability of any key under
// dir may have changed.
func PathWritableChanged(b Backend, dir string) {
	if !IsDir(dir) {
		diagnostic.Criticalf("PathWritableChanged: %q is not a valid dir", dir)
		return
	}
	dispatch(b.Watches(), func(c Callbacks, target any) {
		if c.PathWritableChanged != nil {
			c.PathWritableChanged(target, b, dir)
		}
	})
}

// ChangesetApplied introspects a sealed changeset and emits the right
// signal: nothing for zero entries, Changed for exactly one (the
// single-entry case has an empty relative suffix, so the prefix is the
// full key), and KeysChanged for two or more.
func ChangesetApplied(b Backend, cs *Changeset, originTag any) {
	prefix, keys, _ := cs.Describe()
	switch len(keys) {
	case 0:
		return
	case 1:
		Changed(b, prefix, originTag)
	default:
		KeysChanged(b, prefix, keys, originTag)
	}
}
