package settings

import (
	"sort"
	"strings"
	"sync"

	"github.com/bringyour/settings/internal/diagnostic"
)

// OpKind distinguishes a pending write from a pending reset within a
// Changeset.
type OpKind int

const (
	// OpWrite sets a key to a new Value.
	OpWrite OpKind = iota
	// OpReset clears a key back to its default.
	OpReset
)

// Op is a single pending operation on a key.
type Op struct {
	Kind  OpKind
	Value Value
}

// Changeset is an ordered, prefix-factorable batch of per-key
// write-or-reset operations. It is mutable until Seal (or the first
// call to Describe, which seals implicitly), after which its entries
// are immutable. The zero value is not usable; construct with
// NewChangeset or NewWrite.
type Changeset struct {
	mutex sync.Mutex

	sealed bool
	prefix string

	// keyed by absolute key while unsealed, by relative key once sealed
	order   []string
	entries map[string]Op
}

// NewChangeset returns an empty, unsealed changeset.
func NewChangeset() *Changeset {
	return &Changeset{entries: map[string]Op{}}
}

// NewWrite is a single-entry constructor convenience equivalent to
// NewChangeset().AddWrite(key, value).
func NewWrite(key string, value Value) *Changeset {
	c := NewChangeset()
	c.AddWrite(key, value)
	return c
}

// AddWrite records a pending write of key to value. On an unsealed
// changeset, the last operation recorded for a given absolute key
// wins; calling AddWrite after Seal is a contract violation and is
// ignored.
func (c *Changeset) AddWrite(key string, value Value) {
	c.add(key, Op{Kind: OpWrite, Value: value})
}

// AddReset records a pending reset of key. See AddWrite for dedup and
// sealing semantics.
func (c *Changeset) AddReset(key string) {
	c.add(key, Op{Kind: OpReset})
}

func (c *Changeset) add(key string, op Op) {
	if !IsKey(key) {
		diagnostic.Criticalf("changeset: %q is not a valid key, entry dropped", key)
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.sealed {
		diagnostic.Criticalf("changeset: add called after Seal, entry for %q dropped", key)
		return
	}

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = op
}

// Seal freezes the changeset, computing the longest common dir prefix
// of all absolute keys and rewriting entries as (relative_suffix, Op)
// pairs. Seal is idempotent — sealing an already-sealed changeset is a
// no-op.
func (c *Changeset) Seal() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sealLocked()
}

func (c *Changeset) sealLocked() {
	if c.sealed {
		return
	}

	keys := append([]string(nil), c.order...)
	sort.Strings(keys)

	prefix := longestCommonDirPrefix(keys)

	relative := make([]string, len(keys))
	entries := make(map[string]Op, len(keys))
	for i, k := range keys {
		rel := strings.TrimPrefix(k, prefix)
		relative[i] = rel
		entries[rel] = c.entries[k]
	}

	c.prefix = prefix
	c.order = relative
	c.entries = entries
	c.sealed = true
}

// longestCommonDirPrefix returns the longest common prefix of sorted
// keys, trimmed back to the last '/' boundary so that the result is
// itself a valid dir. When there is exactly one key, the prefix is
// that key verbatim (the single-entry case: an empty relative suffix).
func longestCommonDirPrefix(sortedKeys []string) string {
	if len(sortedKeys) == 0 {
		return "/"
	}
	if len(sortedKeys) == 1 {
		return sortedKeys[0]
	}

	first, last := sortedKeys[0], sortedKeys[len(sortedKeys)-1]
	n := len(first)
	if len(last) < n {
		n = len(last)
	}
	i := 0
	for i < n && first[i] == last[i] {
		i++
	}
	common := first[:i]

	slash := strings.LastIndexByte(common, '/')
	if slash < 0 {
		return "/"
	}
	return common[:slash+1]
}

// Describe seals the changeset if it is not already sealed and returns
// a stable view: the dir prefix, the relative keys in sorted order,
// and their operations (index-aligned with the keys).
func (c *Changeset) Describe() (prefix string, keys []string, ops []Op) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sealLocked()

	keys = append([]string(nil), c.order...)
	ops = make([]Op, len(keys))
	for i, k := range keys {
		ops[i] = c.entries[k]
	}
	return c.prefix, keys, ops
}

// Get looks up the operation pending for an absolute key, if any.
func (c *Changeset) Get(absoluteKey string) (Op, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.sealed {
		op, ok := c.entries[absoluteKey]
		return op, ok
	}

	if !strings.HasPrefix(absoluteKey, c.prefix) {
		return Op{}, false
	}
	op, ok := c.entries[strings.TrimPrefix(absoluteKey, c.prefix)]
	return op, ok
}

// ForEach enumerates every entry as (absolute_key, value, present).
// present is false for a pending reset.
func (c *Changeset) ForEach(fn func(absoluteKey string, value Value, present bool)) {
	prefix, keys, ops := c.Describe()
	for i, rel := range keys {
		op := ops[i]
		fn(prefix+rel, op.Value, op.Kind == OpWrite)
	}
}

// Len returns the number of distinct keys in the changeset.
func (c *Changeset) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.order)
}
