package settings

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestChangesetSingleEntryPrefixIsFullKey(t *testing.T) {
	cs := NewWrite("/app/mode", NewValue("dark"))
	prefix, keys, ops := cs.Describe()
	assert.Equal(t, prefix, "/app/mode")
	assert.Equal(t, keys, []string{""})
	assert.Equal(t, len(ops), 1)
	assert.Equal(t, ops[0].Kind, OpWrite)
}

func TestChangesetBatchCommonPrefix(t *testing.T) {
	cs := NewChangeset()
	cs.AddWrite("/u/a", NewValue(1))
	cs.AddWrite("/u/b", NewValue(2))
	cs.AddWrite("/u/c", NewValue(3))

	prefix, keys, ops := cs.Describe()
	assert.Equal(t, prefix, "/u/")
	assert.Equal(t, keys, []string{"a", "b", "c"})
	assert.Equal(t, len(ops), 3)
}

func TestChangesetDedupLastWriterWins(t *testing.T) {
	cs := NewChangeset()
	cs.AddWrite("/a", NewValue(1))
	cs.AddWrite("/a", NewValue(2))
	cs.AddReset("/a")

	op, ok := cs.Get("/a")
	assert.Equal(t, ok, true)
	assert.Equal(t, op.Kind, OpReset)
	assert.Equal(t, cs.Len(), 1)
}

func TestChangesetSealIdempotent(t *testing.T) {
	cs := NewChangeset()
	cs.AddWrite("/u/a", NewValue(1))
	cs.AddWrite("/u/b", NewValue(2))

	cs.Seal()
	prefix1, keys1, _ := cs.Describe()
	cs.Seal()
	prefix2, keys2, _ := cs.Describe()

	assert.Equal(t, prefix1, prefix2)
	assert.Equal(t, keys1, keys2)
}

func TestChangesetAddAfterSealIgnored(t *testing.T) {
	cs := NewChangeset()
	cs.AddWrite("/a", NewValue(1))
	cs.Seal()
	cs.AddWrite("/b", NewValue(2))

	_, ok := cs.Get("/b")
	assert.Equal(t, ok, false)
}

func TestChangesetForEach(t *testing.T) {
	cs := NewChangeset()
	cs.AddWrite("/u/a", NewValue(1))
	cs.AddReset("/u/b")

	seen := map[string]bool{}
	cs.ForEach(func(key string, value Value, present bool) {
		seen[key] = present
	})

	assert.Equal(t, seen["/u/a"], true)
	assert.Equal(t, seen["/u/b"], false)
}

func TestChangesetPrefixConcatenationReproducesKeys(t *testing.T) {
	cs := NewChangeset()
	original := []string{"/u/a", "/u/b", "/u/c"}
	for _, k := range original {
		cs.AddWrite(k, NewValue(k))
	}

	prefix, keys, _ := cs.Describe()
	for i, rel := range keys {
		assert.Equal(t, prefix+rel, original[i])
	}
}

func TestChangesetEmptyHasNoEntries(t *testing.T) {
	cs := NewChangeset()
	n := cs.Len()
	assert.Equal(t, n, 0)
}
