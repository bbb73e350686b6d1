package settings

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// testBackend is a minimal in-process Backend used to exercise the
// watch/dispatch fabric without pulling in a concrete backend package.
type testBackend struct {
	Base
	mutex  sync.Mutex
	values map[string]Value
}

func newTestBackend() *testBackend {
	return &testBackend{values: map[string]Value{}}
}

func (b *testBackend) Read(key string, expectedType reflect.Type, defaultOnly bool) (Value, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	v, ok := b.values[key]
	return v, ok
}

func (b *testBackend) ReadUserValue(key string, expectedType reflect.Type) (Value, bool) {
	return DefaultReadUserValue(b, key, expectedType)
}

func (b *testBackend) Write(key string, value Value, originTag any) bool {
	return DefaultWrite(b, key, value, originTag)
}

func (b *testBackend) Reset(key string, originTag any) {
	DefaultReset(b, key, originTag)
}

func (b *testBackend) WriteBatch(cs *Changeset, originTag any) bool {
	b.mutex.Lock()
	cs.ForEach(func(key string, value Value, present bool) {
		if present {
			b.values[key] = value
		} else {
			delete(b.values, key)
		}
	})
	b.mutex.Unlock()

	ChangesetApplied(b, cs, originTag)
	return true
}

// subscriber is a stand-in for the higher-level Settings object that
// registers for change callbacks.
type subscriber struct {
	mutex   sync.Mutex
	changed []string
	tags    []any
}

func (s *subscriber) record(key string, tag any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.changed = append(s.changed, key)
	s.tags = append(s.tags, tag)
}

func (s *subscriber) snapshot() ([]string, []any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.changed...), append([]any(nil), s.tags...)
}

func TestWriteSingleSyncWatch(t *testing.T) {
	b := newTestBackend()
	sub := &subscriber{}

	Watch(b, sub, Callbacks{
		Changed: func(target any, backend Backend, key string, originTag any) {
			target.(*subscriber).record(key, originTag)
		},
	}, nil)

	ok := b.Write("/app/mode", NewValue("dark"), Id{0xAA})
	assert.Equal(t, ok, true)

	keys, tags := sub.snapshot()
	assert.Equal(t, keys, []string{"/app/mode"})
	assert.Equal(t, tags[0], any(Id{0xAA}))
}

func TestWriteChangesetBatchDispatchesKeysChanged(t *testing.T) {
	b := newTestBackend()
	sub := &subscriber{}

	var gotDir string
	var gotKeys []string

	Watch(b, sub, Callbacks{
		KeysChanged: func(target any, backend Backend, dir string, keys []string, originTag any) {
			gotDir = dir
			gotKeys = append([]string(nil), keys...)
		},
	}, nil)

	cs := NewChangeset()
	cs.AddWrite("/u/a", NewValue(1))
	cs.AddWrite("/u/b", NewValue(2))
	cs.AddWrite("/u/c", NewValue(3))

	ok := WriteChangeset(b, cs, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, gotDir, "/u/")
	assert.Equal(t, gotKeys, []string{"a", "b", "c"})
}

func TestUnwatchStopsDelivery(t *testing.T) {
	b := newTestBackend()
	sub := &subscriber{}

	Watch(b, sub, Callbacks{
		Changed: func(target any, backend Backend, key string, originTag any) {
			target.(*subscriber).record(key, originTag)
		},
	}, nil)

	b.Write("/a", NewValue(1), nil)
	Unwatch(b, sub)
	b.Write("/a", NewValue(2), nil)

	keys, _ := sub.snapshot()
	assert.Equal(t, len(keys), 1)
}

func TestWatchContextReceivesOnlyThatContext(t *testing.T) {
	b := newTestBackend()
	sub := &subscriber{}
	ctx := NewSerialContext()
	defer ctx.Close()

	done := make(chan struct{}, 1)
	var delivered atomic.Bool

	Watch(b, sub, Callbacks{
		Changed: func(target any, backend Backend, key string, originTag any) {
			delivered.Store(true)
			done <- struct{}{}
		},
	}, ctx)

	// Hold ctx's worker busy: a callback invoked anywhere other than on
	// ctx would already have run by the time Write returns.
	release := make(chan struct{})
	ctx.Post(func() { <-release })

	b.Write("/a", NewValue(1), nil)
	assert.Equal(t, delivered.Load(), false)
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("context callback never ran")
	}
	assert.Equal(t, delivered.Load(), true)
}

func TestNoWatchesEmptyRegistryDispatchIsNoop(t *testing.T) {
	b := newTestBackend()
	ok := b.Write("/a", NewValue(1), nil)
	assert.Equal(t, ok, true)
}

// watchedProbe is a bare watch target with no behavior of its own; it
// exists only so a test can drop its last strong reference and observe
// the registry notice.
type watchedProbe struct{ n int }

// waitForWatchCount polls, forcing GC each time, until reg's live watch
// count reaches want or the deadline passes. runtime.AddCleanup's
// callback runs on its own goroutine sometime after a GC following
// unreachability, not synchronously inside runtime.GC(), so a single GC
// call is not enough to observe the drop.
func waitForWatchCount(t *testing.T, reg *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		runtime.GC()

		reg.mutex.Lock()
		n := len(reg.watches)
		reg.mutex.Unlock()

		if n == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch count = %d, want %d after GC", n, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestDroppedTargetRemovedAndStopsDelivery covers invariant 6: once a
// watch's target becomes unreachable and is reclaimed, the registry
// drops its record exactly once and no callback fires on it again.
func TestDroppedTargetRemovedAndStopsDelivery(t *testing.T) {
	b := newTestBackend()

	var fired atomic.Bool
	func() {
		target := &watchedProbe{}
		Watch(b, target, Callbacks{
			Changed: func(target any, backend Backend, key string, originTag any) {
				fired.Store(true)
			},
		}, nil)
		// target goes out of scope here; nothing else retains it.
	}()

	waitForWatchCount(t, b.Watches(), 0)

	ok := b.Write("/a", NewValue(1), nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, fired.Load(), false)
}

// seqRecorder records the sequence of origin tags a surviving watch
// observes, so a test can assert the subsequence is monotone.
type seqRecorder struct {
	mutex sync.Mutex
	seq   []int
}

func (r *seqRecorder) record(n int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.seq = append(r.seq, n)
}

func (r *seqRecorder) monotone() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := 1; i < len(r.seq); i++ {
		if r.seq[i] <= r.seq[i-1] {
			return false
		}
	}
	return true
}

// TestConcurrentWriteWhileTargetsDestroyed covers scenario 6
// (target-destroyed mid-dispatch): one goroutine writes repeatedly
// while another concurrently drops watch targets at random points and
// forces GC. No use-after-free, and every surviving target's observed
// origin tags form a monotone subsequence of the writes.
func TestConcurrentWriteWhileTargetsDestroyed(t *testing.T) {
	b := newTestBackend()

	const numTargets = 6
	const numWrites = 200

	targets := make([]*watchedProbe, numTargets)
	recorders := make([]*seqRecorder, numTargets)
	for i := range targets {
		targets[i] = &watchedProbe{n: i}
		recorders[i] = &seqRecorder{}

		idx := i
		Watch(b, targets[i], Callbacks{
			Changed: func(target any, backend Backend, key string, originTag any) {
				recorders[idx].record(originTag.(int))
			},
		}, nil)
	}

	var targetsMutex sync.Mutex

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 1; i <= numWrites; i++ {
			b.Write("/x", NewValue(i), i)
		}
	}()

	destroyerDone := make(chan struct{})
	go func() {
		defer close(destroyerDone)
		for round := 0; round < numTargets*4; round++ {
			idx := round % numTargets

			targetsMutex.Lock()
			targets[idx] = nil // drop the test's only strong reference
			targetsMutex.Unlock()

			runtime.GC()
			time.Sleep(time.Millisecond)
		}
	}()

	<-writerDone
	<-destroyerDone

	waitForWatchCount(t, b.Watches(), 0)

	for _, rec := range recorders {
		assert.Equal(t, rec.monotone(), true)
	}

	// The registry must remain usable after every target has been
	// reclaimed: a final write must neither panic nor find anything
	// left to dispatch to.
	ok := b.Write("/x", NewValue(numWrites+1), numWrites+1)
	assert.Equal(t, ok, true)
}
