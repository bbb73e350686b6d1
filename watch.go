package settings

import (
	"runtime"
	"sync"
	"weak"

	"github.com/bringyour/settings/internal/trace"
)

// Callbacks is the five-function vtable a Watch is notified through,
// one entry per change signal (§4.6). A nil entry means the watcher
// does not care about that signal kind; the dispatcher simply skips
// it. target is handed back as any — callers registered a concrete
// *T via Watch[T] and type-assert it back inside the callback.
type Callbacks struct {
	Changed             func(target any, backend Backend, key string, originTag any)
	KeysChanged         func(target any, backend Backend, dir string, keys []string, originTag any)
	PathChanged         func(target any, backend Backend, dir string, originTag any)
	WritableChanged     func(target any, backend Backend, key string)
	PathWritableChanged func(target any, backend Backend, dir string)
}

// Context is an execution context a Watch's callbacks must be invoked
// on. A nil Context means "any context is fine" — the dispatcher
// invokes the callback synchronously on the dispatching goroutine.
//
// Only watches registered with a nil Context may trust the identity of
// an origin_tag delivered to a callback: with a non-nil Context the
// tag may be observed on a goroutine other than the one that produced
// it, and by the time it is observed its original owner may have been
// reclaimed and its address reused by something unrelated.
type Context interface {
	// Post schedules fn to run on this context and returns
	// immediately; it must not block on fn's completion.
	Post(fn func())
}

// watchRecord is the registry's internal bookkeeping for one Watch.
// The target is held only weakly between dispatches; dispatch() is the
// only place a strong reference is (temporarily) reacquired.
type watchRecord struct {
	strong    func() any // reacquire a strong reference, or nil if the target is gone
	same      func(target any) bool
	callbacks Callbacks
	ctx       Context
	cleanup   runtime.Cleanup
}

// Registry is a backend's mutex-guarded watch list plus the dispatch
// engine that fans change signals out to it. The zero value is ready
// to use.
type Registry struct {
	mutex   sync.Mutex
	watches []*watchRecord
}

// Watch registers target to receive callbacks from backend's change
// signals. target's lifetime is not owned by the registry: Watch takes
// only a weak relation, arranged so that the registry is notified (via
// Go's runtime.AddCleanup) once target becomes unreachable, at which
// point its record is dropped. Registration prepends under the
// registry's lock, matching the dispatch order used by the reference
// implementation.
func Watch[T any](backend Backend, target *T, callbacks Callbacks, ctx Context) {
	reg := backend.Watches()
	wp := weak.Make(target)

	rec := &watchRecord{
		strong: func() any {
			p := wp.Value()
			if p == nil {
				return nil
			}
			return p
		},
		same: func(t any) bool {
			tp, ok := t.(*T)
			return ok && weak.Make(tp) == wp
		},
		callbacks: callbacks,
		ctx:       ctx,
	}

	rec.cleanup = runtime.AddCleanup(target, func(r *Registry) {
		r.dropDead()
	}, reg)

	reg.mutex.Lock()
	reg.watches = append([]*watchRecord{rec}, reg.watches...)
	reg.mutex.Unlock()
}

// Unwatch removes target's registration from backend. The caller must
// hold a live reference to target while calling this — it is
// undefined which in-flight dispatches (already posted before Unwatch
// runs) still reach target's callbacks, but no dispatch started after
// Unwatch returns will.
func Unwatch[T any](backend Backend, target *T) {
	reg := backend.Watches()

	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	kept := reg.watches[:0:0]
	for _, rec := range reg.watches {
		if rec.same(target) {
			rec.cleanup.Stop()
			continue
		}
		kept = append(kept, rec)
	}
	reg.watches = kept
}

// dropDead removes any record whose target has become unreachable.
// Called from the runtime.AddCleanup callback registered in Watch; may
// run concurrently with dispatch or with further Watch/Unwatch calls.
func (r *Registry) dropDead() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	kept := r.watches[:0:0]
	for _, rec := range r.watches {
		if rec.strong() == nil {
			continue
		}
		kept = append(kept, rec)
	}
	r.watches = kept
}

// closure is the duplicated-under-lock payload the dispatcher builds
// for one watch before releasing the registry lock (§4.5, step 2).
type closure struct {
	target    any
	callbacks Callbacks
	ctx       Context
}

// dispatch snapshots the watch list under lock, releases the lock, and
// invokes fire once per live watch — on that watch's Context if it has
// one, synchronously otherwise. fire must not panic; if it does, the
// panic is recovered and logged so one misbehaving watcher cannot take
// down the others or the caller of a change signal.
func dispatch(reg *Registry, fire func(callbacks Callbacks, target any)) {
	reg.mutex.Lock()
	closures := make([]closure, 0, len(reg.watches))
	for _, rec := range reg.watches {
		target := rec.strong()
		if target == nil {
			continue
		}
		closures = append(closures, closure{target: target, callbacks: rec.callbacks, ctx: rec.ctx})
	}
	reg.mutex.Unlock()

	for _, c := range closures {
		c := c
		invoke := func() {
			trace.HandleError(func() {
				fire(c.callbacks, c.target)
			})
		}
		if c.ctx != nil {
			c.ctx.Post(invoke)
		} else {
			invoke()
		}
	}
}

// SerialContext is a Context backed by a single worker goroutine
// draining an unbounded FIFO queue, so callbacks posted to the same
// SerialContext run in posting order even though they arrive from
// arbitrary dispatching goroutines. It is the settings-backend analog
// of dispatching onto a GLib main context.
type SerialContext struct {
	mutex   sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	started bool
}

// NewSerialContext returns a running SerialContext. Call Close to stop
// its worker goroutine.
func NewSerialContext() *SerialContext {
	c := &SerialContext{}
	c.cond = sync.NewCond(&c.mutex)
	c.run()
	return c
}

func (c *SerialContext) run() {
	c.started = true
	go func() {
		for {
			c.mutex.Lock()
			for len(c.queue) == 0 && !c.closed {
				c.cond.Wait()
			}
			if c.closed && len(c.queue) == 0 {
				c.mutex.Unlock()
				return
			}
			fn := c.queue[0]
			c.queue = c.queue[1:]
			c.mutex.Unlock()

			trace.HandleError(fn)
		}
	}()
}

// Post implements Context.
func (c *SerialContext) Post(fn func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, fn)
	c.cond.Signal()
}

// Close stops accepting new work: a Post after Close is dropped. Work
// already queued still runs, and the worker goroutine exits once the
// queue drains.
func (c *SerialContext) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	c.cond.Signal()
}
