// Package trace ports the timing/panic-recovery helpers from
// connect/trace.go. The watch dispatcher runs callbacks through
// HandleError, so a stray panic inside user callback code cannot take
// down the watch registry; netbackend times its message handling with
// Do.
package trace

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// IsDoneError reports whether r (as recovered from a panic) represents
// a deliberate cancellation rather than an unexpected fault.
func IsDoneError(r any) bool {
	isDone := func(message string) bool { return message == "Done" }
	switch v := r.(type) {
	case error:
		return isDone(v.Error())
	case string:
		return isDone(v)
	default:
		return false
	}
}

// HandleError runs do, recovering any panic. Deliberate "Done"
// cancellations are swallowed silently; anything else is logged at
// warning level with a stack trace before the optional handlers run.
func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		if r := recover(); r != nil {
			if !IsDoneError(r) {
				glog.Warningf("settings: unexpected error: %s", errorJSON(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, h := range handlers {
				if h != nil {
					h(err)
				}
			}
		}
	}()
	do()
}

func errorJSON(err any, stack []byte) string {
	var lines []string
	for _, line := range strings.Split(string(stack), "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	b, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", err, err),
		"stack": lines,
	})
	return string(b)
}

// Do runs do under a tag, logging start/end markers with elapsed time
// at Info level — useful around dispatch fan-out and changeset sealing
// under contention, not around hot per-key reads.
func Do(tag string, do func()) {
	do2(tag, func() string {
		do()
		return ""
	})
}

// WithReturn is Do for a function that produces a result worth
// logging.
func WithReturn[R any](tag string, do func() R) (result R) {
	do2(tag, func() string {
		result = do()
		return fmt.Sprintf(" = %v", result)
	})
	return
}

func do2(tag string, do func() string) {
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)", "start", tag, start.UnixMilli())
	suffix := do()
	end := time.Now()
	millis := float32(end.Sub(start)) / float32(time.Millisecond)
	glog.Infof("[%-8s]%s (%.2fms) (%d)%s", "end", tag, millis, end.UnixMilli(), suffix)
}
