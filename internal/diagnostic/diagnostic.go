// Package diagnostic reports contract violations and backend-author
// bugs the way connect/trace.go reports recovered panics: through
// glog, never as a Go error returned across the module boundary.
package diagnostic

import (
	"fmt"

	"github.com/golang/glog"
)

// Criticalf logs a backend-implementer bug or a caller contract
// violation. Per the error-handling design, execution continues —
// this never panics and never returns an error.
func Criticalf(format string, args ...any) {
	glog.Warningf("settings: %s", fmt.Sprintf(format, args...))
}
