package settings

import (
	"os"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/settings/internal/diagnostic"
)

// EnvBackend is the environment variable naming a preferred backend,
// e.g. GSETTINGS_BACKEND=memory.
const EnvBackend = "GSETTINGS_BACKEND"

type registeredBackend struct {
	name     string
	priority int
	factory  func() Backend
}

var extension struct {
	mutex    sync.Mutex
	backends map[string]registeredBackend
}

// RegisterBackend adds name as an installable concrete backend at the
// given priority (higher wins when no environment override names a
// backend explicitly). Concrete backend packages call this from an
// init func, mirroring GIO's extension-point module registration.
func RegisterBackend(name string, priority int, factory func() Backend) {
	extension.mutex.Lock()
	defer extension.mutex.Unlock()
	if extension.backends == nil {
		extension.backends = map[string]registeredBackend{}
	}
	extension.backends[name] = registeredBackend{name: name, priority: priority, factory: factory}
}

var (
	defaultOnce sync.Once

	defaultMutex   sync.Mutex
	defaultBackend Backend
	hasDefault     bool
)

// GetDefault resolves the process-wide default backend exactly once:
// first consulting GSETTINGS_BACKEND, then falling back to the
// highest-priority registered backend. The result is cached for
// subsequent calls.
func GetDefault() Backend {
	defaultOnce.Do(func() {
		backend := resolveDefault()

		defaultMutex.Lock()
		defaultBackend = backend
		hasDefault = true
		defaultMutex.Unlock()
	})

	defaultMutex.Lock()
	defer defaultMutex.Unlock()
	return defaultBackend
}

func resolveDefault() Backend {
	extension.mutex.Lock()
	defer extension.mutex.Unlock()

	requested := os.Getenv(EnvBackend)
	if requested != "" {
		if rb, ok := extension.backends[requested]; ok {
			backend := rb.factory()
			verifyDefault(rb.name, requested)
			return backend
		}
		diagnostic.Criticalf("%s names unknown backend %q, falling back", EnvBackend, requested)
	}

	ordered := maps.Values(extension.backends)
	slices.SortFunc(ordered, byPriorityThenName)

	// a registered backend's factory may decline (return nil) when its
	// environment isn't configured, e.g. netbackend with no daemon URL
	// set; fall through to the next-highest priority rather than
	// handing callers a nil Backend.
	for _, rb := range ordered {
		backend := rb.factory()
		if backend == nil {
			continue
		}
		verifyDefault(rb.name, requested)
		return backend
	}

	diagnostic.Criticalf("no backend registered, settings will not persist")
	return nil
}

func byPriorityThenName(a, b registeredBackend) int {
	if a.priority != b.priority {
		return b.priority - a.priority
	}
	switch {
	case a.name < b.name:
		return -1
	case a.name > b.name:
		return 1
	default:
		return 0
	}
}

func verifyDefault(name, requested string) {
	if name == "memory" && requested != "memory" {
		Logger().Printf("Using the 'memory' settings backend. Your settings will not be saved or shared with other applications.")
	}
}

// SyncDefault flushes the default backend if one has already been
// instantiated. It is a no-op if GetDefault was never called, so that
// merely syncing does not force an entire backend into existence.
func SyncDefault() {
	defaultMutex.Lock()
	backend, ok := defaultBackend, hasDefault
	defaultMutex.Unlock()

	if ok && backend != nil {
		backend.Sync()
	}
}

// registeredNames returns the registered backend names in priority
// order, highest first. It is unexported and used by this package's
// tests.
func registeredNames() []string {
	extension.mutex.Lock()
	defer extension.mutex.Unlock()

	ordered := maps.Values(extension.backends)
	slices.SortFunc(ordered, byPriorityThenName)

	names := make([]string, 0, len(ordered))
	for _, rb := range ordered {
		names = append(names, rb.name)
	}
	return names
}
