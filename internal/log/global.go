package log

import "sync"

// The process-wide logger. Components grab it through DefaultLogger
// and attach their own fields with With; the CLI replaces it once at
// startup after the config is loaded.
var (
	globalMu sync.RWMutex
	global   *Logger
)

// SetDefaultLogger installs the shared logger. Call once at startup;
// everything created afterwards inherits it.
func SetDefaultLogger(logger *Logger) {
	globalMu.Lock()
	global = logger
	globalMu.Unlock()
}

// DefaultLogger returns the shared logger, lazily building one with
// default settings when nothing was installed yet (tests and early
// init hit this path).
func DefaultLogger() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = Default()
	}
	return global
}
