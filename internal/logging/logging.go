// Package logging builds the single process-wide *zap.SugaredLogger
// (the logger type kvix uses for its on-disk index). The storage engine
// and server do not hold it as a field; they fetch it through L().
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// L returns the process-wide logger, building it on first use.
// Set BEETLE_DEBUG=1 to switch to a development (console, debug-level)
// encoder; production JSON logging is the default.
func L() *zap.SugaredLogger {
	once.Do(func() {
		var z *zap.Logger
		var err error
		if os.Getenv("BEETLE_DEBUG") != "" {
			z, err = zap.NewDevelopment()
		} else {
			z, err = zap.NewProduction()
		}
		if err != nil {
			z = zap.NewNop()
		}
		global = z.Sugar()
	})
	return global
}

// Set overrides the process-wide logger; tests use this to swap in an
// observable core.
func Set(l *zap.SugaredLogger) {
	global = l
	once.Do(func() {})
}
