package safego

import (
	"fmt"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "lease-reaper", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer recoverAndLog(logger, name)
		fn()
	}()
}

// Run calls fn in the current goroutine and converts a panic into an error.
// Queue workers use it so one poisoned job cannot take the pool down.
func Run(logger *zap.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked",
				zap.String("job", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn()
}

func recoverAndLog(logger *zap.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("Goroutine panicked",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}
