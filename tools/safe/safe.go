package safe

import (
	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers from panic,
// so that one failing task does not crash the process.
func Go(name string, f func()) {
	go func() {
		_ = Run(name, f)
	}()
}

// Run calls f and converts a panic into an error, logging it under name.
func Run(name string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			logger.Error("[safe] panic recovered", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	f()
	return nil
}

// DefaultString returns the dereferenced value of a string pointer,
// or the fallback if the pointer is nil.
func DefaultString(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
