package natsx

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// Message is a received bus message with its first-value headers.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

type Handler func(ctx context.Context, msg Message) error

// Middleware wraps a Handler (logging, recovery).
type Middleware func(Handler) Handler

// Chain applies mws so that mws[0] is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover turns a panicking handler into an error.
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (err error) {
			if perr := safe.Run("nats:"+msg.Subject, func() { err = next(ctx, msg) }); perr != nil {
				return perr
			}
			return err
		}
	}
}

// LogErrors logs handler failures and slow handlers.
func LogErrors(slow time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			start := time.Now()
			err := next(ctx, msg)
			if err != nil {
				logger.Warn("[NATS] handler failed", zap.String("subject", msg.Subject), zap.Error(err))
			} else if d := time.Since(start); slow > 0 && d > slow {
				logger.Warn("[NATS] slow handler", zap.String("subject", msg.Subject), zap.Duration("took", d))
			}
			return err
		}
	}
}
