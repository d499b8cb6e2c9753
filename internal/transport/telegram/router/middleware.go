package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "feedspy/pkg/logx"
)

const slowRequest = 750 * time.Millisecond

var (
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("command handler panicked")
	// ErrHandlerTimeout is returned when a handler outlives its deadline.
	ErrHandlerTimeout = errors.New("command timed out")
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWTimeout bounds a handler. Feed calls made by /login inherit the deadline.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(cctx, req)
			if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, d, err)
			}
			return err
		}
	}
}

// MWPanicRecover turns a handler panic into ErrHandlerPanic so one bad
// command cannot take the dispatcher down.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					requestLogger(log, req).Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs one line per command. Arguments are counted, never
// logged, since /login carries a secret.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("identity", req.Identity()),
				logx.String("endpoint", req.Endpoint()),
				logx.String("cmd", req.Command),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			logger := requestLogger(log, req)
			switch {
			case err != nil:
				logger.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= slowRequest:
				logger.Info("command ok", fields...)
			default:
				logger.Debug("command ok", fields...)
			}
			return err
		}
	}
}

// MWReplyOnFailure tells the sender that a command failed. Handlers reply
// on their own for expected outcomes and return errors only for faults.
func MWReplyOnFailure(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil || req.Adapter == nil || ctx.Err() != nil {
				return err
			}
			text := "Something went wrong, please try again."
			if errors.Is(err, ErrHandlerTimeout) {
				text = "That took too long, please try again."
			}
			if rerr := req.Reply(ctx, text); rerr != nil {
				requestLogger(log, req).Debug("failure reply not sent", logx.Err(rerr))
			}
			return err
		}
	}
}

func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}
