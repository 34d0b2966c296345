package middleware

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/miladsoleymani/pubsub/core"
)

// Recovery returns middleware that recovers from panics in handlers,
// logs the stack trace, and returns the panic as a handler error.
func Recovery(logger *zap.Logger) core.Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next core.SubHandler) core.SubHandler {
		return func(ctx context.Context, msg *core.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error("panic recovered",
						zap.String("subscription", msg.Subscription),
						zap.String("message_id", string(msg.ID)),
						zap.Any("panic", r),
						zap.ByteString("stack", buf[:n]))
					err = fmt.Errorf("%w: panic recovered: %v", core.ErrHandler, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}
