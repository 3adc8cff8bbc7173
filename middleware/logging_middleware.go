package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"protocol-bridge/xmlrpc"
)

// LoggingMiddleware assigns each call an id and logs method, duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *xmlrpc.Call) *xmlrpc.Response {
			id := uuid.NewString()
			ctx = WithCallID(ctx, id)
			start := time.Now()
			resp := next(ctx, call)

			fields := []zap.Field{
				zap.String("call_id", id),
				zap.String("method", call.Method),
				zap.Duration("duration", time.Since(start)),
				zap.String("outcome", Outcome(resp)),
			}
			if resp != nil && resp.Fault != nil {
				fields = append(fields, zap.Int("fault_code", resp.Fault.Code), zap.String("fault", resp.Fault.String))
				logger.Warn("xmlrpc call faulted", fields...)
				return resp
			}
			logger.Debug("xmlrpc call", fields...)
			return resp
		}
	}
}
