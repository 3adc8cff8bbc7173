package middleware

import (
	"context"

	"go.uber.org/zap"

	"protocol-bridge/xmlrpc"
)

// RecoverMiddleware turns a handler panic into an internal-error fault.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *xmlrpc.Call) (resp *xmlrpc.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("xmlrpc handler panicked",
						zap.String("method", call.Method),
						zap.String("call_id", CallID(ctx)),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = &xmlrpc.Response{Fault: xmlrpc.NewFault(xmlrpc.CodeInternalError, "internal error in %s", call.Method)}
				}
			}()
			return next(ctx, call)
		}
	}
}
