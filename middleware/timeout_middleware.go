package middleware

import (
	"context"
	"time"

	"protocol-bridge/xmlrpc"
)

// TimeoutMiddleware bounds a whole call. The handler keeps running in the
// background after the deadline with its ctx cancelled; it stays tracked through
// Go, so a server shutdown still waits for it.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *xmlrpc.Call) *xmlrpc.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *xmlrpc.Response, 1)
			Go(ctx, func() {
				done <- next(ctx, call)
			})

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &xmlrpc.Response{Fault: xmlrpc.NewFault(xmlrpc.CodeTransport, "%s timed out after %s", call.Method, timeout)}
			}
		}
	}
}
