package middleware

import (
	"context"
	"time"

	"protocol-bridge/metrics"
	"protocol-bridge/xmlrpc"
)

// MetricsMiddleware counts calls by method and outcome.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *xmlrpc.Call) *xmlrpc.Response {
			start := time.Now()
			resp := next(ctx, call)
			m.RecordCall(call.Method, Outcome(resp), time.Since(start))
			return resp
		}
	}
}
