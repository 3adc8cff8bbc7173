package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"protocol-bridge/metrics"
	"protocol-bridge/xmlrpc"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with the
// given burst. Rejected calls get an application fault and never reach the backend.
func RateLimitMiddleware(r float64, burst int, m *metrics.Metrics) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *xmlrpc.Call) *xmlrpc.Response {
			if !limiter.Allow() {
				m.RecordRateLimited()
				return &xmlrpc.Response{Fault: xmlrpc.NewFault(xmlrpc.CodeApplication, "rate limit exceeded")}
			}
			return next(ctx, call)
		}
	}
}
