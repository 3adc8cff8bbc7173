// Package middleware wraps XML-RPC method handlers of the front-end.
//
// Chain(A, B, C)(h) runs A.before → B.before → C.before → h → C.after → B.after → A.after.
package middleware

import (
	"context"
	"sync"

	"protocol-bridge/xmlrpc"
)

type HandlerFunc func(ctx context.Context, call *xmlrpc.Call) *xmlrpc.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first wraps the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Outcome classifies a response for logs and metrics: "fault", "success" for a
// triple with status 1, "failure" for any other triple, "ok" for plain values.
func Outcome(resp *xmlrpc.Response) string {
	if resp == nil || resp.Fault != nil {
		return "fault"
	}
	triple, ok := resp.Value.([]any)
	if !ok || len(triple) != 3 {
		return "ok"
	}
	if code, ok := triple[0].(int); ok && code == 1 {
		return "success"
	}
	return "failure"
}

type callIDKey struct{}

// WithCallID attaches a call id to ctx.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the id set by the logging middleware, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

type trackerKey struct{}

// WithTracker makes Go calls made under ctx count against wg, so whoever waits
// on wg also waits for work that outlived its call.
func WithTracker(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, trackerKey{}, wg)
}

// Go runs fn in a goroutine tracked by the WaitGroup attached with WithTracker,
// if any.
func Go(ctx context.Context, fn func()) {
	wg, _ := ctx.Value(trackerKey{}).(*sync.WaitGroup)
	if wg == nil {
		go fn()
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}
