package ctxutil

import "context"

// TraceData carries request-scoped correlation identifiers through a task
// execution. It is propagated from a Task's submission request down through
// every step invocation so logs and traces can be joined across a run.
type TraceData struct {
	TraceID   string
	RequestID string
}

type traceKey struct{}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	if ctx == nil || td == nil {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, td)
}

func TraceDataFrom(ctx context.Context) (*TraceData, bool) {
	if ctx == nil {
		return nil, false
	}
	td, ok := ctx.Value(traceKey{}).(*TraceData)
	return td, ok
}
