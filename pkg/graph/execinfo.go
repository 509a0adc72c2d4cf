package graph

import "context"

type execInfoKey struct{}

// ExecutionInfo identifies the execution a node invocation belongs to. The
// engine places it on the context so node bodies can stamp telemetry without
// widening the NodeFunc signature.
type ExecutionInfo struct {
	Workflow string
	ThreadID string
}

// WithExecutionInfo attaches execution identity to the context.
func WithExecutionInfo(ctx context.Context, info ExecutionInfo) context.Context {
	return context.WithValue(ctx, execInfoKey{}, info)
}

// ExecutionInfoFrom reads execution identity off the context; zero value when
// absent.
func ExecutionInfoFrom(ctx context.Context) ExecutionInfo {
	info, _ := ctx.Value(execInfoKey{}).(ExecutionInfo)

	return info
}
