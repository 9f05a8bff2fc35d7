// Package groutine starts named goroutines. The name is attached as a pprof
// label so session workers and the discovery loop can be told apart in
// goroutine profiles, and is carried in the context for log fields.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const (
	nameKey   ctxKey = "goroutine_name"
	labelName        = "goroutine_name"
)

// Go runs fn in a new goroutine labelled name.
// A nil parent is treated as context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	go pprof.Do(parent, pprof.Labels(labelName, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the name given to Go, or "" outside a named goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey).(string)
	return name
}
