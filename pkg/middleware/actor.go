// Package middleware provides shared context helpers for the AgentLoom
// orchestrator.
//
// This package lives in pkg/ (not internal/) so that embedding services
// can attribute approval decisions and audit entries with GetActor()
// and SetActor() in their own middleware.
package middleware

import "context"

type contextKey string

const actorKey contextKey = "actor"

// GetActor extracts the acting identity from the context. Returns
// "anonymous" if no actor is set.
func GetActor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// SetActor stores the acting identity in the context.
func SetActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}
