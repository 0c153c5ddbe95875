package actorctx

import (
	"context"

	"github.com/nkiryanov/carepass/internal/models"
)

type ctxKey string

const actorKey ctxKey = "actor"

// Create a new context with the staff actor
func New(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// Extract the staff actor from the context
func FromContext(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey).(models.Actor)
	return a, ok
}
