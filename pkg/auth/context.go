package auth

import "context"

// outcomeKey is a private type for the outcome context key.
type outcomeKey struct{}

// SetOutcome stores the authentication outcome in the context.
func SetOutcome(ctx context.Context, o *Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, o)
}

// OutcomeFromContext retrieves the authentication outcome.
// Returns nil when the request did not pass through the pipeline
// (exempt paths).
func OutcomeFromContext(ctx context.Context) *Outcome {
	if v, ok := ctx.Value(outcomeKey{}).(*Outcome); ok {
		return v
	}
	return nil
}
