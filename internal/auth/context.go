// ABOUTME: Operator identity carried through request handlers
// ABOUTME: Provides WithOperator/OperatorFromContext for propagating the token subject

package auth

import "context"

// Anonymous is the actor recorded when operator auth is disabled.
const Anonymous = "anonymous"

type operatorKey struct{}

// WithOperator returns a new context carrying the authenticated operator.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey{}, subject)
}

// OperatorFromContext returns the authenticated operator, or Anonymous.
func OperatorFromContext(ctx context.Context) string {
	if sub, ok := ctx.Value(operatorKey{}).(string); ok && sub != "" {
		return sub
	}
	return Anonymous
}
