// Package middleware provides request-context helpers shared by the HTTP
// layer and the domain services.
package middleware

import "context"

type contextKey string

const correlationKey contextKey = "correlation_id"

// GetCorrelationID extracts the request's correlation ID from the context.
// Returns "" if none is set.
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// SetCorrelationID stores the correlation ID in the context.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}
