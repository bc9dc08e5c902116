package providers

import "context"

type requestIDKeyType struct{}

// RequestIDKey carries the inbound request ID so adapters can tag outgoing
// provider calls.
var RequestIDKey = requestIDKeyType{}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID returns the request ID from ctx, or empty.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
