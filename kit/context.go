package kit

import "context"

// Transports an endpoint can be reached through.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
)

type (
	transportKey struct{}
	requestIDKey struct{}
)

// WithTransport records which surface the request came in on.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// GetTransport returns the recorded transport, TransportHTTP when unset.
func GetTransport(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok && t != "" {
		return t
	}
	return TransportHTTP
}

// WithRequestID attaches a correlation ID carried into endpoint logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the correlation ID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
