package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDBytes = 16 // OpenTelemetry trace ID size in bytes
	spanIDBytes  = 8  // OpenTelemetry span ID size in bytes
)

// Context keys. Each value is a string and is logged under the key's name.
const (
	TraceIDKey        contextKey = "trace_id"
	SpanIDKey         contextKey = "span_id"
	RequestIDKey      contextKey = "request_id"
	VendorKey         contextKey = "vendor"
	ModelKey          contextKey = "model"
	UserIDKey         contextKey = "user_id"
	ConversationIDKey contextKey = "conversation_id"
)

// loggedKeys is the order in which context values become log fields.
//
//nolint:gochecknoglobals // fixed lookup table
var loggedKeys = []contextKey{
	TraceIDKey,
	SpanIDKey,
	RequestIDKey,
	VendorKey,
	ModelKey,
	UserIDKey,
	ConversationIDKey,
}

// WithTraceID injects trace ID into context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSpanID injects span ID into context.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, SpanIDKey, spanID)
}

// WithRequestID injects request ID into context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithVendor records the vendor serving the request.
func WithVendor(ctx context.Context, vendor string) context.Context {
	return context.WithValue(ctx, VendorKey, vendor)
}

// WithModel records the requested model.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, ModelKey, model)
}

// WithUserID records the caller.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithConversationID records the conversation being answered.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

func GetTraceID(ctx context.Context) string        { return value(ctx, TraceIDKey) }
func GetSpanID(ctx context.Context) string         { return value(ctx, SpanIDKey) }
func GetRequestID(ctx context.Context) string      { return value(ctx, RequestIDKey) }
func GetVendor(ctx context.Context) string         { return value(ctx, VendorKey) }
func GetModel(ctx context.Context) string          { return value(ctx, ModelKey) }
func GetUserID(ctx context.Context) string         { return value(ctx, UserIDKey) }
func GetConversationID(ctx context.Context) string { return value(ctx, ConversationIDKey) }

func value(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// GenerateTraceID generates an OpenTelemetry-compatible trace ID (32 hex chars).
func GenerateTraceID() string {
	return randomHex(traceIDBytes)
}

// GenerateSpanID generates an OpenTelemetry-compatible span ID (16 hex chars).
func GenerateSpanID() string {
	return randomHex(spanIDBytes)
}

// GenerateRequestID generates a unique request identifier (UUID).
func GenerateRequestID() string {
	return uuid.New().String()
}

// randomHex falls back to a UUID-derived id if the system RNG fails.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		id := uuid.New()
		return hex.EncodeToString(id[:])[:2*n]
	}
	return hex.EncodeToString(buf)
}
