// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation, set by WithTraceID/WithSpanID at call boundaries.
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
		if spanID := SpanIDFromContext(ctx); spanID != "" {
			fields = append(fields, zap.String("span_id", spanID))
		}
	}

	// Tenant context
	if tenant := TenantFromContext(ctx); tenant != nil {
		fields = append(fields,
			zap.String("tenant.org", tenant.OrgID),
			zap.String("tenant.team", tenant.TeamID),
			zap.String("tenant.project", tenant.ProjectID),
		)
	}

	// Session context
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	// Request ID
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// Context key types
type tenantCtxKey struct{}
type sessionCtxKey struct{}
type requestCtxKey struct{}
type traceIDCtxKey struct{}
type spanIDCtxKey struct{}

// Tenant represents multi-tenant context.
type Tenant struct {
	OrgID     string
	TeamID    string
	ProjectID string
}

// Validation constants
const (
	maxTenantFieldLen = 64
	maxIDLen          = 128
)

var (
	// tenantFieldPattern allows alphanumeric, hyphen, underscore
	tenantFieldPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// idPattern allows alphanumeric, hyphen, underscore with optional prefix
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validateTenantField validates a tenant field (org, team, project ID).
func validateTenantField(field, name string) error {
	if field == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(field) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(field) > maxTenantFieldLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxTenantFieldLen)
	}
	if !tenantFieldPattern.MatchString(field) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// validateID validates a session or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// TenantFromContext extracts tenant from context.
func TenantFromContext(ctx context.Context) *Tenant {
	if t, ok := ctx.Value(tenantCtxKey{}).(*Tenant); ok {
		return t
	}
	return nil
}

// WithTenant adds tenant to context.
// Panics if tenant is nil or contains invalid field values.
func WithTenant(ctx context.Context, tenant *Tenant) context.Context {
	if tenant == nil {
		panic("logging: tenant cannot be nil")
	}
	// Validate all tenant fields
	if err := validateTenantField(tenant.OrgID, "tenant.OrgID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if err := validateTenantField(tenant.TeamID, "tenant.TeamID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if err := validateTenantField(tenant.ProjectID, "tenant.ProjectID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

// SessionIDFromContext extracts session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds session ID to context.
// Panics if sessionID is empty or contains invalid characters.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if err := validateID(sessionID, "sessionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// TraceIDFromContext extracts a trace id from context.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTraceID adds a trace id to context, for correlating log lines across
// a single daemon run or CLI invocation. Unlike WithRequestID this accepts
// any non-empty string since trace ids are generated upstream (e.g. by a
// connector's sync run), not by logging itself.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		panic("logging: traceID cannot be empty")
	}
	return context.WithValue(ctx, traceIDCtxKey{}, traceID)
}

// SpanIDFromContext extracts a span id from context.
func SpanIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(spanIDCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithSpanID adds a span id to context. Only meaningful alongside a trace id.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	if spanID == "" {
		panic("logging: spanID cannot be empty")
	}
	return context.WithValue(ctx, spanIDCtxKey{}, spanID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
