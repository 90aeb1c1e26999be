package store

import "context"

type originKey struct{}

// WithOrigin tags ctx with a writer identity. Backends stamp the tag on the
// change events produced by writes issued under this context.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the writer identity set by WithOrigin, or "".
func OriginFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return ""
}
