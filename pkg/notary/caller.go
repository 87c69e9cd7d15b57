package notary

import "context"

type contextKey string

const callerKey contextKey = "caller"

// Caller identifies who triggered an operation, for the audit trail.
type Caller struct {
	Actor     string
	IPAddress string
	UserAgent string
	SessionID string
}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFrom returns the caller on ctx, or the "system" actor.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey).(Caller)
	if c.Actor == "" {
		c.Actor = "system"
	}
	return c
}
