package auth

import "context"

type subjectKey struct{}

// WithSubject attaches an authenticated subject to the request context.
// A nil subject leaves the context untouched.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or nil when the
// request went through without authentication (disabled mode, public routes).
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		subject.normalise()
		return subject
	}
	return nil
}

// UsernameFromContext is a convenience for handlers that only need the
// caller's identity, not the full permission set.
func UsernameFromContext(ctx context.Context) (string, bool) {
	subject := SubjectFromContext(ctx)
	if subject == nil || subject.Username == "" {
		return "", false
	}
	return subject.Username, true
}
