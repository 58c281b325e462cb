// ABOUTME: Request context helpers for the authenticated API principal
// ABOUTME: Provides WithPrincipal/PrincipalFromContext for HTTP handlers

package auth

import "context"

type principalKey struct{}

// WithPrincipal returns a new context carrying the authenticated subject.
func WithPrincipal(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, principalKey{}, subject)
}

// PrincipalFromContext returns the authenticated subject, or "" if none.
func PrincipalFromContext(ctx context.Context) string {
	s, _ := ctx.Value(principalKey{}).(string)
	return s
}
