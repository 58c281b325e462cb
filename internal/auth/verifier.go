// ABOUTME: Node token verifier interface with chain and allow-all implementations.
// ABOUTME: The gateway consults a Verifier before accepting any node registration.

package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when no verifier accepts a node's token.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier decides whether token authorizes nodeID to register.
type Verifier interface {
	VerifyNode(ctx context.Context, nodeID, token string) error
}

// AllowAll accepts every registration.
type AllowAll struct{}

// VerifyNode always succeeds.
func (AllowAll) VerifyNode(context.Context, string, string) error { return nil }

// Chain accepts a token if any verifier accepts it. An empty chain rejects
// everything.
type Chain []Verifier

// VerifyNode tries each verifier in order and returns the joined errors
// when all of them reject the token.
func (c Chain) VerifyNode(ctx context.Context, nodeID, token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	errs := []error{ErrUnauthorized}
	for _, v := range c {
		err := v.VerifyNode(ctx, nodeID, token)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
