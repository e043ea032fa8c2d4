package scoutapm

import (
	"context"

	"github.com/scoutapp/scout-apm-go/internal/id"
)

type tokenKey struct{}

// NewToken generates a fresh execution-context token. Integrations mint one
// per handled request and carry it on the request context.
func NewToken() Token {
	return Token(id.Default().GenerateWithPrefix("ctx"))
}

// WithToken returns a context carrying token.
func WithToken(ctx context.Context, token Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom extracts the token from ctx.
func TokenFrom(ctx context.Context) (Token, bool) {
	token, ok := ctx.Value(tokenKey{}).(Token)
	return token, ok
}
