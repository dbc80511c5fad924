package session

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/suPer8Hu/convoshare/internal/auth"
)

// Resolver answers "who is the caller" for one request.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (subject string, ok bool)
}

type ResolverFunc func(ctx context.Context, r *http.Request) (string, bool)

func (f ResolverFunc) Resolve(ctx context.Context, r *http.Request) (string, bool) {
	return f(ctx, r)
}

// Chain tries each resolver in order; the first that resolves wins.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, r *http.Request) (string, bool) {
	for _, res := range c {
		if res == nil {
			continue
		}
		if sub, ok := res.Resolve(ctx, r); ok {
			return sub, true
		}
	}
	return "", false
}

// TokenValidator is satisfied by *auth.Validator and *auth.Introspector.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// BearerResolver re-verifies an identity token sent as "Authorization: Bearer" on every call.
func BearerResolver(v TokenValidator, log *zap.Logger) Resolver {
	return HeaderResolver(v, "Authorization", "Bearer ", log)
}

// HeaderResolver reads a token from header (after prefix, if any) and validates it.
func HeaderResolver(v TokenValidator, header, prefix string, log *zap.Logger) Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return ResolverFunc(func(ctx context.Context, r *http.Request) (string, bool) {
		h := strings.TrimSpace(r.Header.Get(header))
		if h == "" {
			return "", false
		}
		token := h
		if prefix != "" {
			if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
				return "", false
			}
			token = strings.TrimSpace(h[len(prefix):])
		}
		sub, err := v.Validate(ctx, token)
		if err != nil {
			log.Debug("token rejected",
				zap.String("header", header),
				zap.String("kind", string(auth.KindOf(err))),
				zap.Error(err),
			)
			return "", false
		}
		return sub, true
	})
}
