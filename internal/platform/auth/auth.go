// Package auth protects the ops API with static bearer tokens mapped to roles.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/animus-labs/animus-tasks/internal/platform/env"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Config holds the tokens accepted by the ops API. With no token set
// authentication is disabled.
type Config struct {
	ViewerToken   string
	OperatorToken string
}

func ConfigFromEnv(src env.Source) (Config, error) {
	cfg := Config{
		ViewerToken:   strings.TrimSpace(src.String("TASKS_OPS_VIEWER_TOKEN", "")),
		OperatorToken: strings.TrimSpace(src.String("TASKS_OPS_OPERATOR_TOKEN", "")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return c.ViewerToken != "" || c.OperatorToken != ""
}

func (c Config) Validate() error {
	if c.ViewerToken != "" && c.ViewerToken == c.OperatorToken {
		return errors.New("TASKS_OPS_VIEWER_TOKEN and TASKS_OPS_OPERATOR_TOKEN must differ")
	}
	return nil
}

type Identity struct {
	Subject string
	Roles   []string
}

type identityKey struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// TokenAuthenticator matches the Authorization bearer token against the
// configured tokens.
type TokenAuthenticator struct {
	tokens []tokenIdentity
}

type tokenIdentity struct {
	digest [sha256.Size]byte
	id     Identity
}

func NewTokenAuthenticator(cfg Config) (*TokenAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, errors.New("at least one ops token is required")
	}
	a := &TokenAuthenticator{}
	if cfg.ViewerToken != "" {
		a.tokens = append(a.tokens, tokenIdentity{
			digest: sha256.Sum256([]byte(cfg.ViewerToken)),
			id:     Identity{Subject: "viewer", Roles: []string{RoleViewer}},
		})
	}
	if cfg.OperatorToken != "" {
		a.tokens = append(a.tokens, tokenIdentity{
			digest: sha256.Sum256([]byte(cfg.OperatorToken)),
			id:     Identity{Subject: "operator", Roles: []string{RoleOperator}},
		})
	}
	return a, nil
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Identity{}, errors.New("authorization header must be a bearer token")
	}
	// Digests keep the comparison constant time regardless of token length.
	got := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(got[:], t.digest[:]) == 1 {
			return t.id, nil
		}
	}
	return Identity{}, errors.New("unknown token")
}
