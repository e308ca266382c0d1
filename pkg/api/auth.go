package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the auth collaborator (spec §1 "authentication and
// authorization... a JWT/API-key verifier with scope checks") resolves a
// bearer token to.
type Identity struct {
	OwnerID    string
	OwnerEmail string
	Scopes     map[string]bool
}

// HasScope reports whether the identity carries scope.
func (id *Identity) HasScope(scope string) bool {
	return id != nil && id.Scopes[scope]
}

// Verifier authenticates a raw bearer token. Production wiring uses
// JWTVerifier; tests substitute a fake satisfying the same interface.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// claims is the JWT payload sandboxd issues/accepts: subject is the owner
// ID, with an optional space-separated scope claim (RFC 8693 shape).
type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Scope string `json:"scope"`
}

// JWTVerifier validates HMAC-signed bearer tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier returns a Verifier backed by secret. An empty secret is
// accepted at construction (useful for local/dev runs) but Verify always
// rejects tokens in that case, since an empty HMAC key would accept any
// unsigned token.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("api: JWT auth not configured")
	}

	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	scopes := make(map[string]bool)
	for _, s := range strings.Fields(c.Scope) {
		scopes[s] = true
	}

	return &Identity{
		OwnerID:    c.Subject,
		OwnerEmail: c.Email,
		Scopes:     scopes,
	}, nil
}

type identityCtxKey struct{}

func contextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// identityFromContext returns the Identity that authMiddleware attached to
// the request, or nil if called outside it.
func identityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*Identity)
	return id
}

// authMiddleware requires a valid "Authorization: Bearer <token>" header on
// every request, storing the resolved Identity in the request context.
// Scope enforcement for individual routes happens in requireScope.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			token, ok = strings.CutPrefix(header, "bearer ")
		}
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(w, errUnauthorized("missing bearer token"))
			return
		}

		identity, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, errUnauthorized("invalid bearer token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), identity)))
	})
}

// requireScope rejects requests whose identity lacks scope with 403.
func requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identityFromContext(r.Context()).HasScope(scope) {
			writeError(w, errForbidden(fmt.Sprintf("requires %q scope", scope)))
			return
		}
		next(w, r)
	}
}
