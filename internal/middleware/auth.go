// Package middleware provides HTTP middleware for forumd.
package middleware

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"

	"github.com/astroforum/service_layer/internal/errors"
	internalhttputil "github.com/astroforum/service_layer/internal/httputil"
	"github.com/astroforum/service_layer/internal/logging"
)

// Claims are carried by forum session tokens. The forum user ID is the
// registered subject; tokens minted before subjects were used put it in
// user_id instead.
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ForumUserID returns the subject, falling back to the legacy user_id claim.
func (c *Claims) ForumUserID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// AuthOptions tunes token verification.
type AuthOptions struct {
	// Issuer and Audience are required to match when set.
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway    time.Duration
	SkipPaths []string
}

var (
	rsaMethods  = []string{"RS256", "RS384", "RS512"}
	hmacMethods = []string{"HS256", "HS384", "HS512"}
)

// AuthMiddleware authenticates admin requests with a bearer token.
type AuthMiddleware struct {
	key       interface{}
	methods   []string
	opts      AuthOptions
	logger    *logging.Logger
	clock     clock.Clock
	skipPaths map[string]bool
}

// NewAuthMiddleware verifies tokens with key, which is either a
// *rsa.PublicKey or an HMAC secret as []byte. Any other key rejects every
// token.
func NewAuthMiddleware(key interface{}, logger *logging.Logger, opts AuthOptions) *AuthMiddleware {
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, path := range opts.SkipPaths {
		skip[path] = true
	}

	var methods []string
	switch key.(type) {
	case *rsa.PublicKey:
		methods = rsaMethods
	case []byte:
		methods = hmacMethods
	}

	return &AuthMiddleware{
		key:       key,
		methods:   methods,
		opts:      opts,
		logger:    logger,
		clock:     clock.WallClock,
		skipPaths: skip,
	}
}

// WithClock replaces the time source used for expiry checks.
func (m *AuthMiddleware) WithClock(c clock.Clock) *AuthMiddleware {
	m.clock = c
	return m
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := bearerToken(r)
		if !ok {
			m.respondError(w, r, errors.Unauthorized("bearer token required"))
			return
		}

		claims, err := m.validateToken(raw)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.ForumUserID())
		if claims.Role != "" {
			ctx = logging.WithRole(ctx, claims.Role)
		}

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"username": claims.Username,
			"issuer":   claims.Issuer,
		}).Debug("admin token accepted")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *AuthMiddleware) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(m.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.opts.Leeway),
		jwt.WithTimeFunc(m.clock.Now),
	}
	if m.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.opts.Issuer))
	}
	if m.opts.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.opts.Audience))
	}
	return jwt.NewParser(opts...)
}

func (m *AuthMiddleware) validateToken(raw string) (*Claims, error) {
	if len(m.methods) == 0 {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "no verification key")
	}

	claims := &Claims{}
	token, err := m.parser().ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return m.key, nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	if claims.ForumUserID() == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "token has no subject")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteServiceError(w, r, serviceErr)

	m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
		"error":  err.Error(),
	})
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}
