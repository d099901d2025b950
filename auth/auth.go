// Package auth verifies bearer tokens issued by the identity provider and
// returns the authenticated subject. Mapping a subject to a user is left to
// Engine.ResolveBySubject.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/chartable"
)

// SessionCookie is the cookie the identity provider's frontend SDK sets.
const SessionCookie = "__session"

// Claims is what a verified token asserts.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// Verifier validates JWTs signed with either an RSA key or an HMAC secret.
type Verifier struct {
	rsaKey   *rsa.PublicKey
	hmacKey  []byte
	issuer   string
	audience string
	leeway   time.Duration
	methods  []string
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) Option {
	return func(v *Verifier) { v.audience = audience }
}

// WithLeeway tolerates clock skew on exp/nbf/iat.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// NewRSAVerifier verifies RS256 tokens against a PEM encoded public key.
func NewRSAVerifier(publicKeyPEM string, opts ...Option) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	v := &Verifier{
		rsaKey:  key,
		leeway:  30 * time.Second,
		methods: []string{jwt.SigningMethodRS256.Alg()},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// NewHMACVerifier verifies HS256 tokens. It is meant for local development
// and tests.
func NewHMACVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: hmac secret is empty")
	}
	v := &Verifier{
		hmacKey: []byte(secret),
		leeway:  30 * time.Second,
		methods: []string{jwt.SigningMethodHS256.Alg()},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses raw and returns its claims. Every failure wraps
// chartable.ErrUnauthorized.
func (v *Verifier) Verify(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: missing token", chartable.ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc, parserOpts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", chartable.ErrUnauthorized, err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("%w: invalid token", chartable.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: token subject is required", chartable.ErrUnauthorized)
	}

	out := Claims{Subject: claims.Subject, Issuer: claims.Issuer}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return out, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA:
		if v.rsaKey != nil {
			return v.rsaKey, nil
		}
	case *jwt.SigningMethodHMAC:
		if v.hmacKey != nil {
			return v.hmacKey, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

type ctxKey struct{}

// WithSubject stores the authenticated subject in ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKey{}, subject)
}

// SubjectFrom returns the subject stored by WithSubject.
func SubjectFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKey{}).(string)
	return s, ok && s != ""
}
