// Package auth verifies bearer credentials and carries the authenticated
// identity through request contexts.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onexay/gitstore/internal/types"
)

// ErrMissingToken is returned when a request carries no credential.
var ErrMissingToken = errors.New("missing bearer token")

// Error reports a rejected credential.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return "not authorized: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode maps the error to 401.
func (e *Error) StatusCode() int { return http.StatusUnauthorized }

// Claims is the payload of an accepted token.
type Claims struct {
	User *types.Identity `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks token signatures against a single public key.
type Verifier struct {
	key    any
	parser *jwt.Parser
}

// NewVerifier parses a PEM encoded public key (PKIX, or PKCS#1 for RSA).
// Only the signing algorithms matching the key type are accepted.
func NewVerifier(pemData []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}

	var key any
	switch block.Type {
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA public key: %w", err)
		}
		key = rsaKey
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		key = parsed
	}

	var methods []string
	switch key.(type) {
	case *ecdsa.PublicKey:
		methods = []string{"ES256", "ES384", "ES512"}
	case *rsa.PublicKey:
		methods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case ed25519.PublicKey:
		methods = []string{"EdDSA"}
	default:
		return nil, fmt.Errorf("unsupported public key type %T", key)
	}

	return &Verifier{
		key:    key,
		parser: jwt.NewParser(jwt.WithValidMethods(methods)),
	}, nil
}

// LoadVerifier builds a Verifier from inline PEM text or, when that is
// empty, from the file at path.
func LoadVerifier(inline, path string) (*Verifier, error) {
	if strings.TrimSpace(inline) != "" {
		return NewVerifier([]byte(inline))
	}
	if path == "" {
		return nil, errors.New("no public key configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %q: %w", path, err)
	}
	return NewVerifier(data)
}

// Verify checks the token signature and standard claims and returns its
// payload.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, &Error{Err: ErrMissingToken}
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, &Error{Err: err}
	}
	return claims, nil
}

// TokenFromRequest extracts the credential from "Authorization: Bearer" or,
// failing that, the jwt query parameter.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return r.URL.Query().Get("jwt")
}

type identityKey struct{}

// WithIdentity stores the authenticated identity on ctx.
func WithIdentity(ctx context.Context, identity *types.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (*types.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*types.Identity)
	return identity, ok && identity != nil
}
