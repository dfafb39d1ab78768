package realtime

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned by an Authenticator that cannot identify the caller.
var ErrUnauthenticated = errors.New("realtime: unauthenticated")

// Authenticator resolves the user id of an HTTP request (WebSocket upgrade or REST call).
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

// JWTAuthenticator verifies HS256 access tokens and reads the user id from the numeric "sub" claim.
// Tokens are issued elsewhere; this type only verifies them.
//
// The token is taken from "Authorization: Bearer <token>" or, for browser WebSocket
// clients that cannot set headers, from the "access_token" query parameter.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator constructs a JWTAuthenticator. An empty issuer disables the issuer check.
func NewJWTAuthenticator(secret []byte, issuer string) (*JWTAuthenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("realtime: jwt secret must be at least 32 bytes")
	}
	return &JWTAuthenticator{secret: secret, issuer: strings.TrimSpace(issuer)}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (int64, error) {
	raw := bearerToken(r)
	if raw == "" {
		return 0, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return 0, errors.Join(ErrUnauthenticated, err)
	}

	return parseUserID(claims.Subject)
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// HeaderAuthenticator trusts the "X-User-ID" header or "user_id" query parameter.
// Dev-only: it performs no verification and must never be enabled in production.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (int64, error) {
	v := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if v == "" {
		v = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	return parseUserID(v)
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrUnauthenticated
	}
	return id, nil
}
