package realtime

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

func signTestToken(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestJWTAuthenticator(t *testing.T) {
	t.Parallel()

	a, err := NewJWTAuthenticator(testJWTSecret, "bwave")
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	valid := jwt.RegisteredClaims{
		Subject:   "42",
		Issuer:    "bwave",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	cases := []struct {
		name    string
		header  string
		query   string
		wantID  int64
		wantErr bool
	}{
		{name: "bearer header", header: "Bearer " + signTestToken(t, testJWTSecret, valid), wantID: 42},
		{name: "query param", query: signTestToken(t, testJWTSecret, valid), wantID: 42},
		{name: "missing", wantErr: true},
		{name: "garbage", header: "Bearer not-a-token", wantErr: true},
		{name: "wrong secret", header: "Bearer " + signTestToken(t, []byte(strings.Repeat("z", 32)), valid), wantErr: true},
		{name: "expired", header: "Bearer " + signTestToken(t, testJWTSecret, jwt.RegisteredClaims{
			Subject:   "42",
			Issuer:    "bwave",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}), wantErr: true},
		{name: "no expiry", header: "Bearer " + signTestToken(t, testJWTSecret, jwt.RegisteredClaims{Subject: "42", Issuer: "bwave"}), wantErr: true},
		{name: "wrong issuer", header: "Bearer " + signTestToken(t, testJWTSecret, jwt.RegisteredClaims{
			Subject:   "42",
			Issuer:    "other",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}), wantErr: true},
		{name: "non numeric subject", header: "Bearer " + signTestToken(t, testJWTSecret, jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "bwave",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}), wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			target := "/ws"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			r := httptest.NewRequest("GET", target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}

			id, err := a.Authenticate(r)
			if tc.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("err=%v want=%v", err, ErrUnauthenticated)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if id != tc.wantID {
				t.Fatalf("id=%d want=%d", id, tc.wantID)
			}
		})
	}
}

func TestNewJWTAuthenticator_ShortSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTAuthenticator([]byte("short"), ""); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/ws?user_id=5", nil)
	if id, err := (HeaderAuthenticator{}).Authenticate(r); err != nil || id != 5 {
		t.Fatalf("query: id=%d err=%v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-User-ID", "6")
	if id, err := (HeaderAuthenticator{}).Authenticate(r); err != nil || id != 6 {
		t.Fatalf("header: id=%d err=%v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws?user_id=-1", nil)
	if _, err := (HeaderAuthenticator{}).Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("negative id: err=%v", err)
	}
}
