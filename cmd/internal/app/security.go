package app

import (
	"errors"
	"strings"
)

const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces bwave's authentication policy at startup.
//
// Exactly one way to identify callers must be configured. The dev header
// authenticator is refused whenever a JWT secret is present, so a production
// deployment cannot silently accept unverified user ids.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.JWTSecret)

	switch {
	case secret == "" && !cfg.AuthDevHeader:
		return errors.New("security policy: set BWAVE_JWT_SECRET or BWAVE_AUTH_DEV_HEADER=true")
	case secret != "" && cfg.AuthDevHeader:
		return errors.New("security policy: BWAVE_AUTH_DEV_HEADER=true conflicts with BWAVE_JWT_SECRET")
	case secret != "" && len(secret) < minJWTSecretBytes:
		// Bytes, not runes: the secret is used as a raw HMAC key.
		return errors.New("security policy: BWAVE_JWT_SECRET is too short (min 32 bytes)")
	}
	return nil
}
