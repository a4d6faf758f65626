// Package authn validates the bearer JWTs carried on carl's gRPC calls
// against an OIDC issuer's published JWKS, with keys fetched on demand
// and cached on a TTL.
package authn

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrExpiredToken = errors.New("bearer token expired")
	ErrUnknownKey   = errors.New("token references an unknown signing key")
)

// Claims carries the peer identity and role an authenticated caller
// asserts. Role is free-form ("peer", "operator") rather than a closed
// enum.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Validator checks bearer tokens against a JWKS-backed key source.
type Validator struct {
	keys   *KeySet
	issuer string
}

func NewValidator(keys *KeySet, issuer string) *Validator {
	return &Validator{keys: keys, issuer: issuer}
}

// Validate parses and verifies tokenString, returning its claims on
// success. It rejects unsigned/HMAC tokens outright: JWKS-distributed
// keys are asymmetric, so accepting HMAC here would let a holder of any
// public key mint tokens.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		key, ok := v.keys.Lookup(kid)
		if !ok {
			return nil, ErrUnknownKey
		}
		return key, nil
	}, jwt.WithIssuer(v.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
