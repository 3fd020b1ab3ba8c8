// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package auth resolves the client identity the sync layer subscribes
// under. Full session mechanics live in the main ClientDeck application;
// the sync service only needs to know who a connection belongs to.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenRequired is returned when token verification is required and no
// token was presented.
var ErrTokenRequired = errors.New("auth: bearer token required")

// Identity is the resolved identity of one sync client.
type Identity struct {
	// ClientID is the opaque per-connection identity acknowledged to the
	// client. Always set.
	ClientID string

	// Subject is the authenticated user, empty for anonymous clients.
	Subject string
}

// Verifier resolves identities from HTTP requests, optionally verifying
// a JWT bearer token.
type Verifier struct {
	secret   []byte
	required bool
}

// NewVerifier creates a verifier. An empty secret disables token
// verification entirely; required then has no effect.
func NewVerifier(secret string, required bool) *Verifier {
	v := &Verifier{}
	if secret != "" {
		v.secret = []byte(secret)
		v.required = required
	}
	return v
}

// FromRequest resolves the identity for an upgrade or poll request.
// Tokens are read from the Authorization header or, for browser WebSocket
// clients that cannot set headers, the access_token query parameter.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	token := bearerToken(r)

	if token == "" {
		if v.required {
			return Identity{}, ErrTokenRequired
		}
		return Identity{ClientID: uuid.New().String()}, nil
	}

	if len(v.secret) == 0 {
		// Verification disabled: the token is ignored, not trusted.
		return Identity{ClientID: uuid.New().String()}, nil
	}

	subject, err := v.verify(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ClientID: uuid.New().String(), Subject: subject}, nil
}

// verify parses and validates an HS256 token, returning the subject claim.
func (v *Verifier) verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("auth: invalid token claims")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("auth: token has no subject: %w", err)
	}
	return subject, nil
}

// bearerToken extracts the token from the request, header first.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, found := strings.CutPrefix(h, "Bearer "); found {
			return after
		}
	}
	return r.URL.Query().Get("access_token")
}
