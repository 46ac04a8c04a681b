// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	defaultAuthCookie = "inningbook_auth"
	jwksFetchTimeout  = 10 * time.Second
	jwksMinRefresh    = time.Minute
)

var errNoJWKS = errors.New("JWKS not initialized")

// jwksCache holds the verification keys of the identity provider. A lookup
// miss triggers a refetch at most once per jwksMinRefresh.
type jwksCache struct {
	url string

	mu          sync.RWMutex
	set         jwk.Set
	lastRefresh time.Time
}

func (c *jwksCache) refresh() error {
	if c.url == "" {
		return fmt.Errorf("no JWKS URL provided")
	}
	ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
	defer cancel()

	set, err := jwk.Fetch(ctx, c.url)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	c.mu.Lock()
	c.set = set
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *jwksCache) lookup(kid string) (any, error) {
	c.mu.RLock()
	set := c.set
	c.mu.RUnlock()
	if set == nil {
		return nil, errNoJWKS
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to materialize key: %w", err)
	}
	return raw, nil
}

// keyFunc is the jwt.Keyfunc used to verify tokens.
func (c *jwksCache) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token missing 'kid' header")
	}

	key, err := c.lookup(kid)
	if err == nil {
		return key, nil
	}
	c.mu.RLock()
	stale := time.Since(c.lastRefresh) > jwksMinRefresh
	c.mu.RUnlock()
	if !stale {
		return nil, err
	}
	if err := c.refresh(); err != nil {
		log.Printf("Error refreshing JWKS: %v", err)
		return nil, err
	}
	return c.lookup(kid)
}

// bearerToken returns the token from the auth cookie or, failing that, from
// an Authorization: Bearer header.
func bearerToken(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// jwtAuthMiddleware puts the verified "email" claim in the request context.
// Requests without a valid token proceed anonymously.
func jwtAuthMiddleware(opts Options, next http.Handler) http.Handler {
	keys := &jwksCache{url: opts.AuthJWKSURL}
	if opts.AuthJWKSURL != "" {
		if err := keys.refresh(); err != nil {
			log.Printf("Warning: Failed to fetch JWKS on startup: %v", err)
		}
	} else {
		log.Println("Warning: No AuthJWKSURL provided. JWT validation will fail unless MockAuth is used.")
	}
	cookieName := opts.AuthCookieName
	if cookieName == "" {
		cookieName = defaultAuthCookie
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r, cookieName)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.Parse(raw, keys.keyFunc)
		if err != nil || !token.Valid {
			if opts.Debug {
				log.Printf("JWT Validation failed: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		claims, _ := token.Claims.(jwt.MapClaims)
		if email, ok := claims["email"].(string); ok && email != "" {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, normalizeEmail(email)))
		}
		next.ServeHTTP(w, r)
	})
}
