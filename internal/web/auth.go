package web

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	jwtAudience = "taskqueue"
	jwtLeeway   = 30 * time.Second
)

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowed(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowed applies the CIDR allowlist and then bearer auth. Rejected hosts
// are counted and answered with 429 once they exceed the auth limit.
func (s *Server) allowed(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if !s.allow.admits(host) {
		limited := !s.authFails.Allow(host, s.now())
		s.logger.Warn(
			"denied request",
			"path", r.URL.Path,
			"method", r.Method,
			"remote_host", host,
			"reason", "allowlist",
			"rate_limited", limited,
		)
		if limited {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		} else {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
		return false
	}
	if s.cfg.AuthToken == "" && s.cfg.JWTSecret == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		if s.cfg.AuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1 {
			return true
		}
		if s.cfg.JWTSecret != "" {
			err := verifyJWT(token, []byte(s.cfg.JWTSecret), s.now())
			if err == nil {
				return true
			}
			s.logger.Debug("jwt rejected", "error", err)
		}
	}

	limited := !s.authFails.Allow(host, s.now())
	s.logger.Warn(
		"unauthorized request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_host", host,
		"rate_limited", limited,
	)
	if limited {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	} else {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return false
}

// verifyJWT accepts HS256 tokens for the taskqueue audience that carry an
// expiry.
func verifyJWT(tokenString string, secret []byte, now time.Time) error {
	_, err := jwt.Parse(
		tokenString,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(jwtAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	return err
}
