// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apikeys"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/openai"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/version"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	identityKey
)

// identity is the authenticated caller, as far as this service can tell.
type identity struct {
	Source    string // "jwt" or "api_key"
	UserSub   string
	UserEmail string
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey).(identity)
	return id
}

// requestID assigns every request an ID, honoring an inbound X-Request-ID,
// and reflects it on the response. It runs outermost so even early
// rejections carry the header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

const updateCommand = "opencode-auth update && oc"

// versionGate rejects clients below the published minimum version with 426.
// Health checks and the update endpoints stay reachable so a blocked client
// can still update itself.
func (s *Server) versionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" ||
			strings.HasPrefix(path, "/health/") || strings.HasPrefix(path, "/v1/update/") {
			next.ServeHTTP(w, r)
			return
		}

		clientVersion := r.Header.Get("X-Client-Version")
		// Old clients without the header, and dev builds, pass through.
		if clientVersion == "" || clientVersion == "dev" {
			next.ServeHTTP(w, r)
			return
		}

		minimum := s.distribution.MinimumVersion(r.Context())
		if minimum == "" {
			next.ServeHTTP(w, r)
			return
		}

		clientParsed, clientOK := version.Parse(clientVersion)
		minParsed, minOK := version.Parse(minimum)
		if !clientOK || !minOK {
			next.ServeHTTP(w, r)
			return
		}

		if clientParsed.Less(minParsed) {
			s.logger.Warn("client version rejected",
				zap.String("client_version", clientVersion),
				zap.String("minimum_version", minimum),
				zap.String("path", path))
			msg := fmt.Sprintf(
				"Your opencode-auth client (v%s) is below the minimum required version (v%s). "+
					"Run the following to update:\n\n  %s",
				clientVersion, minimum, updateCommand)
			if s.cfg.DistributionDomain != "" {
				msg += fmt.Sprintf("\nOr download the latest installer from:\n\n  https://%s",
					s.cfg.DistributionDomain)
			}
			writeError(w, r, http.StatusUpgradeRequired, openai.ErrorType{
				Message:        msg,
				Type:           "version_error",
				Code:           "client_outdated",
				MinimumVersion: minimum,
				YourVersion:    clientVersion,
				UpdateCommand:  updateCommand,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate validates either a JWT Bearer (already verified by the ALB,
// decoded only for identity) or an X-API-Key header against the key store.
// Health checks, key management, and update endpoints are exempt; the key
// management handlers require a JWT themselves.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" ||
			strings.HasPrefix(path, "/health/") ||
			strings.HasPrefix(path, "/v1/api-keys") ||
			strings.HasPrefix(path, "/v1/update/") {
			next.ServeHTTP(w, r)
			return
		}

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			id := identity{Source: "jwt"}
			if sub, email, ok := decodeJWTIdentity(strings.TrimPrefix(auth, "Bearer ")); ok {
				id.UserSub, id.UserEmail = sub, email
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" || !strings.HasPrefix(apiKey, apikeys.KeyPrefix) {
			writeError(w, r, http.StatusUnauthorized, openai.ErrorType{
				Message: "Authentication required",
				Type:    "auth_error",
				Code:    "missing_credentials",
			})
			return
		}

		keyHash := apikeys.Hash(apiKey)
		if cached, ok := s.keyCache.Get(keyHash); ok {
			go s.touchLastUsed(keyHash)
			id := identity{Source: "api_key", UserSub: cached.UserSub, UserEmail: cached.UserEmail}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
			return
		}

		rec, err := s.keys.Get(r.Context(), keyHash)
		if err != nil {
			s.logger.Error("api key lookup failed", zap.Error(err),
				zap.String("request_id", requestIDFrom(r.Context())))
			writeError(w, r, http.StatusInternalServerError, openai.ErrorType{
				Message: "Internal authentication error",
				Type:    "auth_error",
				Code:    "internal_error",
			})
			return
		}
		if rec == nil {
			writeError(w, r, http.StatusUnauthorized, openai.ErrorType{
				Message: "Invalid API key",
				Type:    "auth_error",
				Code:    "invalid_api_key",
			})
			return
		}
		if rec.Status != apikeys.StatusActive {
			writeError(w, r, http.StatusUnauthorized, openai.ErrorType{
				Message: "API key has been revoked",
				Type:    "auth_error",
				Code:    "revoked_api_key",
			})
			return
		}
		if expired(rec.ExpiresAt) {
			writeError(w, r, http.StatusUnauthorized, openai.ErrorType{
				Message: "API key has expired",
				Type:    "auth_error",
				Code:    "expired_api_key",
			})
			return
		}

		s.keyCache.Put(keyHash, apikeys.Identity{UserSub: rec.UserSub, UserEmail: rec.UserEmail})
		go s.touchLastUsed(keyHash)

		id := identity{Source: "api_key", UserSub: rec.UserSub, UserEmail: rec.UserEmail}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// touchLastUsed is fire and forget; failures only get a warning.
func (s *Server) touchLastUsed(keyHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.keys.TouchLastUsed(ctx, keyHash); err != nil {
		s.logger.Warn("failed to update last_used_at", zap.Error(err))
	}
}

func expired(expiresAt string) bool {
	if expiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false
	}
	return t.Before(time.Now())
}

// decodeJWTIdentity extracts sub and email from a JWT payload without
// signature verification. The ALB in front of this service has already
// verified the token.
func decodeJWTIdentity(raw string) (sub, email string, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", "", false
	}
	sub, _ = claims["sub"].(string)
	email, _ = claims["email"].(string)
	return sub, email, sub != ""
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE streaming keeps working
// through the middleware chain.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests emits start and completion log lines and records Prometheus
// metrics. Health checks are not logged to keep the noise down.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/ready" || strings.HasPrefix(path, "/health/") {
			next.ServeHTTP(w, r)
			return
		}

		id := identityFrom(r.Context())
		s.logger.Info("request started",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.String("user_agent", r.Header.Get("User-Agent")),
			zap.String("auth_source", id.Source),
			zap.String("user_sub", id.UserSub),
			zap.String("user_email", id.UserEmail))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		s.metrics.requestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		s.metrics.requestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())

		s.logger.Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", rec.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("auth_source", id.Source),
			zap.String("user_sub", id.UserSub),
			zap.String("user_email", id.UserEmail))
	})
}
