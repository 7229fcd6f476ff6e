// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apikeys"
)

// jwtIdentity pulls the caller identity from the Authorization header. Key
// management requires a JWT; API keys cannot manage themselves.
func jwtIdentity(r *http.Request) (sub, email string, ok bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", "", false
	}
	return decodeJWTIdentity(strings.TrimPrefix(auth, "Bearer "))
}

type createKeyRequest struct {
	Description   string `json:"description"`
	ExpiresInDays any    `json:"expires_in_days"`
}

type keySummary struct {
	KeyPrefix   string  `json:"key_prefix"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   string  `json:"expires_at"`
	LastUsedAt  *string `json:"last_used_at"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	userSub, userEmail, ok := jwtIdentity(r)
	if !ok {
		writeSimpleError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	var body createKeyRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	expiresInDays := coerceDays(body.ExpiresInDays, apikeys.DefaultExpiryDays)
	if expiresInDays < apikeys.MinExpiryDays || expiresInDays > apikeys.MaxExpiryDays {
		writeSimpleError(w, r, http.StatusBadRequest, fmt.Sprintf(
			"expires_in_days must be between %d and %d", apikeys.MinExpiryDays, apikeys.MaxExpiryDays))
		return
	}

	existing, err := s.keys.ListByUser(r.Context(), userSub)
	if err != nil {
		s.logger.Error("failed to list user keys",
			zap.Error(err), zap.String("request_id", requestID))
		writeSimpleError(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	active := 0
	for _, rec := range existing {
		if rec.Status == apikeys.StatusActive {
			active++
		}
	}
	if active >= apikeys.MaxKeysPerUser {
		writeSimpleError(w, r, http.StatusConflict, fmt.Sprintf(
			"Maximum of %d active API keys per user", apikeys.MaxKeysPerUser))
		return
	}

	rawKey, err := apikeys.Generate()
	if err != nil {
		writeSimpleError(w, r, http.StatusInternalServerError, "Failed to create API key")
		return
	}
	now := time.Now().UTC()
	expiresAt := now.AddDate(0, 0, expiresInDays)
	rec := &apikeys.Record{
		KeyHash:     apikeys.Hash(rawKey),
		KeyPrefix:   apikeys.DisplayPrefix(rawKey),
		UserSub:     userSub,
		UserEmail:   userEmail,
		Description: body.Description,
		Status:      apikeys.StatusActive,
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		TTL:         expiresAt.Unix() + 30*86400,
	}
	if err := s.keys.Put(r.Context(), rec); err != nil {
		s.logger.Error("failed to create api key",
			zap.Error(err), zap.String("request_id", requestID))
		writeSimpleError(w, r, http.StatusInternalServerError, "Failed to create API key")
		return
	}

	s.logger.Info("api key created",
		zap.String("request_id", requestID),
		zap.String("user_sub", userSub),
		zap.String("key_prefix", rec.KeyPrefix))

	writeJSON(w, r, http.StatusCreated, map[string]string{
		"key":         rawKey,
		"key_prefix":  rec.KeyPrefix,
		"description": rec.Description,
		"status":      rec.Status,
		"created_at":  rec.CreatedAt,
		"expires_at":  rec.ExpiresAt,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	userSub, _, ok := jwtIdentity(r)
	if !ok {
		writeSimpleError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	recs, err := s.keys.ListByUser(r.Context(), userSub)
	if err != nil {
		s.logger.Error("failed to list api keys",
			zap.Error(err), zap.String("request_id", requestID))
		writeSimpleError(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	keys := make([]keySummary, 0, len(recs))
	for _, rec := range recs {
		summary := keySummary{
			KeyPrefix:   rec.KeyPrefix,
			Description: rec.Description,
			Status:      rec.Status,
			CreatedAt:   rec.CreatedAt,
			ExpiresAt:   rec.ExpiresAt,
		}
		if rec.LastUsedAt != "" {
			summary.LastUsedAt = &rec.LastUsedAt
		}
		keys = append(keys, summary)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	userSub, _, ok := jwtIdentity(r)
	if !ok {
		writeSimpleError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	keyPrefix := r.PathValue("key_prefix")
	if keyPrefix == "" {
		writeSimpleError(w, r, http.StatusBadRequest, "key_prefix is required")
		return
	}

	recs, err := s.keys.ListByUser(r.Context(), userSub)
	if err != nil {
		s.logger.Error("failed to list keys for revocation",
			zap.Error(err), zap.String("request_id", requestID))
		writeSimpleError(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	var target *apikeys.Record
	for i := range recs {
		if recs[i].KeyPrefix == keyPrefix {
			target = &recs[i]
			break
		}
	}
	if target == nil {
		writeSimpleError(w, r, http.StatusNotFound, "API key not found")
		return
	}
	if target.Status == apikeys.StatusRevoked {
		writeSimpleError(w, r, http.StatusConflict, "API key already revoked")
		return
	}

	if err := s.keys.Revoke(r.Context(), target.KeyHash, userSub); err != nil {
		s.logger.Error("failed to revoke api key",
			zap.Error(err), zap.String("request_id", requestID))
		writeSimpleError(w, r, http.StatusInternalServerError, "Failed to revoke API key")
		return
	}

	s.keyCache.Evict(target.KeyHash)

	s.logger.Info("api key revoked",
		zap.String("request_id", requestID),
		zap.String("user_sub", userSub),
		zap.String("key_prefix", keyPrefix))

	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":     apikeys.StatusRevoked,
		"key_prefix": keyPrefix,
	})
}

// coerceDays accepts a JSON number or numeric string, falling back to the
// default otherwise.
func coerceDays(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}
