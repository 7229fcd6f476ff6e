// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package server

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/openai"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/distribution"
)

const serviceName = "bedrock-router"

func utcTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// handleHealth is the shallow ALB health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   serviceName,
		"version":   s.cfg.ServiceVersion,
		"timestamp": utcTimestamp(),
	})
}

// handleReady verifies that a Bedrock bearer token can actually be minted,
// which exercises the IAM permissions this service depends on.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Token(r.Context())
	if err != nil || token == "" {
		if err != nil {
			s.logger.Error("readiness check failed", zap.Error(err))
		}
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "Token generation failed",
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":       "ready",
		"service":      serviceName,
		"version":      s.cfg.ServiceVersion,
		"token_status": "valid",
		"timestamp":    utcTimestamp(),
	})
}

// handleModels lists the model aliases this router accepts.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	aliases := s.models.Aliases()
	data := make([]map[string]string, 0, len(aliases))
	for _, alias := range aliases {
		data = append(data, map[string]string{
			"id":       alias,
			"object":   "model",
			"owned_by": "bedrock",
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleUpdateDownloadURL returns a presigned URL for the installer zip.
func (s *Server) handleUpdateDownloadURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.distribution.DownloadURL(r.Context())
	if err != nil {
		if errors.Is(err, distribution.ErrNotConfigured) {
			writeError(w, r, http.StatusInternalServerError, openai.ErrorType{
				Message: "Distribution bucket not configured",
				Type:    "server_error",
			})
			return
		}
		s.logger.Error("failed to generate download url", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, openai.ErrorType{
			Message: "Failed to generate download URL",
			Type:    "server_error",
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"download_url": url,
		"expires_in":   distribution.DownloadURLTTL,
	})
}

// handleUpdateConfig returns the published config patch verbatim.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := s.distribution.ConfigPatch(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, distribution.ErrNotConfigured):
			writeError(w, r, http.StatusInternalServerError, openai.ErrorType{
				Message: "Distribution bucket not configured",
				Type:    "server_error",
			})
		case errors.Is(err, distribution.ErrNoConfigPatch):
			writeError(w, r, http.StatusNotFound, openai.ErrorType{
				Message: "No config patch published yet",
				Type:    "not_found",
			})
		default:
			s.logger.Error("failed to fetch config patch", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, openai.ErrorType{
				Message: "Failed to fetch config patch",
				Type:    "server_error",
			})
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
