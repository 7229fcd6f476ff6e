// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package server implements the HTTP surface of the Bedrock router: the
// OpenAI-compatible chat completions endpoint with dual-backend dispatch,
// API key management, client update distribution, and health checks.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apikeys"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/awsbedrock"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/openai"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/bedrock"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/modelmap"
)

// BedrockClient invokes the Converse API.
type BedrockClient interface {
	Converse(ctx context.Context, modelID string, input *awsbedrock.ConverseInput) (*awsbedrock.ConverseResponse, error)
	ConverseStream(ctx context.Context, modelID string, input *awsbedrock.ConverseInput) (bedrock.EventReader, error)
}

// TokenSource mints bearer tokens for the Mantle pass-through.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Distribution serves client update artifacts.
type Distribution interface {
	MinimumVersion(ctx context.Context) string
	DownloadURL(ctx context.Context) (string, error)
	ConfigPatch(ctx context.Context) ([]byte, error)
}

// Server wires the handlers together. All backends are interfaces so tests
// can swap them out.
type Server struct {
	cfg          Config
	logger       *zap.Logger
	models       *modelmap.Map
	bedrock      BedrockClient
	tokens       TokenSource
	keys         apikeys.Store
	keyCache     *apikeys.ValidationCache
	distribution Distribution
	mantleClient *http.Client
	metrics      *metrics
}

// New builds a Server from its dependencies.
func New(cfg Config, logger *zap.Logger, models *modelmap.Map, bedrockClient BedrockClient,
	tokens TokenSource, keys apikeys.Store, dist Distribution) *Server {
	return &Server{
		cfg:          cfg,
		logger:       logger,
		models:       models,
		bedrock:      bedrockClient,
		tokens:       tokens,
		keys:         keys,
		keyCache:     apikeys.NewValidationCache(),
		distribution: dist,
		mantleClient: &http.Client{Timeout: mantleTimeout},
		metrics:      newMetrics(),
	}
}

// Handler returns the full route tree wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/api-keys", s.handleCreateAPIKey)
	mux.HandleFunc("GET /v1/api-keys", s.handleListAPIKeys)
	mux.HandleFunc("DELETE /v1/api-keys/{key_prefix}", s.handleRevokeAPIKey)
	mux.HandleFunc("GET /v1/update/download-url", s.handleUpdateDownloadURL)
	mux.HandleFunc("GET /v1/update/config", s.handleUpdateConfig)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	h = s.logRequests(h)
	h = s.authenticate(h)
	h = s.versionGate(h)
	h = requestID(h)
	return h
}

// writeJSON serializes v with the request ID header set.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestIDFrom(r.Context()))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the structured OpenAI-style error envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, errType openai.ErrorType) {
	writeJSON(w, r, status, openai.Error{Error: errType})
}

// writeSimpleError emits the flat {"error": "..."} envelope used by the key
// management endpoints.
func writeSimpleError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}
