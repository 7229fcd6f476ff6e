// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apikeys"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/awsbedrock"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/bedrock"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/distribution"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/modelmap"
)

type fakeBedrock struct {
	response *awsbedrock.ConverseResponse
	events   []*awsbedrock.ConverseStreamEvent
	err      error

	gotModel string
	gotInput *awsbedrock.ConverseInput
}

func (f *fakeBedrock) Converse(_ context.Context, modelID string, input *awsbedrock.ConverseInput) (*awsbedrock.ConverseResponse, error) {
	f.gotModel, f.gotInput = modelID, input
	return f.response, f.err
}

func (f *fakeBedrock) ConverseStream(_ context.Context, modelID string, input *awsbedrock.ConverseInput) (bedrock.EventReader, error) {
	f.gotModel, f.gotInput = modelID, input
	if f.err != nil {
		return nil, f.err
	}
	return &fakeEventReader{events: f.events}, nil
}

type fakeEventReader struct {
	events []*awsbedrock.ConverseStreamEvent
}

func (r *fakeEventReader) Next() (*awsbedrock.ConverseStreamEvent, error) {
	if len(r.events) == 0 {
		return nil, io.EOF
	}
	event := r.events[0]
	r.events = r.events[1:]
	return event, nil
}

func (r *fakeEventReader) Close() error { return nil }

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) Token(context.Context) (string, error) { return f.token, f.err }

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*apikeys.Record
	err     error
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]*apikeys.Record{}} }

func (f *fakeStore) Get(_ context.Context, keyHash string) (*apikeys.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if rec, ok := f.records[keyHash]; ok {
		clone := *rec
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userSub string) ([]apikeys.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []apikeys.Record
	for _, rec := range f.records {
		if rec.UserSub == userSub {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) Put(_ context.Context, rec *apikeys.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	clone := *rec
	f.records[rec.KeyHash] = &clone
	return nil
}

func (f *fakeStore) Revoke(_ context.Context, keyHash, userSub string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[keyHash]
	if !ok || rec.UserSub != userSub {
		return apikeys.ErrNotOwned
	}
	rec.Status = apikeys.StatusRevoked
	return nil
}

func (f *fakeStore) TouchLastUsed(_ context.Context, keyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[keyHash]; ok {
		rec.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return nil
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) putRecord(rec *apikeys.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.KeyHash] = rec
}

func (f *fakeStore) hasRecord(keyHash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[keyHash]
	return ok
}

type fakeDist struct {
	minimum     string
	downloadURL string
	configPatch []byte
	configErr   error
	downloadErr error
}

func (f *fakeDist) MinimumVersion(context.Context) string { return f.minimum }

func (f *fakeDist) DownloadURL(context.Context) (string, error) {
	return f.downloadURL, f.downloadErr
}

func (f *fakeDist) ConfigPatch(context.Context) ([]byte, error) {
	return f.configPatch, f.configErr
}

type testEnv struct {
	server  *Server
	handler http.Handler
	bedrock *fakeBedrock
	tokens  *fakeTokens
	store   *fakeStore
	dist    *fakeDist
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	models, err := modelmap.Load("")
	require.NoError(t, err)
	env := &testEnv{
		bedrock: &fakeBedrock{},
		tokens:  &fakeTokens{token: "test-token"},
		store:   newFakeStore(),
		dist:    &fakeDist{},
	}
	env.server = New(cfg, zap.NewNop(), models, env.bedrock, env.tokens, env.store, env.dist)
	env.handler = env.server.Handler()
	return env
}

// makeJWT builds a signed token; the server only decodes the payload.
func makeJWT(t *testing.T, sub, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "email": email})
	signed, err := token.SignedString([]byte("unit-test"))
	require.NoError(t, err)
	return signed
}

func doRequest(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func authedRequest(t *testing.T, method, path, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+makeJWT(t, "user-1", "user@example.com"))
	return req
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, Config{ServiceVersion: "1.0.0"})

	rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "given-id")
	rec = doRequest(env, req)
	require.Equal(t, "given-id", rec.Header().Get("X-Request-ID"))
}

func TestVersionGate(t *testing.T) {
	env := newTestEnv(t, Config{DistributionDomain: "downloads.example.com"})
	env.dist.minimum = "1.2.0"

	newReq := func(clientVersion string) *http.Request {
		req := authedRequest(t, http.MethodGet, "/v1/models", "")
		if clientVersion != "" {
			req.Header.Set("X-Client-Version", clientVersion)
		}
		return req
	}

	t.Run("outdated client rejected", func(t *testing.T) {
		rec := doRequest(env, newReq("1.0.0"))
		require.Equal(t, http.StatusUpgradeRequired, rec.Code)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		body := rec.Body.String()
		require.Equal(t, "version_error", gjson.Get(body, "error.type").String())
		require.Equal(t, "client_outdated", gjson.Get(body, "error.code").String())
		require.Equal(t, "1.2.0", gjson.Get(body, "error.minimum_version").String())
		require.Equal(t, "1.0.0", gjson.Get(body, "error.your_version").String())
		require.Equal(t, "opencode-auth update && oc", gjson.Get(body, "error.update_command").String())
		require.Contains(t, gjson.Get(body, "error.message").String(), "downloads.example.com")
	})

	t.Run("current client passes", func(t *testing.T) {
		require.Equal(t, http.StatusOK, doRequest(env, newReq("1.2.0")).Code)
		require.Equal(t, http.StatusOK, doRequest(env, newReq("2.0.0")).Code)
	})

	t.Run("header absent or unparseable passes", func(t *testing.T) {
		require.Equal(t, http.StatusOK, doRequest(env, newReq("")).Code)
		require.Equal(t, http.StatusOK, doRequest(env, newReq("dev")).Code)
		require.Equal(t, http.StatusOK, doRequest(env, newReq("not-a-version")).Code)
	})

	t.Run("update endpoints stay reachable", func(t *testing.T) {
		env.dist.downloadURL = "https://example.com/installer"
		req := authedRequest(t, http.MethodGet, "/v1/update/download-url", "")
		req.Header.Set("X-Client-Version", "0.0.1")
		require.Equal(t, http.StatusOK, doRequest(env, req).Code)
	})

	t.Run("no minimum published passes", func(t *testing.T) {
		env2 := newTestEnv(t, Config{})
		rec := doRequest(env2, newReq("0.0.1"))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t, Config{})

	t.Run("missing credentials", func(t *testing.T) {
		rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "missing_credentials", gjson.Get(rec.Body.String(), "error.code").String())
	})

	t.Run("wrong key prefix", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-API-Key", "sk-wrong-prefix")
		rec := doRequest(env, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "missing_credentials", gjson.Get(rec.Body.String(), "error.code").String())
	})

	t.Run("unknown key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-API-Key", "oc_unknown")
		rec := doRequest(env, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "invalid_api_key", gjson.Get(rec.Body.String(), "error.code").String())
	})

	t.Run("revoked key", func(t *testing.T) {
		rawKey := "oc_revoked"
		env.store.putRecord(&apikeys.Record{
			KeyHash: apikeys.Hash(rawKey), UserSub: "u", Status: apikeys.StatusRevoked,
		})
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-API-Key", rawKey)
		rec := doRequest(env, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "revoked_api_key", gjson.Get(rec.Body.String(), "error.code").String())
	})

	t.Run("expired key", func(t *testing.T) {
		rawKey := "oc_expired"
		env.store.putRecord(&apikeys.Record{
			KeyHash:   apikeys.Hash(rawKey),
			UserSub:   "u",
			Status:    apikeys.StatusActive,
			ExpiresAt: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
		})
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-API-Key", rawKey)
		rec := doRequest(env, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "expired_api_key", gjson.Get(rec.Body.String(), "error.code").String())
	})

	t.Run("valid key passes and is cached", func(t *testing.T) {
		rawKey := "oc_valid"
		env.store.putRecord(&apikeys.Record{
			KeyHash:   apikeys.Hash(rawKey),
			UserSub:   "u",
			Status:    apikeys.StatusActive,
			ExpiresAt: time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		})
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-API-Key", rawKey)
		require.Equal(t, http.StatusOK, doRequest(env, req).Code)

		_, cached := env.server.keyCache.Get(apikeys.Hash(rawKey))
		require.True(t, cached)

		// A store outage does not affect cached keys.
		env.store.setErr(errors.New("dynamo down"))
		req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-API-Key", rawKey)
		require.Equal(t, http.StatusOK, doRequest(env, req).Code)
		env.store.setErr(nil)
	})

	t.Run("store error", func(t *testing.T) {
		env.store.setErr(errors.New("dynamo down"))
		defer env.store.setErr(nil)
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-API-Key", "oc_whatever")
		rec := doRequest(env, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "internal_error", gjson.Get(rec.Body.String(), "error.code").String())
	})

	t.Run("jwt bearer passes", func(t *testing.T) {
		rec := doRequest(env, authedRequest(t, http.MethodGet, "/v1/models", ""))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestChatCompletions_BadJSON(t *testing.T) {
	env := newTestEnv(t, Config{})
	req := authedRequest(t, http.MethodPost, "/v1/chat/completions", "{not json")
	rec := doRequest(env, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Invalid JSON in request body", gjson.Get(rec.Body.String(), "error").String())
}

func TestChatCompletions_ConverseUnary(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bedrock.response = &awsbedrock.ConverseResponse{
		Output: &awsbedrock.ConverseOutput{Message: awsbedrock.Message{
			Role:    awsbedrock.ConversationRoleAssistant,
			Content: []*awsbedrock.ContentBlock{{Text: strPtr("Hello from Claude")}},
		}},
		StopReason: awsbedrock.StopReasonEndTurn,
		Usage:      &awsbedrock.TokenUsage{InputTokens: 9, OutputTokens: 4, TotalTokens: 13},
	}

	body := `{"model":"claude-sonnet","messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))
	require.Equal(t, http.StatusOK, rec.Code)

	// The alias resolves before the backend call.
	require.Equal(t, "us.anthropic.claude-sonnet-4-6", env.bedrock.gotModel)

	resp := rec.Body.String()
	require.Equal(t, "chat.completion", gjson.Get(resp, "object").String())
	require.Equal(t, "Hello from Claude", gjson.Get(resp, "choices.0.message.content").String())
	require.Equal(t, "stop", gjson.Get(resp, "choices.0.finish_reason").String())
	require.Equal(t, int64(9), gjson.Get(resp, "usage.prompt_tokens").Int())
}

func TestChatCompletions_ConverseError(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bedrock.err = errors.New("throttled")

	body := `{"model":"claude-sonnet","messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "bedrock_error", gjson.Get(rec.Body.String(), "error.code").String())
}

func TestChatCompletions_ConverseStreaming(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bedrock.events = []*awsbedrock.ConverseStreamEvent{
		{Role: strPtr("assistant")},
		{Delta: &awsbedrock.ConverseStreamEventContentBlockDelta{Text: strPtr("Hel")}},
		{Delta: &awsbedrock.ConverseStreamEventContentBlockDelta{Text: strPtr("lo")}},
		{StopReason: strPtr(awsbedrock.StopReasonEndTurn)},
		{Usage: &awsbedrock.TokenUsage{InputTokens: 5, OutputTokens: 2}},
	}

	body := `{"model":"claude-sonnet","messages":[{"role":"user","content":"hi"}],"stream":true}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	lines := sseDataLines(rec.Body.String())
	require.Len(t, lines, 6)
	require.Equal(t, "assistant", gjson.Get(lines[0], "choices.0.delta.role").String())
	require.Equal(t, "Hel", gjson.Get(lines[1], "choices.0.delta.content").String())
	require.Equal(t, "lo", gjson.Get(lines[2], "choices.0.delta.content").String())
	require.Equal(t, "stop", gjson.Get(lines[3], "choices.0.finish_reason").String())
	require.Equal(t, int64(7), gjson.Get(lines[4], "usage.total_tokens").Int())
	require.Equal(t, "[DONE]", lines[5])
}

func TestChatCompletions_StreamingFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bedrock.err = errors.New("stream refused")

	body := `{"model":"claude-sonnet","messages":[{"role":"user","content":"hi"}],"stream":true}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))
	require.Equal(t, http.StatusOK, rec.Code)

	lines := sseDataLines(rec.Body.String())
	require.Len(t, lines, 2)
	require.Equal(t, "bedrock_error", gjson.Get(lines[0], "error.code").String())
	require.Equal(t, "[DONE]", lines[1])
}

func TestChatCompletions_MantleProxy(t *testing.T) {
	var gotAuth, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-up","model":"deepseek.v3.2","usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, Config{MantleURL: upstream.URL})
	body := `{"model":"deepseek-v3","messages":[{"role":"user","content":"hi"}],"custom_field":42}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Bearer test-token", gotAuth)
	// The model is rewritten in place; unknown fields pass through untouched.
	require.Equal(t, "deepseek.v3.2", gjson.Get(gotBody, "model").String())
	require.Equal(t, int64(42), gjson.Get(gotBody, "custom_field").Int())
	require.Equal(t, "chatcmpl-up", gjson.Get(rec.Body.String(), "id").String())
}

func TestChatCompletions_MantleStreaming(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":1}}\n\n" +
		"data: [DONE]\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(payload))
	}))
	defer upstream.Close()

	env := newTestEnv(t, Config{MantleURL: upstream.URL})
	body := `{"model":"kimi-k25","messages":[{"role":"user","content":"hi"}],"stream":true}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))

	require.Equal(t, http.StatusOK, rec.Code)
	// Upstream bytes relay verbatim.
	require.Equal(t, payload, rec.Body.String())
}

func TestChatCompletions_MantleUnavailable(t *testing.T) {
	env := newTestEnv(t, Config{MantleURL: "http://127.0.0.1:1"})
	body := `{"model":"deepseek-v3","messages":[]}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "Upstream service unavailable", gjson.Get(rec.Body.String(), "error").String())
}

func TestChatCompletions_TokenFailure(t *testing.T) {
	env := newTestEnv(t, Config{MantleURL: "http://unused"})
	env.tokens.err = errors.New("no credentials")
	body := `{"model":"deepseek-v3","messages":[]}`
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/chat/completions", body))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Authentication failed", gjson.Get(rec.Body.String(), "error").String())
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})

	// Create.
	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/api-keys", `{"description":"laptop"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := rec.Body.String()
	rawKey := gjson.Get(created, "key").String()
	require.True(t, strings.HasPrefix(rawKey, apikeys.KeyPrefix))
	keyPrefix := gjson.Get(created, "key_prefix").String()
	require.Equal(t, rawKey[:apikeys.PrefixLength], keyPrefix)
	require.Equal(t, "laptop", gjson.Get(created, "description").String())
	require.Equal(t, "active", gjson.Get(created, "status").String())
	// The raw key is never persisted.
	require.False(t, env.store.hasRecord(rawKey))
	require.True(t, env.store.hasRecord(apikeys.Hash(rawKey)))

	// List.
	rec = doRequest(env, authedRequest(t, http.MethodGet, "/v1/api-keys", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	listed := rec.Body.String()
	require.Equal(t, int64(1), gjson.Get(listed, "keys.#").Int())
	require.Equal(t, keyPrefix, gjson.Get(listed, "keys.0.key_prefix").String())
	require.False(t, strings.Contains(listed, rawKey))

	// Revoke.
	rec = doRequest(env, authedRequest(t, http.MethodDelete, "/v1/api-keys/"+keyPrefix, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "revoked", gjson.Get(rec.Body.String(), "status").String())

	// Revoking again conflicts.
	rec = doRequest(env, authedRequest(t, http.MethodDelete, "/v1/api-keys/"+keyPrefix, ""))
	require.Equal(t, http.StatusConflict, rec.Code)

	// A revoked key no longer authenticates.
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", rawKey)
	rec = doRequest(env, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "revoked_api_key", gjson.Get(rec.Body.String(), "error.code").String())
}

func TestRevokeAPIKey_EvictsWarmCache(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/api-keys", "{}"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rawKey := gjson.Get(rec.Body.String(), "key").String()
	keyPrefix := gjson.Get(rec.Body.String(), "key_prefix").String()

	// Authenticate once so the validation cache holds the key.
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", rawKey)
	rec = doRequest(env, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(env, authedRequest(t, http.MethodDelete, "/v1/api-keys/"+keyPrefix, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	// Revocation takes effect immediately; the cached entry must not keep
	// the key alive until its TTL expires.
	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", rawKey)
	rec = doRequest(env, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "revoked_api_key", gjson.Get(rec.Body.String(), "error.code").String())
}

func TestCreateAPIKey_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})

	t.Run("requires jwt", func(t *testing.T) {
		rec := doRequest(env, httptest.NewRequest(http.MethodPost, "/v1/api-keys", strings.NewReader("{}")))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expiry out of range", func(t *testing.T) {
		rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/api-keys", `{"expires_in_days":0}`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = doRequest(env, authedRequest(t, http.MethodPost, "/v1/api-keys", `{"expires_in_days":366}`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("custom expiry", func(t *testing.T) {
		rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/api-keys", `{"expires_in_days":7}`))
		require.Equal(t, http.StatusCreated, rec.Code)
		body := rec.Body.String()
		created, err := time.Parse(time.RFC3339, gjson.Get(body, "created_at").String())
		require.NoError(t, err)
		expires, err := time.Parse(time.RFC3339, gjson.Get(body, "expires_at").String())
		require.NoError(t, err)
		require.Equal(t, 7*24*time.Hour, expires.Sub(created))
	})

	t.Run("quota enforced", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		for i := 0; i < apikeys.MaxKeysPerUser; i++ {
			rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/api-keys", "{}"))
			require.Equal(t, http.StatusCreated, rec.Code)
		}
		rec := doRequest(env, authedRequest(t, http.MethodPost, "/v1/api-keys", "{}"))
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Contains(t, gjson.Get(rec.Body.String(), "error").String(), "Maximum of 10")
	})
}

func TestRevokeAPIKey_NotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := doRequest(env, authedRequest(t, http.MethodDelete, "/v1/api-keys/oc_nothere", ""))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeAPIKey_CrossUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.putRecord(&apikeys.Record{
		KeyHash: "h1", KeyPrefix: "oc_theirs1", UserSub: "someone-else",
		Status: apikeys.StatusActive,
	})
	// The other user's keys are invisible to this caller.
	rec := doRequest(env, authedRequest(t, http.MethodDelete, "/v1/api-keys/oc_theirs1", ""))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{ServiceVersion: "1.4.2"})
	rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "healthy", gjson.Get(body, "status").String())
	require.Equal(t, "bedrock-router", gjson.Get(body, "service").String())
	require.Equal(t, "1.4.2", gjson.Get(body, "version").String())
	require.True(t, strings.HasSuffix(gjson.Get(body, "timestamp").String(), "Z"))
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", gjson.Get(rec.Body.String(), "status").String())
	require.Equal(t, "valid", gjson.Get(rec.Body.String(), "token_status").String())

	env.tokens.err = errors.New("iam denied")
	rec = doRequest(env, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not_ready", gjson.Get(rec.Body.String(), "status").String())
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := doRequest(env, authedRequest(t, http.MethodGet, "/v1/models", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "list", gjson.Get(body, "object").String())
	var ids []string
	for _, entry := range gjson.Get(body, "data.#.id").Array() {
		ids = append(ids, entry.String())
	}
	require.Contains(t, ids, "claude-opus")
	require.Contains(t, ids, "deepseek-v3")
	require.Equal(t, "model", gjson.Get(body, "data.0.object").String())
	require.Equal(t, "bedrock", gjson.Get(body, "data.0.owned_by").String())
}

func TestUpdateEndpoints(t *testing.T) {
	t.Run("download url", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.dist.downloadURL = "https://bucket.s3.amazonaws.com/downloads/opencode-installer.zip?sig=x"
		rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/v1/update/download-url", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		require.Equal(t, env.dist.downloadURL, gjson.Get(body, "download_url").String())
		require.Equal(t, int64(3600), gjson.Get(body, "expires_in").Int())
	})

	t.Run("download url not configured", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.dist.downloadErr = distribution.ErrNotConfigured
		rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/v1/update/download-url", nil))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "Distribution bucket not configured",
			gjson.Get(rec.Body.String(), "error.message").String())
	})

	t.Run("config patch", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.dist.configPatch = []byte(`{"model":"claude-sonnet"}`)
		rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/v1/update/config", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.JSONEq(t, `{"model":"claude-sonnet"}`, rec.Body.String())
	})

	t.Run("config patch absent", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.dist.configErr = distribution.ErrNoConfigPatch
		rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/v1/update/config", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "not_found", gjson.Get(rec.Body.String(), "error.type").String())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	// Generate one request so counters exist.
	doRequest(env, authedRequest(t, http.MethodGet, "/v1/models", ""))

	rec := doRequest(env, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "router_requests_total")
}

func sseDataLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
