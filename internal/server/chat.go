// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/openai"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/modelmap"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/translator"
)

// mantleTimeout bounds the whole upstream exchange, including streaming.
const mantleTimeout = 600 * time.Second

// handleChatCompletions routes a request to the Converse API for Anthropic
// models and to the Mantle pass-through for everything else.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeSimpleError(w, r, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeSimpleError(w, r, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	mapped, wasAlias := s.models.Resolve(req.Model)
	if !wasAlias {
		mapped = req.Model
	} else {
		s.logger.Info("model mapped",
			zap.String("request_id", requestID),
			zap.String("requested_model", req.Model),
			zap.String("mapped_model", mapped))
		body, _ = sjson.SetBytes(body, "model", mapped)
	}

	route := "mantle"
	if modelmap.IsAnthropic(mapped) {
		route = "converse"
	}
	s.logger.Info("routing decision",
		zap.String("request_id", requestID),
		zap.String("requested_model", req.Model),
		zap.String("mapped_model", mapped),
		zap.String("route", route))

	if route == "converse" {
		req.Model = mapped
		if req.Stream {
			s.converseStreaming(w, r, &req)
		} else {
			s.converseUnary(w, r, &req)
		}
		return
	}
	s.mantleProxy(w, r, body, mapped, req.Stream)
}

// converseUnary performs a blocking Converse call and returns the translated
// completion.
func (s *Server) converseUnary(w http.ResponseWriter, r *http.Request, req *openai.ChatCompletionRequest) {
	requestID := requestIDFrom(r.Context())
	input, err := translator.ConvertChatCompletionRequest(req, true)
	if err != nil {
		writeSimpleError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("calling converse api",
		zap.String("request_id", requestID), zap.String("model", req.Model))

	resp, err := s.bedrock.Converse(r.Context(), req.Model, input)
	if err != nil {
		s.logger.Error("converse api call failed",
			zap.String("request_id", requestID), zap.Error(err))
		writeError(w, r, http.StatusBadGateway, openai.ErrorType{
			Message: "An internal error occurred while processing the request.",
			Type:    "server_error",
			Code:    "bedrock_error",
		})
		return
	}

	if resp.Usage != nil {
		s.recordUsage(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		s.logger.Info("converse api response",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Int("input_tokens", resp.Usage.InputTokens),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
			zap.Int("cache_read_tokens", derefInt(resp.Usage.CacheReadInputTokens)),
			zap.Int("cache_write_tokens", derefInt(resp.Usage.CacheWriteInputTokens)))
	}

	out := translator.ConvertConverseResponse(resp, req.Model, requestID)
	writeJSON(w, r, http.StatusOK, out)
}

// converseStreaming translates the Converse event stream to OpenAI SSE
// chunks. Once streaming starts, failures are reported in-band as an error
// chunk followed by the [DONE] terminator.
func (s *Server) converseStreaming(w http.ResponseWriter, r *http.Request, req *openai.ChatCompletionRequest) {
	requestID := requestIDFrom(r.Context())
	input, err := translator.ConvertChatCompletionRequest(req, true)
	if err != nil {
		writeSimpleError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("calling conversestream api",
		zap.String("request_id", requestID), zap.String("model", req.Model))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeSimpleError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	stream, err := s.bedrock.ConverseStream(r.Context(), req.Model, input)
	if err != nil {
		s.logger.Error("conversestream failed",
			zap.String("request_id", requestID), zap.Error(err))
		s.writeStreamError(w, flusher)
		return
	}
	defer stream.Close()

	st := translator.NewStreamTranslator(requestID, req.Model)
	for {
		event, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("conversestream failed",
				zap.String("request_id", requestID), zap.Error(err))
			s.writeStreamError(w, flusher)
			return
		}

		chunk, ok := st.Translate(event)
		if !ok {
			continue
		}
		if chunk.Usage != nil {
			s.recordUsage(req.Model, chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
			id := identityFrom(r.Context())
			s.logger.Info("stream usage emitted",
				zap.String("request_id", requestID),
				zap.String("model", req.Model),
				zap.Int("prompt_tokens", chunk.Usage.PromptTokens),
				zap.Int("completion_tokens", chunk.Usage.CompletionTokens),
				zap.Int("total_tokens", chunk.Usage.TotalTokens),
				zap.String("user_sub", id.UserSub),
				zap.String("user_email", id.UserEmail))
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		writeSSE(w, flusher, string(data))
	}
	writeSSE(w, flusher, "[DONE]")
}

func (s *Server) writeStreamError(w http.ResponseWriter, f http.Flusher) {
	errChunk := openai.Error{Error: openai.ErrorType{
		Message: "An internal error occurred while processing the stream.",
		Type:    "server_error",
		Code:    "bedrock_error",
	}}
	data, _ := json.Marshal(errChunk)
	writeSSE(w, f, string(data))
	writeSSE(w, f, "[DONE]")
}

func writeSSE(w io.Writer, f http.Flusher, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

// mantleProxy forwards the raw body to the upstream OpenAI-compatible
// endpoint with a freshly minted Bedrock bearer token.
func (s *Server) mantleProxy(w http.ResponseWriter, r *http.Request, body []byte, model string, stream bool) {
	requestID := requestIDFrom(r.Context())

	token, err := s.tokens.Token(r.Context())
	if err != nil {
		s.logger.Error("failed to get bedrock token",
			zap.String("request_id", requestID), zap.Error(err))
		writeSimpleError(w, r, http.StatusInternalServerError, "Authentication failed")
		return
	}

	id := identityFrom(r.Context())
	s.logger.Info("forwarding to bedrock mantle",
		zap.String("request_id", requestID),
		zap.String("model", model),
		zap.Bool("stream", stream),
		zap.String("user_sub", id.UserSub),
		zap.String("user_email", id.UserEmail))

	target := strings.TrimSuffix(s.cfg.MantleURL, "/") + "/v1/chat/completions"
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, strings.NewReader(string(body)))
	if err != nil {
		writeSimpleError(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	upReq.Header.Set("Authorization", "Bearer "+token)
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("X-Request-ID", requestID)

	resp, err := s.mantleClient.Do(upReq)
	if err != nil {
		s.logger.Error("bedrock mantle request failed",
			zap.String("request_id", requestID), zap.Error(err))
		writeSimpleError(w, r, http.StatusBadGateway, "Upstream service unavailable")
		return
	}
	defer resp.Body.Close()

	if !stream {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			writeSimpleError(w, r, http.StatusBadGateway, "Upstream service unavailable")
			return
		}
		s.logMantleUsage(requestID, resp.StatusCode, data, id)
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.Header().Set("X-Request-ID", requestID)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(data)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeSimpleError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(resp.StatusCode)

	// Relay bytes untouched, remembering the last SSE data line so usage can
	// be logged once the stream ends.
	var lastDataLine string
	buf := make([]byte, 32*1024)
	var pending strings.Builder
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			for {
				text := pending.String()
				nl := strings.IndexByte(text, '\n')
				if nl < 0 {
					break
				}
				line := strings.TrimRight(text[:nl], "\r")
				pending.Reset()
				pending.WriteString(text[nl+1:])
				if strings.HasPrefix(line, "data: ") && line != "data: [DONE]" {
					lastDataLine = strings.TrimPrefix(line, "data: ")
				}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; nothing left to do.
				return
			}
			flusher.Flush()
		}
		if err != nil {
			break
		}
	}

	if lastDataLine != "" {
		usage := gjson.Get(lastDataLine, "usage")
		s.logger.Info("mantle streaming complete",
			zap.String("request_id", requestID),
			zap.Bool("has_usage", usage.Exists()),
			zap.String("usage", usage.Raw),
			zap.String("user_sub", id.UserSub),
			zap.String("user_email", id.UserEmail))
		if usage.Exists() {
			s.recordUsage(model,
				int(usage.Get("prompt_tokens").Int()),
				int(usage.Get("completion_tokens").Int()))
		}
	}
}

func (s *Server) logMantleUsage(requestID string, status int, data []byte, id identity) {
	if !gjson.ValidBytes(data) {
		s.logger.Warn("mantle response not json-parseable",
			zap.String("request_id", requestID), zap.Int("status", status))
		return
	}
	usage := gjson.GetBytes(data, "usage")
	s.logger.Info("mantle non-streaming response",
		zap.String("request_id", requestID),
		zap.Int("status", status),
		zap.Bool("has_usage", usage.Exists()),
		zap.String("usage", usage.Raw),
		zap.String("user_sub", id.UserSub),
		zap.String("user_email", id.UserEmail))
	if usage.Exists() {
		s.recordUsage(gjson.GetBytes(data, "model").String(),
			int(usage.Get("prompt_tokens").Int()),
			int(usage.Get("completion_tokens").Int()))
	}
}

func (s *Server) recordUsage(model string, promptTokens, completionTokens int) {
	s.metrics.tokensTotal.WithLabelValues(model, "input").Add(float64(promptTokens))
	s.metrics.tokensTotal.WithLabelValues(model, "output").Add(float64(completionTokens))
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
