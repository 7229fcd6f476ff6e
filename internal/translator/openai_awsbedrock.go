// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package translator converts OpenAI chat completion requests to AWS Bedrock
// Converse API input, and Converse responses (unary and streaming) back to
// OpenAI chat completion envelopes.
package translator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/awsbedrock"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/openai"
)

// defaultThinkingBudgetTokens is used when a request enables extended
// thinking without an explicit budget.
const defaultThinkingBudgetTokens = 10000

// ConvertChatCompletionRequest translates an OpenAI chat completion request
// body into Converse API input. When enableCache is true, prompt-cache
// sentinel blocks are appended after the system list and the tool list, and
// per-part cache_control hints become inline cachePoint blocks.
func ConvertChatCompletionRequest(req *openai.ChatCompletionRequest, enableCache bool) (*awsbedrock.ConverseInput, error) {
	out := &awsbedrock.ConverseInput{}

	var system []*awsbedrock.SystemContentBlock
	var messages []*awsbedrock.Message

	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			system = append(system, convertSystemContent(msg.Content)...)

		case openai.ChatMessageRoleTool:
			block := &awsbedrock.ContentBlock{
				ToolResult: &awsbedrock.ToolResultBlock{
					ToolUseID: msg.ToolCallID,
					Content: []*awsbedrock.ToolResultContentBlock{
						{Text: ptrTo(toolResultText(msg.Content))},
					},
				},
			}
			// The Converse API requires strictly alternating roles, so
			// consecutive tool results merge into one user message.
			if n := len(messages); n > 0 && messages[n-1].Role == awsbedrock.ConversationRoleUser {
				messages[n-1].Content = append(messages[n-1].Content, block)
			} else {
				messages = append(messages, &awsbedrock.Message{
					Role:    awsbedrock.ConversationRoleUser,
					Content: []*awsbedrock.ContentBlock{block},
				})
			}

		default:
			content, err := convertContent(msg.Content)
			if err != nil {
				return nil, err
			}
			if msg.Role == openai.ChatMessageRoleAssistant && len(msg.ToolCalls) > 0 {
				// Converse rejects blank text alongside toolUse blocks.
				content = stripEmptyText(content)
				for j := range msg.ToolCalls {
					tc := &msg.ToolCalls[j]
					content = append(content, &awsbedrock.ContentBlock{
						ToolUse: &awsbedrock.ToolUseBlock{
							ToolUseID: tc.ID,
							Name:      tc.Function.Name,
							Input:     decodeToolArguments(tc.Function.Arguments),
						},
					})
				}
			}
			messages = append(messages, &awsbedrock.Message{Role: msg.Role, Content: content})
		}
	}

	out.Messages = messages
	if len(system) > 0 {
		if enableCache {
			system = append(system, &awsbedrock.SystemContentBlock{
				CachePoint: &awsbedrock.CachePointBlock{Type: awsbedrock.CachePointTypeDefault},
			})
		}
		out.System = system
	}

	if cfg := convertInferenceConfig(req); cfg != nil {
		out.InferenceConfig = cfg
	}

	if len(req.Tools) > 0 {
		tools := make([]*awsbedrock.Tool, 0, len(req.Tools))
		for i := range req.Tools {
			t := &req.Tools[i]
			if t.Type != "function" || t.Function == nil {
				continue
			}
			tools = append(tools, &awsbedrock.Tool{
				ToolSpec: &awsbedrock.ToolSpecification{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					InputSchema: &awsbedrock.ToolInputSchema{JSON: t.Function.Parameters},
				},
			})
		}
		if len(tools) > 0 {
			if enableCache {
				tools = append(tools, &awsbedrock.Tool{
					CachePoint: &awsbedrock.CachePointBlock{Type: awsbedrock.CachePointTypeDefault},
				})
			}
			out.ToolConfig = &awsbedrock.ToolConfiguration{Tools: tools}
		}
	}

	// The Converse API requires toolConfig whenever toolUse or toolResult
	// blocks appear in the history, even when the current request carries no
	// tools array. Synthesize a minimal config from the history.
	if out.ToolConfig == nil {
		if tools := synthesizeToolConfig(messages, enableCache); tools != nil {
			out.ToolConfig = &awsbedrock.ToolConfiguration{Tools: tools}
		}
	}

	if req.ReasoningEffort != "" || req.Thinking != nil {
		budget := int64(defaultThinkingBudgetTokens)
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}
		out.AdditionalModelRequestFields = map[string]interface{}{
			"thinking": map[string]interface{}{
				"type":          "enabled",
				"budget_tokens": budget,
			},
		}
	}

	return out, nil
}

func convertSystemContent(content openai.ContentUnion) []*awsbedrock.SystemContentBlock {
	var blocks []*awsbedrock.SystemContentBlock
	switch v := content.Value.(type) {
	case string:
		blocks = append(blocks, &awsbedrock.SystemContentBlock{Text: v})
	case []openai.ContentPart:
		for i := range v {
			if v[i].Type == openai.ContentTypeText {
				blocks = append(blocks, &awsbedrock.SystemContentBlock{Text: v[i].Text})
			}
		}
	}
	return blocks
}

// convertContent translates OpenAI message content into Converse content
// blocks. Empty content becomes a single empty text block.
func convertContent(content openai.ContentUnion) ([]*awsbedrock.ContentBlock, error) {
	switch v := content.Value.(type) {
	case string:
		return []*awsbedrock.ContentBlock{{Text: ptrTo(v)}}, nil
	case []openai.ContentPart:
		blocks := make([]*awsbedrock.ContentBlock, 0, len(v))
		for i := range v {
			part := &v[i]
			switch part.Type {
			case openai.ContentTypeText:
				blocks = append(blocks, &awsbedrock.ContentBlock{Text: ptrTo(part.Text)})
				// A cache_control hint on a text part becomes a cachePoint
				// block immediately after it.
				if part.CacheControl != nil {
					blocks = append(blocks, &awsbedrock.ContentBlock{
						CachePoint: &awsbedrock.CachePointBlock{Type: awsbedrock.CachePointTypeDefault},
					})
				}
			case openai.ContentTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				block, err := convertImageURL(part.ImageURL.URL)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, block)
			}
		}
		if len(blocks) == 0 {
			blocks = append(blocks, &awsbedrock.ContentBlock{Text: ptrTo("")})
		}
		return blocks, nil
	}
	return []*awsbedrock.ContentBlock{{Text: ptrTo("")}}, nil
}

// convertImageURL turns a data URI into an inline image block. Remote URLs
// pass through as descriptive text since Converse does not fetch them.
func convertImageURL(url string) (*awsbedrock.ContentBlock, error) {
	if !strings.HasPrefix(url, "data:") {
		return &awsbedrock.ContentBlock{Text: ptrTo(fmt.Sprintf("[Image URL: %s]", url))}, nil
	}
	header, b64, ok := strings.Cut(url, ",")
	if !ok {
		return nil, fmt.Errorf("invalid image data URI")
	}
	mediaType := strings.TrimPrefix(header, "data:")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	format := mediaType
	if i := strings.LastIndexByte(format, '/'); i >= 0 {
		format = format[i+1:]
	}
	if format == "jpg" {
		format = "jpeg"
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image data URI: %w", err)
	}
	return &awsbedrock.ContentBlock{
		Image: &awsbedrock.ImageBlock{
			Format: format,
			Source: awsbedrock.ImageSource{Bytes: raw},
		},
	}, nil
}

func toolResultText(content openai.ContentUnion) string {
	if s, ok := content.Value.(string); ok {
		return s
	}
	raw, err := json.Marshal(content.Value)
	if err != nil {
		return ""
	}
	return string(raw)
}

// decodeToolArguments parses the OpenAI arguments JSON string. A fragment
// that fails to parse is preserved under a "raw" key rather than dropped.
func decodeToolArguments(arguments string) map[string]interface{} {
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
		return map[string]interface{}{"raw": arguments}
	}
	return input
}

func stripEmptyText(blocks []*awsbedrock.ContentBlock) []*awsbedrock.ContentBlock {
	out := blocks[:0]
	for _, b := range blocks {
		if b.Text != nil && *b.Text == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

func convertInferenceConfig(req *openai.ChatCompletionRequest) *awsbedrock.InferenceConfiguration {
	if req.MaxTokens == nil && req.Temperature == nil && req.TopP == nil && len(req.Stop.Values) == 0 {
		return nil
	}
	return &awsbedrock.InferenceConfiguration{
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop.Values,
	}
}

// synthesizeToolConfig builds a minimal tool configuration from the toolUse
// names referenced by the message history, in sorted order for determinism.
func synthesizeToolConfig(messages []*awsbedrock.Message, enableCache bool) []*awsbedrock.Tool {
	seen := map[string]struct{}{}
	for _, m := range messages {
		for _, b := range m.Content {
			if b.ToolUse != nil && b.ToolUse.Name != "" {
				seen[b.ToolUse.Name] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]*awsbedrock.Tool, 0, len(names)+1)
	for _, name := range names {
		tools = append(tools, &awsbedrock.Tool{
			ToolSpec: &awsbedrock.ToolSpecification{
				Name:        name,
				Description: "Tool from conversation history",
				InputSchema: &awsbedrock.ToolInputSchema{JSON: map[string]interface{}{"type": "object"}},
			},
		})
	}
	if enableCache {
		tools = append(tools, &awsbedrock.Tool{
			CachePoint: &awsbedrock.CachePointBlock{Type: awsbedrock.CachePointTypeDefault},
		})
	}
	return tools
}

// ConvertConverseResponse translates a unary Converse response into an OpenAI
// chat completion envelope.
func ConvertConverseResponse(resp *awsbedrock.ConverseResponse, model, requestID string) *openai.ChatCompletionResponse {
	var textParts, reasoningParts []string
	var toolCalls []openai.ChatCompletionMessageToolCall

	if resp.Output != nil {
		for _, block := range resp.Output.Message.Content {
			switch {
			case block.Text != nil:
				textParts = append(textParts, *block.Text)
			case block.ReasoningContent != nil && block.ReasoningContent.ReasoningText != nil:
				reasoningParts = append(reasoningParts, block.ReasoningContent.ReasoningText.Text)
			case block.ToolUse != nil:
				arguments, err := json.Marshal(block.ToolUse.Input)
				if err != nil {
					arguments = []byte("{}")
				}
				idx := len(toolCalls)
				id := block.ToolUse.ToolUseID
				if id == "" {
					id = fmt.Sprintf("call_%d", idx)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					Index: ptrTo(idx),
					ID:    id,
					Type:  openai.ToolCallTypeFunction,
					Function: openai.ChatCompletionToolCallFunction{
						Name:      block.ToolUse.Name,
						Arguments: string(arguments),
					},
				})
			}
		}
	}

	finishReason := stopReasonToFinishReason(resp.StopReason)

	message := openai.ChatCompletionResponseMessage{Role: openai.ChatMessageRoleAssistant}
	if len(textParts) > 0 {
		message.Content = ptrTo(strings.Join(textParts, "\n"))
	}
	if len(reasoningParts) > 0 {
		message.ReasoningContent = strings.Join(reasoningParts, "\n")
	}
	if len(toolCalls) > 0 {
		message.ToolCalls = toolCalls
		if finishReason == openai.FinishReasonStop {
			finishReason = openai.FinishReasonToolCalls
		}
	}

	return &openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  openai.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionResponseChoice{
			{Index: 0, Message: message, FinishReason: finishReason},
		},
		Usage: BuildUsage(resp.Usage),
	}
}

// BuildUsage converts Converse token usage into the OpenAI usage object,
// attaching prompt-cache metrics only when they are reported as nonzero.
func BuildUsage(usage *awsbedrock.TokenUsage) *openai.Usage {
	out := &openai.Usage{}
	if usage == nil {
		return out
	}
	out.PromptTokens = usage.InputTokens
	out.CompletionTokens = usage.OutputTokens
	out.TotalTokens = usage.InputTokens + usage.OutputTokens

	cacheRead, cacheWrite := 0, 0
	if usage.CacheReadInputTokens != nil {
		cacheRead = *usage.CacheReadInputTokens
	}
	if usage.CacheWriteInputTokens != nil {
		cacheWrite = *usage.CacheWriteInputTokens
	}
	if cacheRead != 0 || cacheWrite != 0 {
		out.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: cacheRead}
		out.CacheReadInputTokens = cacheRead
		out.CacheCreationInputTokens = cacheWrite
	}
	return out
}

// hasTokenCounts reports whether a metadata event carried any token counts.
// Bedrock can emit a metadata frame with an empty usage object; that frame
// produces no usage chunk.
func hasTokenCounts(usage *awsbedrock.TokenUsage) bool {
	if usage.InputTokens != 0 || usage.OutputTokens != 0 {
		return true
	}
	return usage.CacheReadInputTokens != nil || usage.CacheWriteInputTokens != nil
}

func stopReasonToFinishReason(stopReason string) string {
	switch stopReason {
	case awsbedrock.StopReasonEndTurn, awsbedrock.StopReasonStopSequence:
		return openai.FinishReasonStop
	case awsbedrock.StopReasonToolUse:
		return openai.FinishReasonToolCalls
	case awsbedrock.StopReasonMaxTokens:
		return openai.FinishReasonLength
	case awsbedrock.StopReasonContentFiltered:
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}

// StreamTranslator converts ConverseStream events into OpenAI streaming
// chunks. One translator is created per request; the tool index advances as
// tool-use blocks open so argument deltas attach to the right call.
type StreamTranslator struct {
	requestID string
	model     string
	toolIdx   int
}

// NewStreamTranslator returns a translator for one streaming response.
func NewStreamTranslator(requestID, model string) *StreamTranslator {
	return &StreamTranslator{requestID: requestID, model: model, toolIdx: -1}
}

// Translate converts one stream event into a chunk. The second return is
// false for events that produce no client-visible chunk (contentBlockStop,
// empty deltas).
func (t *StreamTranslator) Translate(event *awsbedrock.ConverseStreamEvent) (*openai.ChatCompletionResponseChunk, bool) {
	switch {
	case event.Usage != nil:
		if !hasTokenCounts(event.Usage) {
			return nil, false
		}
		return t.chunk(openai.ChatCompletionResponseChunkChoice{
			Index: 0,
			Delta: openai.ChatCompletionResponseDelta{},
		}, BuildUsage(event.Usage)), true

	case event.Role != nil:
		return t.chunk(openai.ChatCompletionResponseChunkChoice{
			Index: 0,
			Delta: openai.ChatCompletionResponseDelta{
				Role:    openai.ChatMessageRoleAssistant,
				Content: ptrTo(""),
			},
		}, nil), true

	case event.Start != nil:
		if event.Start.ToolUse == nil {
			return nil, false
		}
		t.toolIdx++
		return t.chunk(openai.ChatCompletionResponseChunkChoice{
			Index: 0,
			Delta: openai.ChatCompletionResponseDelta{
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					Index: ptrTo(t.toolIdx),
					ID:    event.Start.ToolUse.ToolUseID,
					Type:  openai.ToolCallTypeFunction,
					Function: openai.ChatCompletionToolCallFunction{
						Name:      event.Start.ToolUse.Name,
						Arguments: "",
					},
				}},
			},
		}, nil), true

	case event.Delta != nil:
		delta := event.Delta
		switch {
		case delta.Text != nil:
			return t.chunk(openai.ChatCompletionResponseChunkChoice{
				Index: 0,
				Delta: openai.ChatCompletionResponseDelta{Content: delta.Text},
			}, nil), true
		case delta.ReasoningContent != nil && delta.ReasoningContent.Text != "":
			return t.chunk(openai.ChatCompletionResponseChunkChoice{
				Index: 0,
				Delta: openai.ChatCompletionResponseDelta{ReasoningContent: delta.ReasoningContent.Text},
			}, nil), true
		case delta.ToolUse != nil && delta.ToolUse.Input != "":
			return t.chunk(openai.ChatCompletionResponseChunkChoice{
				Index: 0,
				Delta: openai.ChatCompletionResponseDelta{
					ToolCalls: []openai.ChatCompletionMessageToolCall{{
						Index:    ptrTo(t.toolIdx),
						Function: openai.ChatCompletionToolCallFunction{Arguments: delta.ToolUse.Input},
					}},
				},
			}, nil), true
		}
		return nil, false

	case event.StopReason != nil:
		return t.chunk(openai.ChatCompletionResponseChunkChoice{
			Index:        0,
			Delta:        openai.ChatCompletionResponseDelta{},
			FinishReason: stopReasonToFinishReason(*event.StopReason),
		}, nil), true
	}
	return nil, false
}

func (t *StreamTranslator) chunk(choice openai.ChatCompletionResponseChunkChoice, usage *openai.Usage) *openai.ChatCompletionResponseChunk {
	return &openai.ChatCompletionResponseChunk{
		ID:      "chatcmpl-" + t.requestID,
		Object:  openai.ObjectChatCompletionChunk,
		Created: time.Now().Unix(),
		Model:   t.model,
		Choices: []openai.ChatCompletionResponseChunkChoice{choice},
		Usage:   usage,
	}
}

func ptrTo[T any](v T) *T { return &v }
