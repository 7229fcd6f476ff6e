// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package openai contains the OpenAI chat completion API schema used on the
// client-facing side of the router. Only the fields the router inspects are
// typed; pass-through requests keep their raw bytes so unknown fields survive.
package openai

import (
	"encoding/json"
	"fmt"
)

// Chat message roles defined by the OpenAI API.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
)

// Finish reasons defined by the OpenAI API.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
)

// ChatCompletionRequest is a chat completion request body:
// https://platform.openai.com/docs/api-reference/chat/create
type ChatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []ChatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream,omitempty"`

	MaxTokens   *int64      `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stop        StopUnion   `json:"stop,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  interface{} `json:"tool_choice,omitempty"`

	// ReasoningEffort and Thinking enable extended thinking on models that
	// support it. Thinking is the Anthropic vendor extension carrying an
	// explicit token budget.
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Thinking        *ThinkingConfig `json:"thinking,omitempty"`
}

// ThinkingConfig is the Anthropic extended thinking configuration.
type ThinkingConfig struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int64  `json:"budget_tokens,omitempty"`
}

// ChatCompletionMessage is one entry of the messages array. The role
// determines which optional fields are meaningful.
type ChatCompletionMessage struct {
	Role       string                          `json:"role"`
	Content    ContentUnion                    `json:"content,omitempty"`
	ToolCalls  []ChatCompletionMessageToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                          `json:"tool_call_id,omitempty"`
}

// ContentUnion holds either a plain string or a list of [ContentPart].
type ContentUnion struct {
	Value interface{}
}

// String returns the content as flat text regardless of the wire shape.
func (c ContentUnion) String() string {
	switch v := c.Value.(type) {
	case string:
		return v
	case []ContentPart:
		var out string
		for _, p := range v {
			if p.Type == ContentTypeText {
				out += p.Text
			}
		}
		return out
	}
	return ""
}

// Parts returns the content as a part list, wrapping a plain string in a
// single text part.
func (c ContentUnion) Parts() []ContentPart {
	switch v := c.Value.(type) {
	case string:
		return []ContentPart{{Type: ContentTypeText, Text: v}}
	case []ContentPart:
		return v
	}
	return nil
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *ContentUnion) UnmarshalJSON(data []byte) error {
	i := 0
	for i < len(data) && (data[i] == ' ' || data[i] == '\t' || data[i] == '\n' || data[i] == '\r') {
		i++
	}
	if i >= len(data) {
		return fmt.Errorf("truncated content")
	}
	switch data[i] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("cannot unmarshal content as string: %w", err)
		}
		c.Value = s
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("cannot unmarshal content as parts: %w", err)
		}
		c.Value = parts
	case 'n':
		c.Value = nil
	default:
		return fmt.Errorf("invalid content type (must be string or array)")
	}
	return nil
}

// MarshalJSON implements [json.Marshaler].
func (c ContentUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value)
}

// Content part types.
const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// ContentPart is one element of an array-shaped message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	// CacheControl is the Anthropic prompt-cache hint attached to a text part.
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageURL carries either a remote URL or a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// CacheControl marks the preceding context as a prompt-cache boundary.
type CacheControl struct {
	Type string `json:"type,omitempty"`
}

// StopUnion accepts either a single stop string or an array of them.
type StopUnion struct {
	Values []string
}

// UnmarshalJSON implements [json.Unmarshaler].
func (s *StopUnion) UnmarshalJSON(data []byte) error {
	i := 0
	for i < len(data) && (data[i] == ' ' || data[i] == '\t' || data[i] == '\n' || data[i] == '\r') {
		i++
	}
	if i >= len(data) {
		return fmt.Errorf("truncated stop")
	}
	switch data[i] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("cannot unmarshal stop as string: %w", err)
		}
		s.Values = []string{v}
	case '[':
		if err := json.Unmarshal(data, &s.Values); err != nil {
			return fmt.Errorf("cannot unmarshal stop as []string: %w", err)
		}
	case 'n':
		s.Values = nil
	default:
		return fmt.Errorf("invalid stop type (must be string or array)")
	}
	return nil
}

// MarshalJSON implements [json.Marshaler].
func (s StopUnion) MarshalJSON() ([]byte, error) {
	if s.Values == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.Values)
}

// Tool is a tool definition in the request.
type Tool struct {
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

// FunctionDefinition describes a callable function exposed to the model.
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatCompletionMessageToolCall is a tool call, both in request history and
// in responses. Index is present in responses and streaming deltas.
type ChatCompletionMessageToolCall struct {
	Index    *int                           `json:"index,omitempty"`
	ID       string                         `json:"id,omitempty"`
	Type     string                         `json:"type,omitempty"`
	Function ChatCompletionToolCallFunction `json:"function"`
}

// ToolCallTypeFunction is the only tool call type the API defines today.
const ToolCallTypeFunction = "function"

// ChatCompletionToolCallFunction carries a function name and its JSON-encoded
// arguments string.
type ChatCompletionToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is a unary chat completion response.
type ChatCompletionResponse struct {
	ID      string                         `json:"id"`
	Object  string                         `json:"object"`
	Created int64                          `json:"created"`
	Model   string                         `json:"model"`
	Choices []ChatCompletionResponseChoice `json:"choices"`
	Usage   *Usage                         `json:"usage,omitempty"`
}

// ObjectChatCompletion and ObjectChatCompletionChunk are the response object tags.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// ChatCompletionResponseChoice is a single response choice.
type ChatCompletionResponseChoice struct {
	Index        int                           `json:"index"`
	Message      ChatCompletionResponseMessage `json:"message"`
	FinishReason string                        `json:"finish_reason,omitempty"`
}

// ChatCompletionResponseMessage is the assistant message of a choice.
// Content is a pointer so that tool-call-only responses serialize it as null.
type ChatCompletionResponseMessage struct {
	Role             string                          `json:"role"`
	Content          *string                         `json:"content"`
	ReasoningContent string                          `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatCompletionMessageToolCall `json:"tool_calls,omitempty"`
}

// Usage is token accounting, extended with the Bedrock prompt-cache metrics
// when they are reported as nonzero.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`

	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// PromptTokensDetails breaks down prompt tokens by source.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ChatCompletionResponseChunk is one streaming chunk.
type ChatCompletionResponseChunk struct {
	ID      string                              `json:"id"`
	Object  string                              `json:"object"`
	Created int64                               `json:"created"`
	Model   string                              `json:"model"`
	Choices []ChatCompletionResponseChunkChoice `json:"choices"`
	Usage   *Usage                              `json:"usage,omitempty"`
}

// ChatCompletionResponseChunkChoice is a single chunk choice.
type ChatCompletionResponseChunkChoice struct {
	Index        int                         `json:"index"`
	Delta        ChatCompletionResponseDelta `json:"delta"`
	FinishReason string                      `json:"finish_reason,omitempty"`
}

// ChatCompletionResponseDelta is the incremental payload of a chunk choice.
type ChatCompletionResponseDelta struct {
	Role             string                          `json:"role,omitempty"`
	Content          *string                         `json:"content,omitempty"`
	ReasoningContent string                          `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatCompletionMessageToolCall `json:"tool_calls,omitempty"`
}

// Error is the uniform error envelope returned by every endpoint.
type Error struct {
	Error ErrorType `json:"error"`
}

// ErrorType describes one error. The version-gate fields are only populated
// on 426 responses.
type ErrorType struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`

	MinimumVersion string `json:"minimum_version,omitempty"`
	YourVersion    string `json:"your_version,omitempty"`
	UpdateCommand  string `json:"update_command,omitempty"`
}
