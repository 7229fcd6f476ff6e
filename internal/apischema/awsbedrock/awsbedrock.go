// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package awsbedrock contains the AWS Bedrock Converse API schema:
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_Converse.html
package awsbedrock

// Conversation roles. The Converse API requires strictly alternating roles.
const (
	ConversationRoleUser      = "user"
	ConversationRoleAssistant = "assistant"
)

// Stop reasons returned by the Converse API.
const (
	StopReasonEndTurn         = "end_turn"
	StopReasonStopSequence    = "stop_sequence"
	StopReasonToolUse         = "tool_use"
	StopReasonMaxTokens       = "max_tokens"
	StopReasonContentFiltered = "content_filtered"
)

// CachePointTypeDefault is the only cache point type the API defines.
const CachePointTypeDefault = "default"

// ConverseInput is the request body for Converse and ConverseStream. The
// model id travels in the URL path, not the body.
type ConverseInput struct {
	Messages                     []*Message              `json:"messages,omitempty"`
	System                       []*SystemContentBlock   `json:"system,omitempty"`
	InferenceConfig              *InferenceConfiguration `json:"inferenceConfig,omitempty"`
	ToolConfig                   *ToolConfiguration      `json:"toolConfig,omitempty"`
	AdditionalModelRequestFields map[string]interface{}  `json:"additionalModelRequestFields,omitempty"`
}

// Message is defined in the AWS Bedrock API:
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_Message.html
type Message struct {
	Role    string          `json:"role"`
	Content []*ContentBlock `json:"content"`
}

// ContentBlock is a union; exactly one member is set:
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_ContentBlock.html
type ContentBlock struct {
	Text             *string                `json:"text,omitempty"`
	Image            *ImageBlock            `json:"image,omitempty"`
	ToolUse          *ToolUseBlock          `json:"toolUse,omitempty"`
	ToolResult       *ToolResultBlock       `json:"toolResult,omitempty"`
	CachePoint       *CachePointBlock       `json:"cachePoint,omitempty"`
	ReasoningContent *ReasoningContentBlock `json:"reasoningContent,omitempty"`
}

// SystemContentBlock is one element of the system prompt list.
type SystemContentBlock struct {
	Text       string           `json:"text,omitempty"`
	CachePoint *CachePointBlock `json:"cachePoint,omitempty"`
}

// CachePointBlock marks the preceding context as a prompt-cache boundary.
type CachePointBlock struct {
	Type string `json:"type"`
}

// ImageBlock is an inline image. Bytes are base64 in the JSON encoding,
// which encoding/json produces for []byte natively.
type ImageBlock struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds the raw image payload.
type ImageSource struct {
	Bytes []byte `json:"bytes"`
}

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	ToolUseID string                 `json:"toolUseId"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
}

// ToolResultBlock carries the client-side result of a tool invocation.
type ToolResultBlock struct {
	ToolUseID string                    `json:"toolUseId"`
	Content   []*ToolResultContentBlock `json:"content"`
	Status    string                    `json:"status,omitempty"`
}

// ToolResultContentBlock is a union of tool result payload shapes.
type ToolResultContentBlock struct {
	Text *string     `json:"text,omitempty"`
	JSON interface{} `json:"json,omitempty"`
}

// ReasoningContentBlock carries extended thinking output.
type ReasoningContentBlock struct {
	ReasoningText   *ReasoningTextBlock `json:"reasoningText,omitempty"`
	RedactedContent []byte              `json:"redactedContent,omitempty"`
}

// ReasoningTextBlock is the readable portion of a reasoning block.
type ReasoningTextBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// InferenceConfiguration is defined in the AWS Bedrock API:
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_InferenceConfiguration.html
type InferenceConfiguration struct {
	MaxTokens     *int64   `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// ToolConfiguration must be present whenever the message history contains
// toolUse or toolResult blocks.
type ToolConfiguration struct {
	Tools []*Tool `json:"tools"`
}

// Tool is a union of a tool specification and a cache point sentinel.
type Tool struct {
	ToolSpec   *ToolSpecification `json:"toolSpec,omitempty"`
	CachePoint *CachePointBlock   `json:"cachePoint,omitempty"`
}

// ToolSpecification describes one callable tool.
type ToolSpecification struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema *ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema wraps the JSON schema of a tool's input.
type ToolInputSchema struct {
	JSON interface{} `json:"json,omitempty"`
}

// ConverseResponse is the unary response body.
type ConverseResponse struct {
	Output     *ConverseOutput `json:"output,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Usage      *TokenUsage     `json:"usage,omitempty"`
}

// ConverseOutput wraps the generated message.
type ConverseOutput struct {
	Message Message `json:"message"`
}

// TokenUsage is defined in the AWS Bedrock API:
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_TokenUsage.html
type TokenUsage struct {
	InputTokens           int  `json:"inputTokens"`
	OutputTokens          int  `json:"outputTokens"`
	TotalTokens           int  `json:"totalTokens"`
	CacheReadInputTokens  *int `json:"cacheReadInputTokens,omitempty"`
	CacheWriteInputTokens *int `json:"cacheWriteInputTokens,omitempty"`
}

// ConverseStreamEvent is a flattened union of all ConverseStream event
// payloads. Discrimination is by which member is set: Role for messageStart,
// Start for contentBlockStart, Delta for contentBlockDelta, StopReason for
// messageStop, and Usage for the trailing metadata event.
type ConverseStreamEvent struct {
	Role              *string                               `json:"role,omitempty"`
	ContentBlockIndex int                                   `json:"contentBlockIndex,omitempty"`
	Start             *ContentBlockStart                    `json:"start,omitempty"`
	Delta             *ConverseStreamEventContentBlockDelta `json:"delta,omitempty"`
	StopReason        *string                               `json:"stopReason,omitempty"`
	Usage             *TokenUsage                           `json:"usage,omitempty"`
}

// ContentBlockStart announces a new content block in the stream.
type ContentBlockStart struct {
	ToolUse *ToolUseBlockStart `json:"toolUse,omitempty"`
}

// ToolUseBlockStart opens a streamed tool invocation.
type ToolUseBlockStart struct {
	Name      string `json:"name"`
	ToolUseID string `json:"toolUseId"`
}

// ConverseStreamEventContentBlockDelta is the delta union of a
// contentBlockDelta event.
type ConverseStreamEventContentBlockDelta struct {
	Text             *string                     `json:"text,omitempty"`
	ToolUse          *ToolUseBlockDelta          `json:"toolUse,omitempty"`
	ReasoningContent *ReasoningContentBlockDelta `json:"reasoningContent,omitempty"`
}

// ToolUseBlockDelta carries a partial JSON fragment of tool input.
type ToolUseBlockDelta struct {
	Input string `json:"input"`
}

// ReasoningContentBlockDelta is a streamed piece of reasoning content.
type ReasoningContentBlockDelta struct {
	Text            string `json:"text,omitempty"`
	Signature       string `json:"signature,omitempty"`
	RedactedContent []byte `json:"redactedContent,omitempty"`
}

// BedrockException is the JSON error body Bedrock returns alongside the
// x-amzn-errortype header.
type BedrockException struct {
	Message string `json:"message"`
}
