// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package modelmap resolves user-facing model aliases to canonical Bedrock
// model ids and classifies models by backend.
package modelmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// defaultAliases maps short model aliases to canonical Bedrock model ids.
// Anthropic-family ids route to the Converse API; everything else routes to
// the Mantle OpenAI-compatible endpoint.
var defaultAliases = map[string]string{
	// Anthropic (Converse API path).
	"claude-opus":              "us.anthropic.claude-opus-4-6-v1",
	"bedrock/claude-opus":      "us.anthropic.claude-opus-4-6-v1",
	"claude-sonnet":            "us.anthropic.claude-sonnet-4-6",
	"bedrock/claude-sonnet":    "us.anthropic.claude-sonnet-4-6",
	"claude-sonnet-45":         "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"bedrock/claude-sonnet-45": "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	// Moonshot AI (Mantle path).
	"kimi-k25":                 "moonshotai.kimi-k2.5",
	"bedrock/kimi-k25":         "moonshotai.kimi-k2.5",
	"bedrock/kimi-k2-thinking": "moonshotai.kimi-k2-thinking",
	// DeepSeek (Mantle path).
	"deepseek-v3":         "deepseek.v3.2",
	"bedrock/deepseek-v3": "deepseek.v3.2",
	// MiniMax (Mantle path).
	"minimax-m2":         "minimax.minimax-m2.1",
	"bedrock/minimax-m2": "minimax.minimax-m2.1",
	// Z AI / Zhipu (Mantle path).
	"glm-4":               "zai.glm-4.7",
	"bedrock/glm-4":       "zai.glm-4.7",
	"glm-4-flash":         "zai.glm-4.7-flash",
	"bedrock/glm-4-flash": "zai.glm-4.7-flash",
	// Qwen / Alibaba (Mantle path).
	"qwen3-coder":         "qwen.qwen3-coder-next",
	"bedrock/qwen3-coder": "qwen.qwen3-coder-next",
}

// Map is the immutable alias table. Safe for concurrent use after Load.
type Map struct {
	aliases map[string]string
}

// Load builds the alias table. A non-empty overrideJSON replaces the default
// table entirely, matching the BEDROCK_MODEL_MAP environment contract.
func Load(overrideJSON string) (*Map, error) {
	if overrideJSON == "" {
		return &Map{aliases: defaultAliases}, nil
	}
	var aliases map[string]string
	if err := json.Unmarshal([]byte(overrideJSON), &aliases); err != nil {
		return nil, fmt.Errorf("failed to parse model map override: %w", err)
	}
	return &Map{aliases: aliases}, nil
}

// Resolve returns the canonical id for an alias, reporting whether the alias
// was present.
func (m *Map) Resolve(model string) (string, bool) {
	id, ok := m.aliases[model]
	return id, ok
}

// Aliases returns the alias names in sorted order.
func (m *Map) Aliases() []string {
	out := make([]string, 0, len(m.aliases))
	for alias := range m.aliases {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// IsAnthropic reports whether a resolved model id targets an Anthropic model
// and therefore the Converse backend.
func IsAnthropic(modelID string) bool {
	return strings.HasPrefix(modelID, "anthropic.") || strings.HasPrefix(modelID, "us.anthropic.")
}
