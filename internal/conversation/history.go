// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conversation

import "github.com/tombee/switchboard/pkg/provider"

// window trims history to an estimated token budget. Leading system
// messages are always kept, an assistant message is never separated
// from the tool results answering it, and the newest group survives
// even when it alone exceeds the budget. Once anything is dropped the
// kept history starts at a user message when one remains.
type window struct {
	maxTokens int
}

func (w window) fit(messages []provider.Message) []provider.Message {
	if w.maxTokens <= 0 || provider.EstimateTokens(messages) <= w.maxTokens {
		return messages
	}

	head := 0
	for head < len(messages) && messages[head].Role == provider.RoleSystem {
		head++
	}
	budget := w.maxTokens - provider.EstimateTokens(messages[:head])

	groups := groupMessages(messages[head:])
	keep := len(groups)
	for i := len(groups) - 1; i >= 0; i-- {
		cost := provider.EstimateTokens(groups[i])
		if budget-cost < 0 && i < len(groups)-1 {
			break
		}
		budget -= cost
		keep = i
	}
	// Trimmed history resumes at a user turn.
	if keep > 0 {
		for keep < len(groups)-1 && groups[keep][0].Role != provider.RoleUser {
			keep++
		}
	}

	out := append([]provider.Message(nil), messages[:head]...)
	for _, g := range groups[keep:] {
		out = append(out, g...)
	}
	return out
}

// groupMessages splits history into units that must be kept or dropped
// together.
func groupMessages(messages []provider.Message) [][]provider.Message {
	var groups [][]provider.Message
	for i := 0; i < len(messages); {
		j := i + 1
		if messages[i].Role == provider.RoleAssistant && len(messages[i].ToolCalls) > 0 {
			for j < len(messages) && messages[j].Role == provider.RoleTool {
				j++
			}
		}
		groups = append(groups, messages[i:j])
		i = j
	}
	return groups
}
