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

package provider

// EstimateTokens approximates the token count of messages at four
// characters per token plus structural overhead. Tokenization is model
// specific; this is only used to budget history.
func EstimateTokens(messages []Message) int {
	total := 0
	for i := range messages {
		total += EstimateMessageTokens(&messages[i])
	}
	return total
}

// EstimateMessageTokens approximates the token count of one message.
func EstimateMessageTokens(msg *Message) int {
	tokens := len(msg.Content)/4 + 10
	for _, tc := range msg.ToolCalls {
		tokens += len(tc.QualifiedName())/4 + 20
		tokens += estimateMapTokens(tc.Arguments)
	}
	return tokens
}

func estimateMapTokens(m map[string]any) int {
	tokens := 0
	for key, value := range m {
		tokens += len(key) / 4
		tokens += estimateValueTokens(value)
	}
	return tokens
}

func estimateValueTokens(value any) int {
	switch v := value.(type) {
	case string:
		return len(v) / 4
	case int, int64, float64, bool:
		return 1
	case map[string]any:
		return estimateMapTokens(v)
	case []any:
		tokens := 0
		for _, item := range v {
			tokens += estimateValueTokens(item)
		}
		return tokens
	default:
		return 10
	}
}
