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

package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/conversation"
	"github.com/tombee/switchboard/internal/executor"
)

// maxArgsWidth truncates rendered tool arguments.
const maxArgsWidth = 80

func renderSteps(w io.Writer, steps []conversation.Step) {
	for _, step := range steps {
		for i, call := range step.ToolCalls {
			fmt.Fprintln(w, shared.Muted.Render(fmt.Sprintf("  → %s.%s(%s)", call.Server, call.Tool, renderArgs(call.Args))))
			if i < len(step.Results) {
				fmt.Fprintln(w, "    "+renderResult(step.Results[i]))
			}
		}
		if step.Text != "" {
			fmt.Fprintln(w, step.Text)
		}
	}
}

func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "?"
	}
	s := string(data)
	if len(s) > maxArgsWidth {
		s = s[:maxArgsWidth-3] + "..."
	}
	return s
}

func renderResult(r executor.ToolResult) string {
	took := r.Duration.Round(time.Millisecond).String()
	if r.OK() {
		msg := "ok " + shared.Muted.Render(took)
		if r.RetryCount > 0 {
			msg += shared.Muted.Render(fmt.Sprintf(", %d retries", r.RetryCount))
		}
		return shared.RenderOK(msg)
	}
	return shared.RenderError(fmt.Sprintf("%s [%s] %s", r.Status, r.ErrorCode, r.Error))
}
