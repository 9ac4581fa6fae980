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

package shared

import (
	"github.com/charmbracelet/lipgloss"
)

const (
	green  = lipgloss.Color("42")
	orange = lipgloss.Color("214")
	red    = lipgloss.Color("196")
	blue   = lipgloss.Color("39")
	gray   = lipgloss.Color("245")
)

// Terminal styles used by every command.
var (
	StatusOK    = lipgloss.NewStyle().Foreground(green)
	StatusWarn  = lipgloss.NewStyle().Foreground(orange)
	StatusError = lipgloss.NewStyle().Foreground(red)
	Muted       = lipgloss.NewStyle().Foreground(gray)
	Bold        = lipgloss.NewStyle().Bold(true)
	Header      = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

// stateStyles maps server lifecycle states to their color. Unlisted states
// (stopped, unknown) render muted.
var stateStyles = map[string]lipgloss.Style{
	"running":  StatusOK,
	"starting": StatusWarn,
	"stopping": StatusWarn,
	"error":    StatusError,
}

func mark(style lipgloss.Style, symbol, msg string) string {
	return style.Render(symbol) + " " + msg
}

// RenderOK prefixes msg with a green check.
func RenderOK(msg string) string { return mark(StatusOK, "✓", msg) }

// RenderWarn prefixes msg with an orange warning sign.
func RenderWarn(msg string) string { return mark(StatusWarn, "⚠", msg) }

// RenderError prefixes msg with a red cross.
func RenderError(msg string) string { return mark(StatusError, "✗", msg) }

// RenderState colors a server lifecycle state.
func RenderState(state string) string {
	if style, ok := stateStyles[state]; ok {
		return style.Render(state)
	}
	return Muted.Render(state)
}

// RenderLabel dims a label such as a server type.
func RenderLabel(label string) string {
	return Muted.Render(label)
}
