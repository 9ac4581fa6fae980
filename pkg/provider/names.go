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

import "strings"

// NameSeparator joins server and tool names into the single identifier
// backends see. Backend tool-name alphabets rarely allow dots or slashes.
const NameSeparator = "__"

// QualifiedName joins server and tool.
func QualifiedName(server, tool string) string {
	return server + NameSeparator + tool
}

// ResolveToolName maps a backend-visible tool name back to its server and
// tool. Offered tools are matched exactly first; otherwise the name is
// split at the first separator.
func ResolveToolName(tools []ToolDefinition, name string) (server, tool string, ok bool) {
	for _, d := range tools {
		if d.QualifiedName() == name {
			return d.Server, d.Tool, true
		}
	}
	server, tool, ok = strings.Cut(name, NameSeparator)
	if !ok || server == "" || tool == "" {
		return "", name, false
	}
	return server, tool, true
}
