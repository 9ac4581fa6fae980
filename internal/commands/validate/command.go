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

package validate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/switchboard"
	"github.com/tombee/switchboard/pkg/errors"
)

// Result is the JSON output of validate.
type Result struct {
	shared.JSONResponse
	Path     string             `json:"path,omitempty"`
	Provider string             `json:"provider"`
	Servers  []ServerResult     `json:"servers"`
	Errors   []shared.JSONError `json:"errors,omitempty"`
}

// ServerResult is one validated server.
type ServerResult struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Valid bool   `json:"valid"`
}

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and every server descriptor",
		Long: `Validate loads the configuration, checks every server descriptor and
builds each server's adapter without starting it. Nothing is launched and
no network connections are made.`,
		Example: `  switchboard validate
  switchboard validate --config ./switchboard.yaml --json`,
		Args: cobra.NoArgs,
		RunE: run,
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		if shared.GetJSON() {
			_ = shared.EmitJSON(cmd.OutOrStdout(), Result{
				JSONResponse: shared.NewJSONResponse("validate", false),
				Errors:       []shared.JSONError{{Code: string(errors.CodeOf(err)), Message: err.Error()}},
			})
		}
		return err
	}

	servers, err := switchboard.NewServerRegistry(nil)
	if err != nil {
		return err
	}
	providers, err := switchboard.NewProviderRegistry()
	if err != nil {
		return err
	}
	checks, providerErr := switchboard.Validate(cfg, servers, providers)

	res := Result{Path: cfg.Path, Provider: cfg.Provider.Name}
	for _, c := range checks {
		res.Servers = append(res.Servers, ServerResult{Name: c.Server, Type: c.Type, Valid: c.Err == nil})
		if c.Err != nil {
			res.Errors = append(res.Errors, shared.JSONError{Code: string(errors.CodeOf(c.Err)), Message: c.Err.Error(), Server: c.Server})
		}
	}
	if providerErr != nil {
		res.Errors = append(res.Errors, shared.JSONError{Code: string(errors.CodeOf(providerErr)), Message: providerErr.Error()})
	}
	res.JSONResponse = shared.NewJSONResponse("validate", len(res.Errors) == 0)

	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		render(cmd, res, checks, providerErr)
	}

	if len(res.Errors) > 0 {
		return shared.NewConfigError(fmt.Sprintf("%d problem(s) found", len(res.Errors)), nil)
	}
	return nil
}

func render(cmd *cobra.Command, res Result, checks []switchboard.Check, providerErr error) {
	out := cmd.OutOrStdout()
	source := res.Path
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintln(out, shared.Header.Render("Configuration")+" "+shared.Muted.Render(source))
	for _, c := range checks {
		line := fmt.Sprintf("%s %s", c.Server, shared.RenderLabel("("+c.Type+")"))
		if c.Err != nil {
			fmt.Fprintln(out, shared.RenderError(line+": "+c.Err.Error()))
			continue
		}
		fmt.Fprintln(out, shared.RenderOK(line))
	}
	if providerErr != nil {
		fmt.Fprintln(out, shared.RenderError("provider: "+providerErr.Error()))
	} else {
		fmt.Fprintln(out, shared.RenderOK("provider "+res.Provider))
	}
}
