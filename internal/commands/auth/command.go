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

package auth

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/pkg/provider"
)

// NewCommand creates the auth command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider API keys in the OS keychain",
	}
	cmd.AddCommand(newSetCommand(), newCheckCommand())
	return cmd
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a provider API key in the OS keychain",
		Long: `Set stores the API key for a provider in the OS keychain, where it is
used when neither the configured nor the conventional environment
variable is set. The key is prompted for on a terminal and read from
standard input otherwise.`,
		Example: `  switchboard auth set anthropic
  echo "$OPENAI_API_KEY" | switchboard auth set openai`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if err := provider.StoreAPIKey(args[0], key); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("stored key for "+args[0]))
			}
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <provider>",
		Short: "Show whether an API key can be resolved for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := provider.ResolveAPIKey(provider.Config{Name: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("%s key %s", args[0], log.SanitizeAPIKey(key))))
			return nil
		},
	}
}

func readKey(in io.Reader, name string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		var key string
		err := survey.AskOne(&survey.Password{Message: fmt.Sprintf("%s API key:", name)}, &key, survey.WithValidator(survey.Required))
		return strings.TrimSpace(key), err
	}
	data, err := io.ReadAll(io.LimitReader(in, 64*1024))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
