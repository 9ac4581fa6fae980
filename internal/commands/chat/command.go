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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/conversation"
	"github.com/tombee/switchboard/internal/switchboard"
	"github.com/tombee/switchboard/internal/toolserver"
	"github.com/tombee/switchboard/pkg/errors"
)

type options struct {
	servers  []string
	message  string
	maxSteps int
	provider string
	model    string
}

// NewCommand creates the chat command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured AI provider using the fleet's tools",
		Long: `Chat starts the selected tool servers, opens a conversation with the
configured AI provider and lets it call their tools. Each line read from
standard input is one message; /exit or end of input ends the session.

With --message a single message is sent and the command exits.`,
		Example: `  switchboard chat
  switchboard chat --server files --server search
  switchboard chat --message "list the open tickets" --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.servers, "server", "s", nil, "Server to start and expose (repeatable, default all)")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "Send one message and exit")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "Step limit per message (default from config)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Provider override")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.provider != "" {
		cfg.Provider.Name = opts.provider
	}
	if opts.model != "" {
		cfg.Provider.Model = opts.model
	}
	if cfg.Servers, err = selectServers(cfg.Servers, opts.servers); err != nil {
		return err
	}
	if !shared.GetVerbose() {
		cfg.Log.Level = "warn"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := switchboard.New(ctx, cfg, switchboard.Options{})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}()

	return chat(ctx, app, cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout(), isTerminal(cmd.InOrStdin()))
}

// chat runs the session loop against an already wired app.
func chat(ctx context.Context, app *switchboard.App, cfg *config.Config, opts options, in io.Reader, out io.Writer, interactive bool) error {
	var scope []string
	for name, r := range app.Start(ctx) {
		if !r.OK() {
			fmt.Fprintln(out, shared.RenderWarn(fmt.Sprintf("%s unavailable: %v", name, r.Err)))
			continue
		}
		scope = append(scope, name)
	}
	slices.Sort(scope)

	started := app.StartSession(scope, opts.maxSteps)
	if !started.OK() {
		return shared.NewProviderError("could not start a session", started.Err)
	}
	s := started.Value()
	defer app.Conversations.EndSession(s.ID)

	if opts.message != "" {
		return send(ctx, app, s, opts.message, out)
	}

	if interactive {
		fmt.Fprintln(out, shared.Header.Render("switchboard chat")+" "+
			shared.Muted.Render(fmt.Sprintf("%s, %d server(s); /exit to quit", cfg.Provider.Name, len(scope))))
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(out, shared.Bold.Render("> "))
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if err := send(ctx, app, s, line, out); err != nil {
			if errors.CodeOf(err) == errors.CodeCancellation || ctx.Err() != nil {
				return nil
			}
			shared.PrintError(out, err)
		}
	}
}

func send(ctx context.Context, app *switchboard.App, s *conversation.Session, text string, out io.Writer) error {
	r := app.Conversations.SendMessage(ctx, s, text)
	renderSteps(out, r.Value())
	for _, w := range r.Warnings {
		fmt.Fprintln(out, shared.RenderWarn(w))
	}
	if !r.OK() {
		return r.Err
	}
	return nil
}

// selectServers narrows descs to the named servers, keeping all when
// names is empty.
func selectServers(descs []toolserver.Descriptor, names []string) ([]toolserver.Descriptor, error) {
	if len(names) == 0 {
		return descs, nil
	}
	var out []toolserver.Descriptor
	for _, name := range names {
		i := slices.IndexFunc(descs, func(d toolserver.Descriptor) bool { return d.Name == name })
		if i < 0 {
			return nil, shared.NewConfigError("unknown server", &errors.NotFoundError{Resource: "server", ID: name})
		}
		out = append(out, descs[i])
	}
	return out, nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
