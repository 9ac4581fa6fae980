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

package serve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/api"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/orchestrator"
	"github.com/tombee/switchboard/internal/switchboard"
	"github.com/tombee/switchboard/internal/toolserver/mcpadapter"
	"github.com/tombee/switchboard/pkg/result"
)

// shutdownTimeout bounds the whole fleet shutdown after a signal.
const shutdownTimeout = 30 * time.Second

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	var (
		listen  string
		noWatch bool
		strict  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the configured tool servers and the HTTP API",
		Long: `Serve starts every configured tool server, monitors their health and
serves the fleet snapshot on the HTTP API until interrupted. Edits to the
configuration file are applied live: new servers are started, removed
servers stopped and changed servers restarted.

On SIGINT or SIGTERM every server is stopped gracefully and killed if it
does not stop in time.`,
		Example: `  switchboard serve
  switchboard serve --listen 127.0.0.1:0 --no-watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, listen, !noWatch, strict)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (default from config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the configuration file on change")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit if any server fails to start")
	return cmd
}

func run(cmd *cobra.Command, listen string, watch, strict bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.API.Listen = listen
	}
	if shared.GetVerbose() {
		cfg.Log.Level = "debug"
	}
	v, _, _ := shared.GetVersion()
	cfg.Tracing.ServiceVersion = v
	mcpadapter.ClientVersion = v

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := switchboard.New(ctx, cfg, switchboard.Options{})
	if err != nil {
		return err
	}
	logger := log.WithComponent(app.Logger(), "serve")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for name, r := range app.Shutdown(shutdownCtx) {
			for _, w := range r.Warnings {
				logger.Warn(w, slog.String(log.ServerKey, name))
			}
		}
	}()

	results := app.Start(ctx)
	failed := report(cmd.ErrOrStderr(), results)
	if strict && failed > 0 {
		return shared.NewServersFailedError(fmt.Sprintf("%d of %d servers failed to start", failed, len(results)), nil)
	}

	if watch && cfg.Path != "" {
		watcher, err := config.Watch(cfg.Path, 0, app.Logger(), func(next *config.Config, err error) {
			if err != nil {
				logger.Warn("configuration reload rejected", log.Error(err))
				return
			}
			app.Reconcile(ctx, next)
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	router := api.NewRouter(api.Options{
		Fleet:    app.Orchestrator,
		Pools:    app.Pool,
		Gatherer: app.Gatherer,
		Logger:   app.Logger(),
		Version:  v,
	})
	return api.Serve(ctx, cfg.API.Listen, router, app.Logger(), nil)
}

// report prints one line per startup result and returns how many failed.
func report(w io.Writer, results map[string]result.Result[orchestrator.Handle]) int {
	if shared.GetQuiet() {
		failed := 0
		for _, r := range results {
			if !r.OK() {
				failed++
			}
		}
		return failed
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		r := results[name]
		if !r.OK() {
			failed++
			fmt.Fprintln(w, shared.RenderError(fmt.Sprintf("%s: %v", name, r.Err)))
			continue
		}
		h := r.Value()
		fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("%s %s", name, shared.Muted.Render(fmt.Sprintf("%d tools, %s", len(h.Tools), r.Duration.Round(time.Millisecond))))))
	}
	return failed
}
