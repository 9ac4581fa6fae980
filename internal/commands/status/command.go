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

package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/api"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/pkg/httpclient"
	"github.com/tombee/switchboard/pkg/retry"
)

// Output is the JSON output of status.
type Output struct {
	shared.JSONResponse
	api.ListResponse
}

// NewCommand creates the status command
func NewCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every server of a running switchboard",
		Long: `Status asks a running 'switchboard serve' for its fleet snapshot. The
exit code is non-zero when the API cannot be reached or any server is in
the error state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = defaultAddr()
			}
			return run(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API address (default from config api.listen)")
	return cmd
}

func defaultAddr() string {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return config.DefaultListen
	}
	return cfg.API.Listen
}

func run(cmd *cobra.Command, addr string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	resp, err := Fetch(cmd.Context(), client, addr)
	if err != nil {
		return shared.NewUnavailableError("switchboard is not reachable at "+addr, err)
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), Output{
			JSONResponse: shared.NewJSONResponse("status", resp.Summary.Error == 0),
			ListResponse: resp,
		}); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		Render(cmd.OutOrStdout(), resp)
	}

	if resp.Summary.Error > 0 {
		return shared.NewServersFailedError(fmt.Sprintf("%d server(s) in error", resp.Summary.Error), nil)
	}
	return nil
}

func newClient() (*http.Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.UserAgent = "switchboard-cli"
	cfg.Retry = retry.Policy{MaxRetries: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	cfg.Logger = log.Discard()
	return httpclient.New(cfg)
}

// Fetch reads the fleet snapshot from the API at addr. A bare host:port
// is treated as http.
func Fetch(ctx context.Context, client *http.Client, addr string) (api.ListResponse, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	var out api.ListResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/v1/servers", nil)
	if err != nil {
		return out, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return out, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, apiErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding server list: %w", err)
	}
	return out, nil
}

var (
	nameCol  = lipgloss.NewStyle().Width(20)
	stateCol = lipgloss.NewStyle().Width(10)
	numCol   = lipgloss.NewStyle().Width(8)
)

// Render prints the snapshot as a table followed by the summary.
func Render(w io.Writer, resp api.ListResponse) {
	if len(resp.Servers) == 0 {
		fmt.Fprintln(w, shared.Muted.Render("no servers configured"))
		return
	}

	fmt.Fprintln(w, shared.Header.Render(
		nameCol.Render("SERVER")+stateCol.Render("STATE")+numCol.Render("TOOLS")+numCol.Render("CONNS")+"DETAIL"))
	for _, s := range resp.Servers {
		conns := "-"
		if s.Pool != nil {
			conns = fmt.Sprintf("%d/%d", s.Pool.InUse, s.Pool.Max)
		}
		detail := s.LastError
		if detail == "" && s.UptimeSeconds > 0 {
			detail = "up " + (time.Duration(s.UptimeSeconds) * time.Second).String()
		}
		fmt.Fprintln(w,
			nameCol.Render(s.Name)+
				stateCol.Render(shared.RenderState(string(s.State)))+
				numCol.Render(fmt.Sprint(len(s.Tools)))+
				numCol.Render(conns)+
				shared.Muted.Render(detail))
	}

	sum := resp.Summary
	fmt.Fprintf(w, "\n%d/%d running", sum.Running, sum.Total)
	if sum.Error > 0 {
		fmt.Fprint(w, ", "+shared.StatusError.Render(fmt.Sprintf("%d error", sum.Error)))
	}
	if sum.Starting+sum.Stopping > 0 {
		fmt.Fprintf(w, ", %d in transition", sum.Starting+sum.Stopping)
	}
	fmt.Fprintln(w)
}
