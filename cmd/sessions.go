package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/nmoradei/portero-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newSessionsCmd groups the client subcommands that talk to a running
// `serve` daemon over its HTTP API.
func newSessionsCmd() *cobra.Command {
	var addr string

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control sessions on a running daemon",
	}
	sessionsCmd.PersistentFlags().StringVar(&addr, "addr", "", "daemon address (defaults to server.addr)")

	client := &apiClient{addr: &addr}
	sessionsCmd.AddCommand(newSessionsListCmd(client))
	sessionsCmd.AddCommand(newSessionsShowCmd(client))
	sessionsCmd.AddCommand(newSessionsApproveCmd(client))
	sessionsCmd.AddCommand(newSessionsAbortCmd(client))
	return sessionsCmd
}

// apiClient is a thin client over the daemon API.
type apiClient struct {
	addr *string
	http http.Client
}

func (c *apiClient) baseURL() string {
	addr := *c.addr
	if addr == "" {
		cfg, err := loadConfig()
		if err == nil {
			addr = cfg.Server.Addr
		}
	}
	if addr == "" {
		addr = ":8700"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL()+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.http.Timeout = 30 * time.Second

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newSessionsListCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var summaries []schemas.StatusSummary
			if err := client.do(http.MethodGet, "/sessions", nil, &summaries); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			fmt.Fprintf(out, "%-38s %-20s %-8s %s\n", "ID", "STATUS", "STEP", "PROGRESS")
			for _, s := range summaries {
				fmt.Fprintf(out, "%-38s %-20s %d/%-6d %.0f%%\n",
					s.SessionID, s.Status, s.StepIndex, s.TotalActions, s.ProgressPercentage)
			}
			return nil
		},
	}
}

func newSessionsShowCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the full session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var session schemas.Session
			if err := client.do(http.MethodGet, "/sessions/"+args[0], nil, &session); err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(session, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
			return nil
		},
	}
}

func newSessionsApproveCmd(client *apiClient) *cobra.Command {
	var (
		deny       bool
		feedback   string
		conditions []string
	)

	approveCmd := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Resolve a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"approved":   !deny,
				"feedback":   feedback,
				"conditions": conditions,
			}
			var summary schemas.StatusSummary
			if err := client.do(http.MethodPost, "/sessions/"+args[0]+"/approval", body, &summary); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s is now %s\n", summary.SessionID, summary.Status)
			return nil
		},
	}

	approveCmd.Flags().BoolVar(&deny, "deny", false, "deny instead of approve")
	approveCmd.Flags().StringVar(&feedback, "feedback", "", "feedback attached to the decision")
	approveCmd.Flags().StringArrayVar(&conditions, "condition", nil, "approval condition, e.g. skip (repeatable)")
	return approveCmd
}

func newSessionsAbortCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort a running or parked session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary schemas.StatusSummary
			if err := client.do(http.MethodPost, "/sessions/"+args[0]+"/abort", nil, &summary); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s is now %s\n", summary.SessionID, summary.Status)
			return nil
		},
	}
}
