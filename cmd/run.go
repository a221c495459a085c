package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/observability"
	"github.com/nmoradei/portero-cli/internal/service"
)

// newRunCmd creates the one-shot `run` command: a single instruction
// executed to its terminal status, with approvals prompted on the
// terminal.
func newRunCmd() *cobra.Command {
	var (
		offline     bool
		dryRun      bool
		autoApprove bool
		vars        []string
	)

	runCmd := &cobra.Command{
		Use:   "run \"instruction\"",
		Short: "Run one instruction to completion, prompting for approvals",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			variables, err := parseVariables(vars)
			if err != nil {
				return err
			}

			components, err := service.Build(ctx, cfg, logger, service.Options{
				Offline: offline,
				DryRun:  dryRun,
			})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if recovered, err := components.Recover(ctx); err != nil {
				return err
			} else if recovered > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "resumed %d interrupted session(s)\n", recovered)
			}

			session, err := components.Engine.StartSession(ctx, args[0], variables)
			if err != nil {
				return err
			}
			logger.Info("Session started", zap.String("session_id", session.ID))

			summary, err := followSession(ctx, cmd, components, session.ID, autoApprove)
			if err != nil {
				return err
			}

			printSummary(cmd, summary)
			if summary.Status != schemas.StatusCompleted {
				return fmt.Errorf("session ended %s: %s", summary.Status, summary.Message)
			}
			return nil
		},
	}

	runCmd.Flags().BoolVar(&offline, "offline", false, "use the rule planner instead of the model")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and gate without touching the portal")
	runCmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "approve all approval requests without prompting")
	runCmd.Flags().StringArrayVar(&vars, "var", nil, "session variable as key=value (repeatable)")
	return runCmd
}

// followSession consumes the event stream, prompting on approval
// requests, until the session is terminal.
func followSession(ctx context.Context, cmd *cobra.Command, components *service.Components, id string, autoApprove bool) (schemas.StatusSummary, error) {
	events, cancel := components.Engine.Subscribe(id)
	defer cancel()

	out := cmd.OutOrStdout()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return components.Engine.GetStatus(ctx, id)
			}
			switch ev.Type {
			case schemas.EventStageChanged:
				fmt.Fprintf(out, "  [%s] step %d\n", ev.Stage, ev.StepIndex)
			case schemas.EventActionAttempted:
				if ev.Result != nil && !ev.Result.Success {
					fmt.Fprintf(out, "  step %d failed: %s (%s)\n", ev.StepIndex, ev.Result.ErrorMessage, ev.Message)
				}
			case schemas.EventApprovalRequested:
				if err := resolveInteractively(ctx, cmd, components, ev, autoApprove); err != nil {
					return schemas.StatusSummary{}, err
				}
			case schemas.EventSessionTerminal:
				// The stream closes right after; loop once more.
			}
		case <-ctx.Done():
			return schemas.StatusSummary{}, ctx.Err()
		}
	}
}

func resolveInteractively(ctx context.Context, cmd *cobra.Command, components *service.Components, ev schemas.SessionEvent, autoApprove bool) error {
	out := cmd.OutOrStdout()
	request := ev.Approval
	fmt.Fprintf(out, "\napproval required (%s, %s risk): %s\n", request.Kind, request.Tier, request.Justification)

	approved := true
	feedback := ""
	if !autoApprove {
		fmt.Fprint(out, "approve? [y/N]: ")
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if !scanner.Scan() {
			approved = false
		} else {
			answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
			approved = answer == "y" || answer == "yes"
			if !approved {
				fmt.Fprint(out, "feedback (optional): ")
				if scanner.Scan() {
					feedback = strings.TrimSpace(scanner.Text())
				}
			}
		}
	}

	return components.Engine.ResolveApproval(ctx, schemas.ApprovalDecision{
		SessionID: ev.SessionID,
		Approved:  approved,
		Feedback:  feedback,
	})
}

func printSummary(cmd *cobra.Command, summary schemas.StatusSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nsession %s: %s (%.0f%%)\n", summary.SessionID, summary.Status, summary.ProgressPercentage)
	if summary.Message != "" {
		fmt.Fprintf(out, "  %s\n", summary.Message)
	}
}

// parseVariables turns repeated key=value flags into the variable bag.
func parseVariables(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
