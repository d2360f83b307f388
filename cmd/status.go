package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/queue"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints entry counts for the shared queue",
		RunE:  runStatusCommand,
	}
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	q, err := queue.Open(ctx, a.cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := q.Close(); cerr != nil {
			a.logger.Warn("Failed to close queue", zap.Error(cerr))
		}
	}()

	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	finished, err := q.IsFinished(ctx)
	if err != nil {
		return fmt.Errorf("queue finished: %w", err)
	}
	out, err := json.MarshalIndent(struct {
		Queue    string `json:"queue"`
		Backend  string `json:"backend"`
		Finished bool   `json:"finished"`
		Stats    any    `json:"stats"`
	}{a.cfg.Queue.Name, a.cfg.Queue.Backend, finished, stats}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
