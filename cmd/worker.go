package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/config"
	"github.com/JakeFAU/shopcrawl/internal/coordinator"
	"github.com/JakeFAU/shopcrawl/internal/ipc"
	"github.com/JakeFAU/shopcrawl/internal/logging"
	"github.com/JakeFAU/shopcrawl/internal/queue"
)

func newWorkerCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Runs one worker against the shared queue",
		Hidden: true,
		Long: `Runs the worker loop until the shared queue is finished. Messages for
the coordinator go to stdout, one JSON object per line; logs go to stderr.
The crawl command spawns this; it is not meant to be run by hand.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveWorkerIndex(cmd.Flags().Changed("index"), index, os.LookupEnv)
			if err != nil {
				return &exitError{code: coordinator.ExitFailure, err: err}
			}
			return runWorkerCommand(cmd, resolved)
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "worker index assigned by the coordinator (defaults to $"+coordinator.EnvWorkerIndex+")")
	return cmd
}

// resolveWorkerIndex reconciles --index with the environment the process
// spawner sets. When both are present they must agree.
func resolveWorkerIndex(flagSet bool, flagIndex int, lookup func(string) (string, bool)) (int, error) {
	if role, ok := lookup(coordinator.EnvRole); ok && role != coordinator.RoleWorker {
		return 0, fmt.Errorf("%s=%q; the worker command only runs as %q", coordinator.EnvRole, role, coordinator.RoleWorker)
	}
	raw, ok := lookup(coordinator.EnvWorkerIndex)
	if !ok {
		return flagIndex, nil
	}
	envIndex, err := strconv.Atoi(raw)
	if err != nil || envIndex < 0 {
		return 0, fmt.Errorf("invalid %s %q", coordinator.EnvWorkerIndex, raw)
	}
	if flagSet && flagIndex != envIndex {
		return 0, fmt.Errorf("--index %d does not match %s=%d", flagIndex, coordinator.EnvWorkerIndex, envIndex)
	}
	return envIndex, nil
}

func runWorkerCommand(cmd *cobra.Command, index int) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := logging.ForWorker(a.logger, index)
	if a.cfg.Queue.Backend == config.BackendMemory {
		return &exitError{
			code: coordinator.ExitFailure,
			err:  fmt.Errorf("worker processes need a shared queue backend, not %q", a.cfg.Queue.Backend),
		}
	}

	q, err := queue.Open(ctx, a.cfg.Queue)
	if err != nil {
		return &exitError{code: coordinator.ExitFailure, err: err}
	}
	defer func() {
		if cerr := q.Close(); cerr != nil {
			logger.Warn("Failed to close queue", zap.Error(cerr))
		}
	}()

	enc := ipc.NewEncoder(cmd.OutOrStdout(), index)
	if err := enc.Online(os.Getpid()); err != nil {
		return &exitError{code: coordinator.ExitFailure, err: err}
	}

	w, cleanup, err := buildWorker(a.cfg, q, enc, index, logger)
	if err != nil {
		return &exitError{code: coordinator.ExitFailure, err: err}
	}
	defer cleanup()

	summary, runErr := w.Run(ctx)
	if err := enc.Summarize(summary); err != nil {
		logger.Warn("Failed to send summary", zap.Error(err))
	}
	if runErr != nil {
		return &exitError{code: coordinator.ExitCode(runErr), err: runErr}
	}
	return nil
}
