package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensandbox/podrelay/pkg/relay"
	"github.com/opensandbox/podrelay/pkg/types"
)

var (
	logsFollow     bool
	logsTail       int64
	logsTimestamps bool
	logsSince      int64
)

var logsCmd = &cobra.Command{
	Use:   "logs <namespace> <pod>",
	Short: "Stream the logs of a pod container",
	Long: `Stream container logs until the server ends the stream or you interrupt.
Example: podrelay logs default web-0 -c app --tail 50`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		opts := types.LogOptions{
			Follow:     logsFollow,
			TailLines:  logsTail,
			Timestamps: logsTimestamps,
		}
		if logsSince > 0 {
			opts.SinceSeconds = &logsSince
		}
		intent := types.LogsIntent(clusterName, args[0], args[1], container, opts)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		surface := &terminalSurface{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
		states := make(chan relay.State, 64)
		return relay.Run(ctx, relayDeps(states), intent, surface, func(ctx context.Context, g *relay.Guard) error {
			return waitSettled(ctx, states)
		})
	},
}

// waitSettled returns when the stream ends. An errored session is reported
// as a command failure.
func waitSettled(ctx context.Context, states <-chan relay.State) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-states:
			switch st {
			case relay.StateDisconnected:
				return nil
			case relay.StateError:
				return fmt.Errorf("log stream failed")
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", true, "keep streaming new lines")
	logsCmd.Flags().Int64Var(&logsTail, "tail", types.DefaultTailLines, "lines of history to show")
	logsCmd.Flags().BoolVar(&logsTimestamps, "timestamps", false, "prefix lines with timestamps")
	logsCmd.Flags().Int64Var(&logsSince, "since", 0, "only lines newer than this many seconds")
}
