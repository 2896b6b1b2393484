package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/podrelay/pkg/relay"
	"github.com/opensandbox/podrelay/pkg/types"
)

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
)

var execCommand string

var execCmd = &cobra.Command{
	Use:   "exec <namespace> <pod>",
	Short: "Open an interactive shell in a pod",
	Long: `Open an interactive terminal session in a pod container.
When the session ends, press r to reconnect with a fresh ticket or q to quit.
Example: podrelay exec default web-0 -c app`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		intent := types.ExecIntent(clusterName, args[0], args[1], container)
		if execCommand != "" {
			intent.Command = execCommand
		}

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return fmt.Errorf("exec needs an interactive terminal on stdin")
		}
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
		defer stop()

		surface := &terminalSurface{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), raw: true}
		states := make(chan relay.State, 64)
		return relay.Run(ctx, relayDeps(states), intent, surface, func(ctx context.Context, g *relay.Guard) error {
			go watchResize(ctx, fd, func(rows, cols uint16) { g.Resize(rows, cols) })
			return interact(ctx, g, surface, states, readInput(os.Stdin), fd)
		})
	},
}

// readInput forwards stdin chunks until stdin fails. The goroutine outlives
// the session; stdin is never closed by the CLI.
func readInput(r io.Reader) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		buf := make([]byte, 1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				p := make([]byte, n)
				copy(p, buf[:n])
				ch <- p
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// interact relays keystrokes while connected. Otherwise r reconnects and
// q, Ctrl-C or Ctrl-D quit.
func interact(ctx context.Context, g *relay.Guard, surface *terminalSurface, states <-chan relay.State, input <-chan []byte, fd int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-states:
			switch {
			case st == relay.StateConnected:
				if rows, cols, ok := terminalSize(fd); ok {
					g.Resize(rows, cols)
				}
			case st.Terminal():
				surface.hint(terminalHint(sessionRetryable(g)))
			}
		case p, ok := <-input:
			if !ok {
				return nil
			}
			if g.Input(p) {
				continue
			}
			switch p[0] {
			case 'r', 'R':
				g.Reconnect()
			case 'q', 'Q', keyCtrlC, keyCtrlD:
				return nil
			}
		}
	}
}

func sessionRetryable(g *relay.Guard) bool {
	s := g.Session()
	return s != nil && s.Retryable()
}

func terminalHint(retryable bool) string {
	if retryable {
		return "press r to reconnect, q to quit"
	}
	return "press q to quit"
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execCommand, "command", "", "command to run (default /bin/sh)")
}
