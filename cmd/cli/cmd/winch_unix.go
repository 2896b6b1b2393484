//go:build unix

package cmd

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// watchResize calls fn with the terminal size on every SIGWINCH until ctx ends.
func watchResize(ctx context.Context, fd int, fn func(rows, cols uint16)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if rows, cols, ok := terminalSize(fd); ok {
				fn(rows, cols)
			}
		}
	}
}
