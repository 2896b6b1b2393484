package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

const drainWait = time.Second

// Local runs exec sessions as a PTY shell on the server host. It ignores the
// target and is meant for development without a cluster.
type Local struct {
	shell string
}

// NewLocal creates a local backend. An empty shell picks /bin/bash or /bin/sh.
func NewLocal(shell string) *Local {
	return &Local{shell: shell}
}

func (l *Local) Exec(ctx context.Context, req ExecRequest) error {
	argv := req.Command
	if len(argv) == 0 || (len(argv) == 1 && argv[0] == "") {
		shell, err := l.pickShell()
		if err != nil {
			return err
		}
		argv = []string{shell}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	if req.Resize != nil {
		go func() {
			for {
				select {
				case size, ok := <-req.Resize:
					if !ok {
						return
					}
					if err := pty.Setsize(ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows}); err != nil {
						log.Printf("backend: local resize: %v", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// PTY → client
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = io.Copy(req.Stdout, ptmx)
	}()
	// Client → PTY; stdin closing ends the session.
	if req.Stdin != nil {
		go func() {
			_, _ = io.Copy(ptmx, req.Stdin)
			cancel()
		}()
	}

	err = cmd.Wait()
	// The copier sees EIO once buffered output is read, unless a leftover
	// child still holds the terminal.
	select {
	case <-drained:
	case <-time.After(drainWait):
		ptmx.Close()
		<-drained
	}

	if ctx.Err() != nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command terminated with exit code %d", exitErr.ExitCode())
	}
	return err
}

func (l *Local) Logs(context.Context, LogRequest) (io.ReadCloser, error) {
	return nil, fmt.Errorf("logs: %w", ErrUnsupported)
}

func (l *Local) pickShell() (string, error) {
	if l.shell != "" {
		return l.shell, nil
	}
	for _, sh := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, nil
		}
	}
	return "", fmt.Errorf("no shell found")
}
