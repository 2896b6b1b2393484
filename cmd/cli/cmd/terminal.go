package cmd

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/term"

	"github.com/opensandbox/podrelay/pkg/relay"
)

// terminalSurface renders relay output on the local terminal. Notices go to
// errOut so they never mix into piped log output.
type terminalSurface struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	raw    bool // terminal is in raw mode, lines need \r\n
}

func (s *terminalSurface) WriteOutput(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(p)
}

func (s *terminalSurface) ShowNotice(n relay.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw {
		fmt.Fprintf(s.errOut, "\r\n[podrelay] %s\r\n", n)
		return
	}
	fmt.Fprintf(s.errOut, "[podrelay] %s\n", n)
}

func (s *terminalSurface) hint(msg string) {
	s.ShowNotice(relay.Notice{Kind: relay.NoticeInfo, Message: msg})
}

// terminalSize returns rows and cols of fd, or false when fd is not a terminal.
func terminalSize(fd int) (uint16, uint16, bool) {
	cols, rows, err := term.GetSize(fd)
	if err != nil || rows <= 0 || cols <= 0 {
		return 0, 0, false
	}
	return uint16(rows), uint16(cols), true
}
