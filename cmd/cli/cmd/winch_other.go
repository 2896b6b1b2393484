//go:build !unix

package cmd

import "context"

// watchResize is a no-op where SIGWINCH does not exist. The size sent on
// connect stays in effect.
func watchResize(ctx context.Context, _ int, _ func(rows, cols uint16)) {
	<-ctx.Done()
}
