package signal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// interruptedExitCode is the conventional status for a process killed by SIGINT.
const interruptedExitCode = 130

// exit is replaced in tests.
var exit = os.Exit

// NotifyContext returns a context that is cancelled when SIGINT or SIGTERM is
// received, giving the caller a chance to stop streams and save partial work.
// A second signal exits immediately.
// The returned stop function should be called to release resources.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigs:
			exit(interruptedExitCode)
		case <-done:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
			cancel()
		})
	}
}
