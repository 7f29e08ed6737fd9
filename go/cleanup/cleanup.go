// Package cleanup provides orderly shutdown: repeated background tasks that
// stop on demand and at-exit hooks that run on SIGINT/SIGTERM.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

var (
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	atExitMtx sync.Mutex
	atExit    []func()

	enableOnce sync.Once
)

// Initialize the package.
func init() {
	resetContext()
}

// Reset the context. This is in a non-init function for testing purposes.
func resetContext() {
	newContext, newCancel := context.WithCancel(context.Background())
	ctx = newContext
	cancel = newCancel
}

// Enable installs a signal handler for SIGINT and SIGTERM which runs Cleanup
// and all AtExit functions before exiting. Safe to call more than once.
func Enable() {
	enableOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			sklog.Infof("Caught %s", sig)
			Cleanup()
			atExitMtx.Lock()
			defer atExitMtx.Unlock()
			for _, fn := range atExit {
				fn()
			}
			sklog.Flush()
			os.Exit(0)
		}()
	})
}

// AtExit registers a function to run when the process is signalled to exit.
func AtExit(fn func()) {
	atExitMtx.Lock()
	defer atExitMtx.Unlock()
	atExit = append(atExit, fn)
}

// Repeat runs the tick function immediately and on the given timer. When
// Cleanup() is called, the optional cleanup function is run after waiting for
// the tick function to finish.
func Repeat(tickFrequency time.Duration, tick func(ctx context.Context), cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after ctx is canceled AND tick is finished.
		util.RepeatCtx(ctx, tickFrequency, tick)
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// Cleanup cancels all tick functions registered via Repeat(), then waits for
// them to fully stop running and for their cleanup functions to run.
func Cleanup() {
	sklog.Warningf("Shutdown request received")
	cancel()
	wg.Wait()
	sklog.Warningf("Finished clean shutdown procedure.")
}
