package logs

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/btcsuite/btclog"
)

// HandlePanic recovers a panic on the current goroutine, logs it along with
// a stack trace, and exits the process. It is meant to be deferred at the
// top of any goroutine spawned via Spawn.
func HandlePanic(log btclog.Logger, goroutineStackTrace []byte) {
	err := recover()
	if err == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		log.Criticalf("fatal error: %+v", err)
		if goroutineStackTrace != nil {
			log.Criticalf("goroutine stack trace: %s", goroutineStackTrace)
		}
		log.Criticalf("stack trace: %s", debug.Stack())
		close(done)
	}()

	const panicHandlerTimeout = 5 * time.Second
	select {
	case <-time.After(panicHandlerTimeout):
		fmt.Fprintln(os.Stderr, "logs: couldn't finish handling a fatal error, exiting anyway")
	case <-done:
	}
	os.Exit(1)
}

// Spawn runs fn on a new goroutine, recovering any panic and logging it
// under the given subsystem tag (with both stack traces) before
// HandlePanic exits the process.
func Spawn(tag string, fn func()) {
	stack := debug.Stack()
	go func() {
		defer HandlePanic(Logger(tag), stack)
		fn()
	}()
}
