package shutdown

import (
	"context"
	"os/signal"
)

// Context is cancelled on the first termination signal. stop releases the
// signal handler so a second signal kills the process the default way.
func Context(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}
