package fusion

import (
	"context"
	"sync"
)

// contextStopper arranges for cond to be broadcast when ctx is cancelled, so
// a goroutine parked in cond.Wait() wakes up and can re-check ctx.Err(). The
// returned func must be called after Wait returns, to release the AfterFunc.
//
// This is the Go shape of "release the entry lock atomically before
// schedule; on wake re-acquire by id; if the task received a signal while
// suspended, return Interrupted" — ctx cancellation stands in for a signal.
func contextStopper(ctx context.Context, cond *sync.Cond) func() {
	stop := context.AfterFunc(ctx, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	return func() { stop() }
}
