package broker

import (
	"time"

	"github.com/flowmq/flowmq/hook"
)

// admission bounds how many connections are in the handler pipeline at
// once (running in the worker pool or waiting for a free worker). It is a
// counting semaphore sized maximum_threads*2; acquire fails once that many
// connections are already admitted, signaling the accept loop to respond
// CONNACK(ServerBusy) and close instead of queuing further.
type admission struct {
	slots chan struct{}

	// connectRate guards against a single remote address flooding the
	// accept loop with connect attempts faster than handlers can drain;
	// keyed by remote host, independent of the queue-depth semaphore
	// above. This is the adapted home for the teacher's sliding-window
	// rate limiter (hook.RateLimitHook) - the queue-depth decision itself
	// needs a live up/down counter, which a rate window can't express.
	connectRate *hook.RateLimitHook
}

func newAdmission(maximumThreads int) *admission {
	if maximumThreads < 1 {
		maximumThreads = 1
	}
	return &admission{
		slots:       make(chan struct{}, maximumThreads*2),
		connectRate: hook.NewRateLimitHook(maximumThreads*4, 10*time.Second),
	}
}

// tryAcquire attempts to admit one connection. ok is false when the queue
// (running + waiting) is already at capacity.
func (a *admission) tryAcquire() (ok bool) {
	select {
	case a.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (a *admission) release() {
	select {
	case <-a.slots:
	default:
	}
}

// allowConnectFrom reports whether remoteHost may attempt another CONNECT
// within the current rate window.
func (a *admission) allowConnectFrom(remoteHost string) bool {
	return a.connectRate.Allow(remoteHost) == nil
}

func (a *admission) close() {
	_ = a.connectRate.Stop()
}
