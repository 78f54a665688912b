// Package lifecycle wires the lifecycle events the surrounding runtime
// emits (spec §4.6 C9) to concrete PostOffice and Transport calls: the
// five hook points PRE_START, AFTER_FORK, IN_CHILD, ON_START, ON_FINISH,
// plus AT_EXIT.
package lifecycle

import (
	"context"

	"github.com/adred-codev/fiopost/pkg/cluster"
	"github.com/adred-codev/fiopost/pkg/pubsub"
	"github.com/rs/zerolog"
)

// Hooks holds the collaborators every lifecycle call site needs.
type Hooks struct {
	PostOffice *pubsub.PostOffice
	Transport  *cluster.Transport
	Role       cluster.Role
	Logger     zerolog.Logger
}

// PreStart runs before the process starts accepting work. On root it
// opens the cluster listening socket; workers have nothing to do here
// (they have no socket of their own to open before connecting).
func (h *Hooks) PreStart(ctx context.Context) error {
	if h.Role != cluster.RoleRoot {
		return nil
	}
	return h.Transport.ListenRoot(ctx)
}

// AfterFork runs once a worker has been forked from root. The source
// has root drain its accept backlog here; in this port the listener's
// own accept loop (started by PreStart) already serves incoming
// connections continuously, so there is nothing left to drain. Kept as
// an explicit no-op so the hook has a named call site matching spec
// §4.6, in case a future supervisor needs to hook fork timing directly.
func (h *Hooks) AfterFork() {}

// InChild is the post-fork hook (spec §4.6 IN_CHILD, §9). It calls
// PostOffice.ResetLocks, which leaves every lock as it is (see its doc).
func (h *Hooks) InChild() {
	h.PostOffice.ResetLocks()
}

// OnStart runs once the process is ready to begin normal operation. On
// a worker it dials root's cluster socket; root has nothing to do here
// since it already started listening in PreStart.
func (h *Hooks) OnStart(ctx context.Context) error {
	if h.Role != cluster.RoleWorker {
		return nil
	}
	return h.Transport.DialWorker(ctx)
}

// OnFinish closes every cluster connection and, on root, unlinks the
// socket file.
func (h *Hooks) OnFinish() error {
	return h.Transport.Close()
}

// AtExit unsubscribes every remaining subscription (firing every
// OnUnsubscribe), detaches every engine, and waits for the deferred-task
// queue to drain. Callers must cancel the PostOffice's Start context
// before calling AtExit so Wait can return.
func (h *Hooks) AtExit() {
	h.PostOffice.AtExit()
	h.PostOffice.Wait()
}
