package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/adred-codev/fiopost/pkg/cluster"
	"github.com/adred-codev/fiopost/pkg/pubsub"
)

// newLinkedHooks also returns the cancel func of the PostOffice's Start
// context, which must be called before AtExit.
func newLinkedHooks(t *testing.T, role cluster.Role, socketPath string) (*Hooks, context.CancelFunc) {
	t.Helper()
	tr := cluster.New(cluster.Config{Role: role, SocketPath: socketPath, HeartbeatInterval: time.Hour})
	po := pubsub.New(pubsub.Options{Informer: tr})
	tr.Bind(po)
	ctx, cancel := context.WithCancel(context.Background())
	po.Start(ctx)
	t.Cleanup(cancel)
	return &Hooks{PostOffice: po, Transport: tr, Role: role}, cancel
}

func TestRootLifecycleSequence(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "fiopost-lifecycle.sock")
	h, stop := newLinkedHooks(t, cluster.RoleRoot, socketPath)
	ctx := context.Background()

	if err := h.PreStart(ctx); err != nil {
		t.Fatalf("PreStart: %v", err)
	}
	h.AfterFork()
	if err := h.OnStart(ctx); err != nil {
		t.Fatalf("OnStart (no-op on root): %v", err)
	}
	if err := h.OnFinish(); err != nil {
		t.Fatalf("OnFinish: %v", err)
	}
	stop()
	h.AtExit()
}

func TestWorkerLifecycleSequence(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "fiopost-lifecycle-worker.sock")
	rootH, _ := newLinkedHooks(t, cluster.RoleRoot, socketPath)
	ctx := context.Background()
	if err := rootH.PreStart(ctx); err != nil {
		t.Fatalf("root PreStart: %v", err)
	}
	t.Cleanup(func() { rootH.OnFinish() })

	workerH, stopWorker := newLinkedHooks(t, cluster.RoleWorker, socketPath)
	if err := workerH.PreStart(ctx); err != nil {
		t.Fatalf("worker PreStart (no-op): %v", err)
	}
	workerH.InChild()
	if err := workerH.OnStart(ctx); err != nil {
		t.Fatalf("worker OnStart: %v", err)
	}
	if err := workerH.OnFinish(); err != nil {
		t.Fatalf("worker OnFinish: %v", err)
	}
	stopWorker()
	workerH.AtExit()
}
