package cluster

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/fiopost/pkg/pubsub"
	"github.com/adred-codev/fiopost/pkg/value"
)

// newLinkedPostOffice builds a PostOffice and the Transport that will
// serve as its Informer, wiring the circular dependency via Bind.
func newLinkedPostOffice(t *testing.T, role Role, socketPath string) (*pubsub.PostOffice, *Transport) {
	t.Helper()
	tr := New(Config{Role: role, SocketPath: socketPath, HeartbeatInterval: time.Hour})
	po := pubsub.New(pubsub.Options{Informer: tr})
	tr.Bind(po)
	ctx, cancel := context.WithCancel(context.Background())
	po.Start(ctx)
	t.Cleanup(func() {
		cancel()
		po.Wait()
	})
	return po, tr
}

func TestCrossProcessFanOut(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "fiopost-test.sock")

	rootPO, rootTr := newLinkedPostOffice(t, RoleRoot, socketPath)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := rootTr.ListenRoot(ctx); err != nil {
		t.Fatalf("ListenRoot: %v", err)
	}
	t.Cleanup(func() { rootTr.Close() })

	w1PO, w1Tr := newLinkedPostOffice(t, RoleWorker, socketPath)
	var w1Count int64
	channel := value.StringFrom("x")
	w1PO.SubscribePubSub(pubsub.SubscribeArgs{
		Channel: &channel,
		OnMessage: func(m *pubsub.Message) {
			atomic.AddInt64(&w1Count, 1)
		},
	})
	if err := w1Tr.DialWorker(ctx); err != nil {
		t.Fatalf("worker 1 DialWorker: %v", err)
	}
	t.Cleanup(func() { w1Tr.Close() })

	// Give root time to record W1's connection before W2 dials and
	// publishes, so the PUBSUB_SUB frame has landed.
	time.Sleep(50 * time.Millisecond)

	w2PO, w2Tr := newLinkedPostOffice(t, RoleWorker, socketPath)
	if err := w2Tr.DialWorker(ctx); err != nil {
		t.Fatalf("worker 2 DialWorker: %v", err)
	}
	t.Cleanup(func() { w2Tr.Close() })

	var w2Count int64
	var mu sync.Mutex
	var w2Channel string
	channel2 := value.StringFrom("x")
	w2PO.SubscribePubSub(pubsub.SubscribeArgs{
		Channel: &channel2,
		OnMessage: func(m *pubsub.Message) {
			atomic.AddInt64(&w2Count, 1)
			mu.Lock()
			w2Channel = m.Channel().AsString()
			mu.Unlock()
		},
	})

	w2PO.Publish(pubsub.PublishArgs{
		Channel: value.StringFrom("x"),
		Message: value.StringFrom("y"),
		Engine:  pubsub.Cluster,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&w1Count) >= 1 && atomic.LoadInt64(&w2Count) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := atomic.LoadInt64(&w1Count); got != 1 {
		t.Fatalf("w1 expected exactly 1 delivery, got %d", got)
	}
	if got := atomic.LoadInt64(&w2Count); got != 1 {
		t.Fatalf("w2 (local, same-process publish) expected exactly 1 delivery, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if w2Channel != "x" {
		t.Fatalf("expected channel 'x', got %q", w2Channel)
	}
	if filters, pubsubN, patterns := rootPO.Stats(); pubsubN != 0 || filters != 0 || patterns != 0 {
		t.Fatalf("root should have no local subscriptions, got %d/%d/%d", filters, pubsubN, patterns)
	}
}
