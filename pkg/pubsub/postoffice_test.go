package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/fiopost/pkg/value"
	"github.com/rs/zerolog"
)

func newTestPostOffice(t *testing.T) (*PostOffice, func()) {
	t.Helper()
	po := New(Options{WorkerCount: 2, QueueSize: 64, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	po.Start(ctx)
	return po, func() {
		cancel()
		po.Wait()
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

// Scenario 1: exact-match fan-out, single process.
func TestExactMatchFanOutSingleProcess(t *testing.T) {
	po, stop := newTestPostOffice(t)
	defer stop()

	var countA, countB int64
	var gotA, gotB Message
	var mu sync.Mutex

	channel := value.StringFrom("news")
	unsubA := make(chan struct{})
	subA := po.Subscribe(SubscribeArgs{
		Channel: &channel,
		OnMessage: func(m *Message) {
			atomic.AddInt64(&countA, 1)
			mu.Lock()
			gotA = *m
			mu.Unlock()
		},
		OnUnsubscribe: func(any, any) { close(unsubA) },
	})

	unsubB := make(chan struct{})
	subB := po.Subscribe(SubscribeArgs{
		Channel: &channel,
		OnMessage: func(m *Message) {
			atomic.AddInt64(&countB, 1)
			mu.Lock()
			gotB = *m
			mu.Unlock()
		},
		OnUnsubscribe: func(any, any) { close(unsubB) },
	})

	payload := value.StringFrom("hello")
	po.Publish(PublishArgs{Channel: channel, Message: payload, Engine: Process})

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt64(&countA) == 1 && atomic.LoadInt64(&countB) == 1
	})

	mu.Lock()
	if gotA.Channel().AsString() != "news" || gotA.Payload().AsString() != "hello" {
		t.Fatalf("subA got unexpected message: %+v", gotA)
	}
	if gotB.Channel().AsString() != "news" || gotB.Payload().AsString() != "hello" {
		t.Fatalf("subB got unexpected message: %+v", gotB)
	}
	mu.Unlock()

	po.Unsubscribe(subA)
	po.Unsubscribe(subB)
	<-unsubA
	<-unsubB

	if filters, pubsubN, patterns := po.Stats(); pubsubN != 0 || filters != 0 || patterns != 0 {
		t.Fatalf("expected empty registry after teardown, got %d/%d/%d", filters, pubsubN, patterns)
	}

	// Republishing delivers to nobody.
	atomic.StoreInt64(&countA, 0)
	atomic.StoreInt64(&countB, 0)
	po.Publish(PublishArgs{Channel: channel, Message: payload, Engine: Process})
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&countA) != 0 || atomic.LoadInt64(&countB) != 0 {
		t.Fatal("expected no deliveries after both unsubscribed")
	}
}

// Scenario 2: pattern subscription.
func TestPatternSubscription(t *testing.T) {
	po, stop := newTestPostOffice(t)
	defer stop()

	var got []string
	var mu sync.Mutex
	done := make(chan struct{}, 10)

	pattern := value.StringFrom("user.*")
	po.Subscribe(SubscribeArgs{
		Channel: &pattern,
		MatchFn: MatchGlob,
		OnMessage: func(m *Message) {
			mu.Lock()
			got = append(got, m.Channel().AsString())
			mu.Unlock()
			done <- struct{}{}
		},
	})

	po.Publish(PublishArgs{Channel: value.StringFrom("user.42"), Message: value.StringFrom("x"), Engine: Process})
	po.Publish(PublishArgs{Channel: value.StringFrom("system.log"), Message: value.StringFrom("x"), Engine: Process})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pattern delivery")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "user.42" {
		t.Fatalf("expected exactly one delivery for user.42, got %v", got)
	}
}

// Scenario 3: filter channel isolation.
func TestFilterChannelIsolation(t *testing.T) {
	po, stop := newTestPostOffice(t)
	defer stop()

	var filterHits, channelHits int64
	po.Subscribe(SubscribeArgs{
		Filter:    7,
		OnMessage: func(*Message) { atomic.AddInt64(&filterHits, 1) },
	})
	sevenChannel := value.StringFrom("7")
	po.Subscribe(SubscribeArgs{
		Channel:   &sevenChannel,
		OnMessage: func(*Message) { atomic.AddInt64(&channelHits, 1) },
	})

	po.Publish(PublishArgs{Filter: 7, Message: value.StringFrom("a"), Engine: Process})
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&filterHits) == 1 })
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&channelHits) != 0 {
		t.Fatal("channel subscriber must not receive filter-mode publish")
	}

	po.Publish(PublishArgs{Channel: value.StringFrom("7"), Message: value.StringFrom("b"), Engine: Process})
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&channelHits) == 1 })
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&filterHits) != 1 {
		t.Fatal("filter subscriber must not receive channel-mode publish")
	}
}

// Scenario 5: deferred redelivery.
func TestDeferredRedelivery(t *testing.T) {
	po, stop := newTestPostOffice(t)
	defer stop()

	var calls int64
	done := make(chan struct{})
	channel := value.StringFrom("retry")
	po.Subscribe(SubscribeArgs{
		Channel: &channel,
		OnMessage: func(m *Message) {
			n := atomic.AddInt64(&calls, 1)
			if n < 3 {
				m.Defer()
				return
			}
			close(done)
		},
	})

	po.Publish(PublishArgs{Channel: channel, Message: value.StringFrom("x"), Engine: Process})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deferred redelivery to finish")
	}
	if atomic.LoadInt64(&calls) != 3 {
		t.Fatalf("expected exactly 3 invocations, got %d", calls)
	}
}

// Scenario 6: at-exit teardown.
func TestAtExitTeardown(t *testing.T) {
	po, stop := newTestPostOffice(t)
	defer stop()

	var fired int64
	for i := 0; i < 3; i++ {
		ch := value.StringFrom("ch")
		po.Subscribe(SubscribeArgs{
			Channel:       &ch,
			OnMessage:     func(*Message) {},
			OnUnsubscribe: func(any, any) { atomic.AddInt64(&fired, 1) },
		})
	}

	po.AtExit()

	if atomic.LoadInt64(&fired) != 3 {
		t.Fatalf("expected 3 OnUnsubscribe callbacks, got %d", fired)
	}
	if filters, pubsubN, patterns := po.Stats(); filters != 0 || pubsubN != 0 || patterns != 0 {
		t.Fatalf("expected all collections empty after AtExit, got %d/%d/%d", filters, pubsubN, patterns)
	}
}

func TestMetadataHookOrderingAndFinisher(t *testing.T) {
	po, stop := newTestPostOffice(t)
	defer stop()

	var order []int
	var mu sync.Mutex
	finished := make(chan struct{}, 2)

	// Each hook records itself when invoked, so order is the invocation
	// order of the hooks.
	po.AddMetaHook(func(m *Message, rawChannel, rawPayload value.Value) (int64, any, MetaFinisher, bool) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return 1, "first", func(*Message, any) { finished <- struct{}{} }, true
	})
	po.AddMetaHook(func(m *Message, rawChannel, rawPayload value.Value) (int64, any, MetaFinisher, bool) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return 2, "second", func(*Message, any) { finished <- struct{}{} }, true
	})

	channel := value.StringFrom("meta")
	done := make(chan struct{})
	var bothPresent bool
	po.Subscribe(SubscribeArgs{
		Channel: &channel,
		OnMessage: func(m *Message) {
			mu.Lock()
			bothPresent = m.Metadata(1) != nil && m.Metadata(2) != nil
			mu.Unlock()
			close(done)
		},
	})

	po.Publish(PublishArgs{Channel: channel, Message: value.StringFrom("x"), Engine: Process})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for metadata onFinish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected both metadata hooks invoked in registration order, got %v", order)
	}
	if !bothPresent {
		t.Fatal("expected both metadata entries attached to the delivered message")
	}
}

func TestSubscribePreconditionViolationFiresOnUnsubscribe(t *testing.T) {
	po, stop := newTestPostOffice(t)
	defer stop()

	fired := make(chan struct{})
	sub := po.Subscribe(SubscribeArgs{
		// Neither Filter nor Channel set: precondition violation.
		OnMessage:     func(*Message) {},
		OnUnsubscribe: func(any, any) { close(fired) },
	})
	if sub != nil {
		t.Fatal("expected nil subscription for precondition violation")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected OnUnsubscribe to fire immediately")
	}
}
