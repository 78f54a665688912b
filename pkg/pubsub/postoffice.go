// Package pubsub is the process-global subscription registry ("post
// office") and local dispatcher: spec components C3 (registry), C4
// (dispatcher), C5 (metadata hooks) and C6 (engine registry).
package pubsub

import (
	"context"

	"github.com/adred-codev/fiopost/pkg/value"
	"github.com/rs/zerolog"
)

// WireType selects how publishLocal treats a non-channel-native payload
// on arrival, matching spec §4.2 step 2 ("wire_type == JSON").
type WireType int

const (
	// WireRaw delivers Channel/Payload exactly as given.
	WireRaw WireType = iota
	// WireJSON attempts to JSON-decode Channel and Payload in place;
	// on decode failure the original string Value is kept. This is how
	// non-string values round-trip across the cluster transport.
	WireJSON
)

// Informer is how the PostOffice tells a worker's cluster connection
// about local subscription lifecycle, so the root can learn what to
// route (spec §4.1 on_channel_create/destroy, spec invariant 7). A
// single-process PostOffice (no cluster attached) uses a no-op Informer.
type Informer interface {
	InformSubscribe(channel value.Value, pattern bool)
	InformUnsubscribe(channel value.Value, pattern bool)
	// IsRoot reports whether this process is the cluster root, which
	// changes Root-engine publish semantics (spec §4.3).
	IsRoot() bool
	// Broadcast sends a message to every OTHER process in the cluster:
	// to the root if called from a worker (which then re-broadcasts to
	// the remaining workers), or to every worker if called from root
	// (spec §4.5 FORWARD handling). Local delivery is the caller's
	// responsibility via publishLocal, not Broadcast's.
	Broadcast(channel, payload value.Value, filter int32)
	// SendToRoot sends a message to the root only (spec §4.3 Root engine).
	SendToRoot(channel, payload value.Value, filter int32)
}

type noopInformer struct{}

func (noopInformer) InformSubscribe(value.Value, bool)      {}
func (noopInformer) InformUnsubscribe(value.Value, bool)    {}
func (noopInformer) IsRoot() bool                           { return true }
func (noopInformer) Broadcast(value.Value, value.Value, int32) {}
func (noopInformer) SendToRoot(value.Value, value.Value, int32) {}

// PostOffice is the process-wide singleton described in spec §9: three
// Collections (filters, pubsub, patterns), an engine registry, an
// ordered metadata-hook list, and the deferred-task queue every
// callback runs on.
type PostOffice struct {
	filters  *collection
	pubsub   *collection
	patterns *collection

	engines *EngineRegistry
	meta    *metaRegistry
	queue   *deferredQueue

	informer Informer
	metrics  Metrics
	logger   zerolog.Logger
}

// Options configures a new PostOffice.
type Options struct {
	WorkerCount int
	QueueSize   int
	Informer    Informer // nil uses a no-op (single-process mode)
	Metrics     Metrics  // nil uses a no-op
	Logger      zerolog.Logger
}

// New constructs a PostOffice. Call Start before Subscribe/Publish.
func New(opts Options) *PostOffice {
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 4
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.WorkerCount * 256
	}
	informer := opts.Informer
	if informer == nil {
		informer = noopInformer{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := opts.Logger.With().Str("component", "postoffice").Logger()
	return &PostOffice{
		filters:  newCollection("filters", true, logger),
		pubsub:   newCollection("pubsub", false, logger),
		patterns: newCollection("patterns", false, logger),
		engines:  newEngineRegistry(logger),
		meta:     newMetaRegistry(),
		queue:    newDeferredQueue(opts.WorkerCount, opts.QueueSize, logger, metrics),
		informer: informer,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start launches the deferred-task worker pool. ctx cancellation is the
// shutdown signal (spec §4.6 ON_FINISH); call ResetLocks first if this
// process just forked (spec §4.6 IN_CHILD) before Start.
func (po *PostOffice) Start(ctx context.Context) {
	po.queue.Start(ctx)
}

// Wait blocks until every deferred-task worker has drained and exited.
func (po *PostOffice) Wait() { po.queue.Stop() }

// ResetLocks is the IN_CHILD lifecycle step (spec §4.6 IN_CHILD, §9
// "Process-wide state"). Its body is empty: it does not re-initialize
// any lock field, so a lock that was held when the process forked stays
// held.
//
// Go's runtime forbids calling fork+exec without going through
// os/exec, and goroutines (unlike OS threads) never survive a literal
// fork; a process that forks via cgo, or a supervisor that re-execs into
// a fresh process image, constructs a brand-new PostOffice whose locks
// all start unlocked. ResetLocks is kept as an explicit, named lifecycle
// step so the five hook call sites in spec §4.6 all have a concrete home.
func (po *PostOffice) ResetLocks() {}

// SubscribeArgs mirrors spec §4.1 subscribe(args). Exactly one of
// Filter (non-zero) or Channel must be set (spec invariant 5).
type SubscribeArgs struct {
	Filter        int32
	Channel       *value.Value
	MatchFn       MatchFunc
	OnMessage     func(*Message)
	OnUnsubscribe func(udata1, udata2 any)
	UData1        any
	UData2        any
}

// Subscribe implements spec §4.1/§6 subscribe(args). It returns nil and
// fires OnUnsubscribe immediately if args violates its preconditions.
func (po *PostOffice) Subscribe(args SubscribeArgs) *Subscription {
	if args.OnMessage == nil || (args.Filter != 0) == (args.Channel != nil) {
		if args.OnUnsubscribe != nil {
			args.OnUnsubscribe(args.UData1, args.UData2)
		}
		return nil
	}

	var target *collection
	var id value.Value
	isPattern := false
	if args.Filter != 0 {
		target = po.filters
		id = value.Number(args.Filter)
	} else {
		id = args.Channel.Dup()
		if args.MatchFn != nil {
			target = po.patterns
			isPattern = true
		} else {
			target = po.pubsub
		}
	}

	ch, created := target.findOrCreate(id, args.MatchFn)
	id.Release() // findOrCreate/target now own a Dup'd copy, if newly created

	sub := &Subscription{
		onMessage:     args.OnMessage,
		onUnsubscribe: args.OnUnsubscribe,
		udata1:        args.UData1,
		udata2:        args.UData2,
		parent:        ch,
		ref:           1,
	}
	ch.addSubscription(sub)

	if created && target != po.filters {
		po.onChannelCreate(ch, isPattern)
	}
	po.metrics.SubscribeTotal()
	po.metrics.ChannelsGauge(target.name, target.size())
	return sub
}

// SubscribePubSub forces Filter=0, per spec §6 subscribe_pubsub.
func (po *PostOffice) SubscribePubSub(args SubscribeArgs) *Subscription {
	args.Filter = 0
	return po.Subscribe(args)
}

// Unsubscribe implements spec §4.1 unsubscribe(S). Calling it twice on
// the same Subscription is undefined, as documented in spec §6.
func (po *PostOffice) Unsubscribe(s *Subscription) {
	po.unsubscribe(s)
}

func (po *PostOffice) unsubscribe(s *Subscription) {
	ch := s.parent
	if !ch.lock.TryLock() {
		po.queue.Submit(func() { po.unsubscribe(s) })
		return
	}
	delete(ch.subs, s)
	empty := len(ch.subs) == 0
	ch.lock.Unlock()

	if empty {
		col := ch.parent
		if col.reapIfEmpty(ch) && col != po.filters {
			po.onChannelDestroy(ch, col == po.patterns)
		}
	}

	po.metrics.UnsubscribeTotal()
	po.metrics.ChannelsGauge(ch.parent.name, ch.parent.size())
	s.addRef(-1)
}

// ChannelOf returns the channel identifier s is bound to (spec §4.1
// channel_of / §6 subscription_channel). Valid only while s is live.
func (po *PostOffice) ChannelOf(s *Subscription) value.Value {
	return s.parent.id
}

// onChannelCreate runs under no lock (called after Ch.lock is released
// by addSubscription's caller) and notifies engines then the cluster,
// per spec §4.1.
func (po *PostOffice) onChannelCreate(ch *channel, pattern bool) {
	for _, e := range po.engines.snapshot() {
		e.Subscribe(ch.id, pattern)
	}
	po.informer.InformSubscribe(ch.id, pattern)
}

func (po *PostOffice) onChannelDestroy(ch *channel, pattern bool) {
	for _, e := range po.engines.snapshot() {
		e.Unsubscribe(ch.id, pattern)
	}
	po.informer.InformUnsubscribe(ch.id, pattern)
}

// AddMetaHook registers hook (spec §6 message_metadata_set(cb, true)).
func (po *PostOffice) AddMetaHook(hook MetaHook) MetaHookToken {
	return po.meta.Add(hook)
}

// RemoveMetaHook unregisters the hook identified by tok (spec §6
// message_metadata_set(cb, false)).
func (po *PostOffice) RemoveMetaHook(tok MetaHookToken) {
	po.meta.Remove(tok)
}

// Engines returns the engine registry for Attach/Detach/Reattach calls.
func (po *PostOffice) Engines() *EngineRegistry { return po.engines }

// FireEngineStartup runs OnStartup on every attached engine. The cluster
// transport calls this once per worker after its connection to root is
// established (spec §4.5 "Worker connect hook").
func (po *PostOffice) FireEngineStartup() { po.engines.fireOnStartup() }

// SnapshotSubscriptions returns every live exact-match and pattern
// channel identifier currently registered. The cluster transport's
// worker connect hook uses this to emit PUBSUB_SUB/PATTERN_SUB frames
// for subscriptions created before the connection to root existed
// (spec §4.5).
func (po *PostOffice) SnapshotSubscriptions() (pubsubChannels, patternChannels []value.Value) {
	for _, ch := range po.pubsub.snapshotAll() {
		pubsubChannels = append(pubsubChannels, ch.id)
	}
	for _, ch := range po.patterns.snapshotAll() {
		patternChannels = append(patternChannels, ch.id)
	}
	return pubsubChannels, patternChannels
}

// PublishArgs mirrors spec §6 publish({filter, channel, message, engine}).
type PublishArgs struct {
	Filter  int32
	Channel value.Value
	Message value.Value
	Engine  Engine // nil selects the default engine
	Wire    WireType
}

// Publish implements spec §4.2/§4.3/§6 publish. Filter-mode publishes
// never reach engines at all (spec §4.3): they are always local-only.
func (po *PostOffice) Publish(args PublishArgs) {
	po.metrics.PublishTotal(args.Filter != 0)

	if args.Filter != 0 {
		po.publishLocal(args.Filter, args.Channel, args.Message, args.Wire)
		return
	}

	engine := args.Engine
	if engine == nil {
		engine = po.engines.defaultEngine()
	}

	switch engine {
	case Process:
		po.publishLocal(0, args.Channel, args.Message, args.Wire)
	case Cluster:
		po.informer.Broadcast(args.Channel, args.Message, 0)
		po.publishLocal(0, args.Channel, args.Message, args.Wire)
	case Siblings:
		po.informer.Broadcast(args.Channel, args.Message, 0)
	case Root:
		if po.informer.IsRoot() {
			po.publishLocal(0, args.Channel, args.Message, args.Wire)
		} else {
			po.informer.SendToRoot(args.Channel, args.Message, 0)
		}
	default:
		// Custom engines own delivery: publishing through a bridge
		// engine forwards to the external broker, which is expected to
		// feed messages back into this process's local dispatch (e.g.
		// a NATS subscription calling Publish with engine=Process) if
		// this process also subscribes locally.
		for _, e := range po.engines.snapshot() {
			if e == engine {
				e.Publish(args.Channel, args.Message, 0)
				return
			}
		}
		po.publishLocal(0, args.Channel, args.Message, args.Wire)
	}
}

// publishLocal is spec §4.2 publish_local.
func (po *PostOffice) publishLocal(filter int32, channel, payload value.Value, wire WireType) {
	msg := newSharedMessage(channel.Dup(), payload.Dup(), filter)

	rawChannel, rawPayload := msg.channel, msg.payload
	if wire == WireJSON {
		if decoded, ok := value.DecodeJSON(msg.channel.AsBytes()); ok {
			msg.channel = decoded
		}
		if decoded, ok := value.DecodeJSON(msg.payload.AsBytes()); ok {
			msg.payload = decoded
		}
	}

	if filter == 0 {
		for _, hook := range po.meta.snapshot() {
			if typeID, data, onFinish, ok := hook(&Message{shared: msg}, rawChannel, rawPayload); ok {
				msg.prependMeta(typeID, data, onFinish)
			}
		}
	}

	if filter != 0 {
		if ch, ok := po.filters.find(value.Number(filter)); ok {
			po.publishToChannel(ch, msg)
		}
	} else {
		if ch, ok := po.pubsub.find(msg.channel); ok {
			po.publishToChannel(ch, msg)
		}
		for _, ch := range po.patterns.snapshotAll() {
			if ch.matchFn(ch.id, msg.channel) {
				po.publishToChannel(ch, msg)
			}
		}
	}

	msg.release(1)
}

// publishToChannel is spec §4.2 publish_to_channel: fan out under
// Ch.lock, bumping both the subscription's and the message's reference
// count once per scheduled delivery.
func (po *PostOffice) publishToChannel(ch *channel, msg *sharedMessage) {
	ch.lock.Lock()
	subs := make([]*Subscription, 0, len(ch.subs))
	for s := range ch.subs {
		subs = append(subs, s)
	}
	ch.lock.Unlock()

	for _, s := range subs {
		s.addRef(1)
		msg.addRef(1)
		po.queue.Submit(func() { po.performDelivery(s, msg) })
	}
}

// performDelivery is spec §4.2 perform_delivery: a try-lock on S.lock
// for per-subscription serialization (invariant 3), with message_defer
// support for cooperative redelivery.
func (po *PostOffice) performDelivery(s *Subscription, msg *sharedMessage) {
	if !s.tryLock() {
		po.queue.Submit(func() { po.performDelivery(s, msg) })
		return
	}

	view := &Message{shared: msg, UData1: s.udata1, UData2: s.udata2}
	s.onMessage(view)
	s.unlock()

	po.metrics.DeliverTotal()

	if view.deferred {
		po.metrics.DeferTotal()
		po.queue.Submit(func() { po.performDelivery(s, msg) })
		return
	}

	msg.release(1)
	s.addRef(-1)
}

// QueueStats reports the deferred-task queue's current depth, capacity
// and lifetime overflow count, for the ambient Prometheus metrics.
func (po *PostOffice) QueueStats() (depth, capacity int, overflow int64) {
	return po.queue.Depth(), po.queue.Capacity(), po.queue.OverflowCount()
}

// AtExit walks all three collections unsubscribing every remaining
// subscription so OnUnsubscribe fires, then detaches every engine
// (spec §4.6 AT_EXIT).
func (po *PostOffice) AtExit() {
	for _, col := range []*collection{po.filters, po.pubsub, po.patterns} {
		for _, ch := range col.snapshotAll() {
			for _, s := range ch.snapshot() {
				po.unsubscribe(s)
			}
		}
	}
	for _, e := range po.engines.snapshot() {
		po.engines.Detach(e)
	}
}

// Stats reports the number of live channels per collection, for tests
// and the Prometheus gauges in internal/metrics.
func (po *PostOffice) Stats() (filters, pubsubChannels, patterns int) {
	return po.filters.size(), po.pubsub.size(), po.patterns.size()
}
