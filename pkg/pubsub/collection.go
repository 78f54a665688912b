package pubsub

import (
	"strconv"
	"sync"

	"github.com/adred-codev/fiopost/pkg/value"
	"github.com/rs/zerolog"
)

// MatchFunc matches a pattern against a candidate channel name. MatchGlob
// (match_glob, a wrapper over pkg/glob.Match) is the built-in instance;
// callers may supply their own.
type MatchFunc func(pattern, candidate value.Value) bool

// Subscription is a live binding of a callback to a Channel (spec §3).
// Fields are unexported; callers interact with it only as an opaque
// handle returned by Subscribe.
type Subscription struct {
	onMessage     func(*Message)
	onUnsubscribe func(udata1, udata2 any)
	udata1        any
	udata2        any
	parent        *channel

	lock sync.Mutex // never invoke onMessage concurrently for this S (invariant 3)

	refMu sync.Mutex
	ref   int64
}

func (s *Subscription) addRef(n int64) {
	s.refMu.Lock()
	s.ref += n
	remaining := s.ref
	s.refMu.Unlock()
	if remaining == 0 {
		if s.onUnsubscribe != nil {
			s.onUnsubscribe(s.udata1, s.udata2)
		}
	}
}

func (s *Subscription) tryLock() bool { return s.lock.TryLock() }
func (s *Subscription) unlock()       { s.lock.Unlock() }

// channel is a Channel (spec §3): a named delivery endpoint owning an
// unordered set of Subscriptions.
type channel struct {
	id      value.Value
	matchFn MatchFunc // non-nil only for pattern channels
	parent  *collection

	lock sync.Mutex
	subs map[*Subscription]struct{}
}

func newChannel(id value.Value, parent *collection, matchFn MatchFunc) *channel {
	return &channel{id: id, parent: parent, matchFn: matchFn, subs: make(map[*Subscription]struct{})}
}

func (ch *channel) addSubscription(s *Subscription) {
	ch.lock.Lock()
	ch.subs[s] = struct{}{}
	ch.lock.Unlock()
}

func (ch *channel) snapshot() []*Subscription {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	out := make([]*Subscription, 0, len(ch.subs))
	for s := range ch.subs {
		out = append(out, s)
	}
	return out
}

// collection is a Collection (spec §3): {channels: map<V,Ch>, lock}.
// Channel identifiers are normalized to a string key since value.Value
// is not itself map-keyable (it carries a byte slice).
type collection struct {
	name   string // "filters" | "pubsub" | "patterns" for logging/metrics
	isMeta bool   // true for filters: no engine/root notification on create/destroy

	mu       sync.Mutex
	channels map[string]*channel
	logger   zerolog.Logger
}

func newCollection(name string, isMeta bool, logger zerolog.Logger) *collection {
	return &collection{
		name:     name,
		isMeta:   isMeta,
		channels: make(map[string]*channel),
		logger:   logger.With().Str("collection", name).Logger(),
	}
}

func channelKey(id value.Value) string {
	if id.TypeIsString() {
		return id.AsString()
	}
	return "#" + strconv.FormatInt(int64(id.AsInt32()), 10)
}

// findOrCreate returns the Channel for id, creating it (and reporting
// created=true) if absent. Runs under Col.lock per spec §4.1.
func (c *collection) findOrCreate(id value.Value, matchFn MatchFunc) (ch *channel, created bool) {
	key := channelKey(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.channels[key]; ok {
		return existing, false
	}
	ch = newChannel(id.Dup(), c, matchFn)
	c.channels[key] = ch
	return ch, true
}

// find returns the Channel for id without creating it.
func (c *collection) find(id value.Value) (*channel, bool) {
	key := channelKey(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[key]
	return ch, ok
}

// reapIfEmpty re-checks emptiness under Col.lock (another subscriber may
// have raced in since the Ch.lock-protected check) and removes the
// channel if it is still empty. Reports whether it removed the channel.
func (c *collection) reapIfEmpty(ch *channel) bool {
	key := channelKey(ch.id)
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.channels[key]
	if !ok || current != ch {
		return false
	}
	ch.lock.Lock()
	stillEmpty := len(ch.subs) == 0
	ch.lock.Unlock()
	if !stillEmpty {
		return false
	}
	delete(c.channels, key)
	ch.id.Release()
	return true
}

func (c *collection) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// snapshotAll returns every live channel, for pattern matching during
// publish and for lifecycle teardown.
func (c *collection) snapshotAll() []*channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}
