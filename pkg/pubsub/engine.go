package pubsub

import (
	"sync"

	"github.com/adred-codev/fiopost/pkg/value"
	"github.com/rs/zerolog"
)

// Engine is the pluggable external pub/sub back-end capability (spec
// §4.3/§9): a bridge to a broker outside this process (e.g. NATS). The
// core never interprets an Engine's errors (spec §7 EngineError); it is
// the Engine's own responsibility to log/report them.
type Engine interface {
	Subscribe(channel value.Value, pattern bool)
	Unsubscribe(channel value.Value, pattern bool)
	Publish(channel, payload value.Value, filter int32)
	// OnStartup fires once per worker after the cluster client connects
	// (spec §4.5 worker connect hook).
	OnStartup()
}

// sentinelEngine identifies one of the four built-in engines enumerated
// in spec §4.3 by pointer identity, the same trick the spec's C original
// uses (engines are keyed by pointer identity in the engines Collection).
// Their Publish semantics are implemented directly in PostOffice.Publish,
// which switches on pointer identity before falling through to custom
// engines; these no-op methods exist only so *sentinelEngine satisfies
// Engine.
type sentinelEngine struct {
	name string
}

func (*sentinelEngine) Subscribe(value.Value, bool)             {}
func (*sentinelEngine) Unsubscribe(value.Value, bool)            {}
func (*sentinelEngine) OnStartup()                                {}
func (*sentinelEngine) Publish(value.Value, value.Value, int32) {}

// Built-in engine sentinels (spec §4.3 table). Publish semantics are
// implemented by PostOffice.Publish, which special-cases these pointer
// identities before falling through to the attached custom engines.
var (
	Cluster  Engine = &sentinelEngine{name: "cluster"}
	Process  Engine = &sentinelEngine{name: "process"}
	Siblings Engine = &sentinelEngine{name: "siblings"}
	Root     Engine = &sentinelEngine{name: "root"}
)

// EngineRegistry tracks every attached custom Engine plus which one is
// the default, used when Publish is called with engine=nil (spec §6).
type EngineRegistry struct {
	mu      sync.Mutex
	engines map[Engine]struct{}
	def     Engine
	logger  zerolog.Logger
}

func newEngineRegistry(logger zerolog.Logger) *EngineRegistry {
	return &EngineRegistry{
		engines: make(map[Engine]struct{}),
		def:     Cluster,
		logger:  logger.With().Str("component", "engine_registry").Logger(),
	}
}

// Attach inserts engine and replays every current pub/sub and pattern
// channel to its Subscribe hook (spec §4.3 attach).
func (r *EngineRegistry) Attach(engine Engine, po *PostOffice) {
	r.mu.Lock()
	r.engines[engine] = struct{}{}
	r.mu.Unlock()
	replaySubscriptions(po, engine)
}

// Detach removes engine and, if it was the default, resets the default
// to the built-in Cluster engine.
func (r *EngineRegistry) Detach(engine Engine) {
	r.mu.Lock()
	delete(r.engines, engine)
	if r.def == engine {
		r.def = Cluster
	}
	r.mu.Unlock()
}

// Reattach replays subscriptions to engine without inserting it again,
// for engines that reconnected upstream (spec §4.3).
func (r *EngineRegistry) Reattach(engine Engine, po *PostOffice) {
	replaySubscriptions(po, engine)
}

// IsAttached reports whether engine is currently attached.
func (r *EngineRegistry) IsAttached(engine Engine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.engines[engine]
	return ok
}

// SetDefault designates engine as the default used when Publish is
// called with a nil engine.
func (r *EngineRegistry) SetDefault(engine Engine) {
	r.mu.Lock()
	r.def = engine
	r.mu.Unlock()
}

func (r *EngineRegistry) defaultEngine() Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

// snapshot copies out the attached custom engines under the lock so
// callers (channel create/destroy notification) can iterate without
// holding it, per the copy-under-lock idiom spec §5 requires.
func (r *EngineRegistry) snapshot() []Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Engine, 0, len(r.engines))
	for e := range r.engines {
		out = append(out, e)
	}
	return out
}

func replaySubscriptions(po *PostOffice, engine Engine) {
	for _, ch := range po.pubsub.snapshotAll() {
		engine.Subscribe(ch.id, false)
	}
	for _, ch := range po.patterns.snapshotAll() {
		engine.Subscribe(ch.id, true)
	}
}

// fireOnStartup runs OnStartup on every attached engine, invoked by the
// cluster worker connect hook (spec §4.5).
func (r *EngineRegistry) fireOnStartup() {
	for _, e := range r.snapshot() {
		e.OnStartup()
	}
}
