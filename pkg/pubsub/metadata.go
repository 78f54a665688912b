package pubsub

import (
	"sync"

	"github.com/adred-codev/fiopost/pkg/value"
)

// MetaHook attaches typed metadata to an in-flight message before
// fan-out (spec §3 Metadata entry, §4.2 step 3). rawChannel/rawPayload
// are the pre-decode string Values when the publish arrived JSON-wire
// encoded, or the already-decoded Values otherwise. A hook that has
// nothing to attach returns ok=false.
type MetaHook func(msg *Message, rawChannel, rawPayload value.Value) (typeID int64, data any, onFinish MetaFinisher, ok bool)

// MetaHookToken identifies a registered hook for later removal via
// message_metadata_set(hook, false) (spec §6). Go func values aren't
// comparable, so Add hands back this opaque token instead.
type MetaHookToken struct{ id uint64 }

type metaHookEntry struct {
	id   uint64
	hook MetaHook
}

// metaRegistry is the ordered list of metadata hooks (spec §4.2/§6
// message_metadata_set), copied out under lock before invocation so
// user code never runs while the hook-list lock is held (spec §5).
type metaRegistry struct {
	mu     sync.Mutex
	nextID uint64
	hooks  []metaHookEntry
}

func newMetaRegistry() *metaRegistry {
	return &metaRegistry{}
}

// Add registers hook and returns a token usable with Remove.
func (r *metaRegistry) Add(hook MetaHook) MetaHookToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.hooks = append(r.hooks, metaHookEntry{id: id, hook: hook})
	return MetaHookToken{id: id}
}

// Remove unregisters the hook identified by tok, if still present.
func (r *metaRegistry) Remove(tok MetaHookToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.hooks {
		if e.id == tok.id {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return
		}
	}
}

func (r *metaRegistry) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks) == 0
}

// snapshot copies the hook slice out from under the lock (spec §4.2:
// "hooks are snapshotted before invocation to avoid running user code
// under the lock").
func (r *metaRegistry) snapshot() []MetaHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MetaHook, len(r.hooks))
	for i, e := range r.hooks {
		out[i] = e.hook
	}
	return out
}
