package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/fiopost/pkg/pubsub"
	"github.com/adred-codev/fiopost/pkg/value"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Role distinguishes the root process from its forked worker children
// (spec §4.5 topology).
type Role int

const (
	RoleRoot Role = iota
	RoleWorker
)

// SocketPath returns the per-PID Unix socket path the root listens on
// and workers connect to (spec §4.5, §6): "$TMPDIR/facil-io-sock-<pid
// in octal>", falling back to /tmp.
func SocketPath(pid int) string {
	dir := os.Getenv("TMPDIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, fmt.Sprintf("facil-io-sock-%o", pid))
}

// Config configures a Transport.
type Config struct {
	Role Role
	// PostOffice may be left nil and supplied later via Bind, which is
	// required when this Transport is itself the PostOffice's Informer
	// (see Bind's doc comment).
	PostOffice *pubsub.PostOffice
	SocketPath string

	// HeartbeatInterval sets the idle PING cadence (spec §4.5). Defaults
	// to 5s.
	HeartbeatInterval time.Duration

	// OnParentCrash fires on a worker whose root connection closed
	// without a prior SHUTDOWN frame (spec §4.5 "parent-crash
	// detection", §4.6 ON_PARENT_CRUSH [sic]). Ignored on root.
	OnParentCrash func()

	Logger zerolog.Logger
}

// Transport is the cluster transport (spec C8): the root's Unix-socket
// listener, each worker's connection to it, per-peer frame dispatch,
// heartbeat, and parent-crash detection. It implements pubsub.Informer
// so a PostOffice can reach across the fork topology without importing
// this package.
type Transport struct {
	cfg    Config
	po     *pubsub.PostOffice
	logger zerolog.Logger

	// logLimiter throttles repeated warnings from connection churn
	// (accept errors, broken peers) so a flapping worker can't flood
	// the log.
	logLimiter *rate.Limiter

	listener net.Listener

	mu    sync.Mutex
	peers map[*peerConn]struct{}

	root *peerConn // worker only
}

// Bind attaches the PostOffice this Transport dispatches received
// frames into. Transport and PostOffice have a circular dependency (a
// PostOffice is constructed with its Informer, and this Transport *is*
// that Informer) so callers construct the Transport first with
// Config.PostOffice left nil, construct the PostOffice with Informer:
// transport, then call Bind before ListenRoot/DialWorker.
func (t *Transport) Bind(po *pubsub.PostOffice) { t.po = po }

// New constructs a Transport. Call ListenRoot (root) or DialWorker
// (worker) to bring it up.
func New(cfg Config) *Transport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Transport{
		cfg:        cfg,
		po:         cfg.PostOffice,
		logger:     cfg.Logger.With().Str("component", "cluster").Logger(),
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		peers:      make(map[*peerConn]struct{}),
	}
}

func (t *Transport) warnThrottled(err error, msg string) {
	if t.logLimiter.Allow() {
		t.logger.Warn().Err(err).Msg(msg)
	}
}

// peerConn holds per-connection state: the frame parser, a write mutex
// (writes may come from the dispatch goroutine and from Broadcast
// concurrently), and the placeholder subscription registry root keeps
// per worker (spec §4.5 PUBSUB_SUB/PATTERN_SUB).
type peerConn struct {
	conn   net.Conn
	parser *Parser

	writeMu sync.Mutex

	subMu       sync.Mutex
	pubsubSubs  map[string]struct{}
	patternSubs map[string]struct{}

	sawShutdown atomic.Bool
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{
		conn:        conn,
		parser:      NewParser(conn),
		pubsubSubs:  make(map[string]struct{}),
		patternSubs: make(map[string]struct{}),
	}
}

func (pc *peerConn) writeRaw(raw []byte) {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_, _ = pc.conn.Write(raw)
}

func (pc *peerConn) registerSub(channel string, pattern bool) {
	pc.subMu.Lock()
	defer pc.subMu.Unlock()
	if pattern {
		pc.patternSubs[channel] = struct{}{}
	} else {
		pc.pubsubSubs[channel] = struct{}{}
	}
}

func (pc *peerConn) unregisterSub(channel string, pattern bool) {
	pc.subMu.Lock()
	defer pc.subMu.Unlock()
	if pattern {
		delete(pc.patternSubs, channel)
	} else {
		delete(pc.pubsubSubs, channel)
	}
}

func (t *Transport) addPeer(pc *peerConn) {
	t.mu.Lock()
	t.peers[pc] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) removePeer(pc *peerConn) {
	t.mu.Lock()
	delete(t.peers, pc)
	t.mu.Unlock()
}

// ListenRoot binds the per-PID cluster socket and begins accepting
// worker connections (spec §4.6 PRE_START).
func (t *Transport) ListenRoot(ctx context.Context) error {
	l, err := net.Listen("unix", t.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", t.cfg.SocketPath, err)
	}
	t.listener = l
	go t.acceptLoop(ctx)
	go t.heartbeatLoop(ctx)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.warnThrottled(err, "cluster: accept failed")
			return
		}
		pc := newPeerConn(conn)
		t.addPeer(pc)
		go t.rootServePeer(ctx, pc)
	}
}

func (t *Transport) rootServePeer(ctx context.Context, pc *peerConn) {
	defer func() {
		t.removePeer(pc)
		pc.conn.Close()
	}()
	for {
		f, err := pc.parser.ReadFrame()
		if err != nil {
			var tooLarge *ErrFrameTooLarge
			if errors.As(err, &tooLarge) {
				t.logger.Fatal().Err(err).Msg("cluster: frame limit exceeded")
			}
			if !errors.Is(err, io.EOF) {
				t.warnThrottled(err, "cluster: peer read failed")
			}
			return
		}
		t.handleRootFrame(pc, f)
	}
}

func (t *Transport) handleRootFrame(pc *peerConn, f Frame) {
	switch f.Type {
	case FrameForward, FrameJSON:
		t.broadcastExcept(pc, f)
		t.dispatchLocal(f)
	case FrameRoot, FrameRootJSON:
		local := f
		if local.Type == FrameRootJSON {
			local.Type = FrameJSON
		} else {
			local.Type = FrameForward
		}
		t.dispatchLocal(local)
	case FramePubSubSub:
		pc.registerSub(string(f.Channel), false)
	case FramePubSubUnsub:
		pc.unregisterSub(string(f.Channel), false)
	case FramePatternSub:
		pc.registerSub(string(f.Channel), true)
	case FramePatternUnsub:
		pc.unregisterSub(string(f.Channel), true)
	case FrameShutdown, FrameError, FramePing:
		// no-op at the message layer; liveness is a connection concern.
	}
}

// broadcastExcept re-sends f verbatim to every connected peer other
// than sender (spec §4.5 FORWARD/JSON root handling).
func (t *Transport) broadcastExcept(sender *peerConn, f Frame) {
	raw, err := Encode(f)
	if err != nil {
		t.logger.Error().Err(err).Msg("cluster: re-encode forward frame failed")
		return
	}
	t.mu.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for pc := range t.peers {
		if pc != sender {
			peers = append(peers, pc)
		}
	}
	t.mu.Unlock()
	for _, pc := range peers {
		pc.writeRaw(raw)
	}
}

func (t *Transport) broadcastToAll(typ FrameType, ch, pl []byte, filter int32) {
	raw, err := Encode(Frame{Type: typ, Filter: filter, Channel: ch, Payload: pl})
	if err != nil {
		t.logger.Error().Err(err).Msg("cluster: encode broadcast frame failed")
		return
	}
	t.mu.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for pc := range t.peers {
		peers = append(peers, pc)
	}
	t.mu.Unlock()
	for _, pc := range peers {
		pc.writeRaw(raw)
	}
}

// dispatchLocal decodes a received FORWARD/JSON/ROOT/ROOT_JSON frame
// back into Values and runs it through this process's own PostOffice
// (spec §4.2 C4, invoked per §4.5 "dispatch locally via C4").
func (t *Transport) dispatchLocal(f Frame) {
	wire := pubsub.WireRaw
	if f.Type == FrameJSON {
		wire = pubsub.WireJSON
	}
	t.po.Publish(pubsub.PublishArgs{
		Filter:  f.Filter,
		Channel: value.String(f.Channel),
		Message: value.String(f.Payload),
		Engine:  pubsub.Process,
		Wire:    wire,
	})
}

// DialWorker connects to root's cluster socket, announces this
// process's existing local subscriptions, fires engine startup hooks,
// and begins serving frames from root (spec §4.6 ON_START, §4.5
// "Worker connect hook").
func (t *Transport) DialWorker(ctx context.Context) error {
	conn, err := net.Dial("unix", t.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("cluster: dial %s: %w", t.cfg.SocketPath, err)
	}
	pc := newPeerConn(conn)
	t.root = pc
	t.announceSubscriptions(pc)
	t.po.FireEngineStartup()
	go t.workerServe(ctx, pc)
	go t.heartbeatLoop(ctx)
	return nil
}

func (t *Transport) announceSubscriptions(pc *peerConn) {
	pubsubChans, patternChans := t.po.SnapshotSubscriptions()
	for _, ch := range pubsubChans {
		t.sendFrame(pc, FramePubSubSub, ch.AsBytes(), nil, 0)
	}
	for _, ch := range patternChans {
		t.sendFrame(pc, FramePatternSub, ch.AsBytes(), nil, 0)
	}
}

func (t *Transport) workerServe(ctx context.Context, pc *peerConn) {
	defer func() {
		pc.conn.Close()
		if pc.sawShutdown.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.warnThrottled(nil, "cluster: root connection closed without SHUTDOWN; treating as parent crash")
		if t.cfg.OnParentCrash != nil {
			t.cfg.OnParentCrash()
		}
		selfInterrupt()
	}()
	for {
		f, err := pc.parser.ReadFrame()
		if err != nil {
			return
		}
		t.handleWorkerFrame(pc, f)
	}
}

func (t *Transport) handleWorkerFrame(pc *peerConn, f Frame) {
	switch f.Type {
	case FrameForward, FrameJSON:
		t.dispatchLocal(f)
	case FrameShutdown:
		pc.sawShutdown.Store(true)
		selfInterrupt()
	default:
		t.logger.Debug().Stringer("type", f.Type).Msg("cluster: ignoring frame illegal from root")
	}
}

func selfInterrupt() {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	_ = p.Signal(syscall.SIGINT)
}

func (t *Transport) sendFrame(pc *peerConn, typ FrameType, channel, payload []byte, filter int32) {
	if pc == nil {
		return
	}
	raw, err := Encode(Frame{Type: typ, Filter: filter, Channel: channel, Payload: payload})
	if err != nil {
		t.logger.Error().Err(err).Msg("cluster: encode frame failed")
		return
	}
	pc.writeRaw(raw)
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.cfg.Role == RoleRoot {
				t.broadcastToAll(FramePing, nil, nil, 0)
			} else {
				t.sendFrame(t.root, FramePing, nil, nil, 0)
			}
		}
	}
}

// SignalChildren broadcasts a SHUTDOWN frame to every connected worker
// (spec §6 cluster_signal_children). Root-only; a no-op on workers.
func (t *Transport) SignalChildren() {
	if t.cfg.Role != RoleRoot {
		return
	}
	t.broadcastToAll(FrameShutdown, nil, nil, 0)
}

// Close closes every peer connection and, on root, the listener and
// the socket file (spec §4.6 ON_FINISH). On a worker the root connection
// is marked as shut down before it is closed, so this orderly close is
// not taken for a parent crash.
func (t *Transport) Close() error {
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.Lock()
	for pc := range t.peers {
		pc.conn.Close()
	}
	t.mu.Unlock()
	if t.root != nil {
		t.root.sawShutdown.Store(true)
		t.root.conn.Close()
	}
	if t.cfg.Role == RoleRoot {
		_ = os.Remove(t.cfg.SocketPath)
	}
	return err
}

// --- pubsub.Informer ---

func (t *Transport) InformSubscribe(channel value.Value, pattern bool) {
	if t.cfg.Role == RoleRoot {
		return // invariant 7: root informs nothing
	}
	typ := FramePubSubSub
	if pattern {
		typ = FramePatternSub
	}
	t.sendFrame(t.root, typ, channel.AsBytes(), nil, 0)
}

func (t *Transport) InformUnsubscribe(channel value.Value, pattern bool) {
	if t.cfg.Role == RoleRoot {
		return
	}
	typ := FramePubSubUnsub
	if pattern {
		typ = FramePatternUnsub
	}
	t.sendFrame(t.root, typ, channel.AsBytes(), nil, 0)
}

func (t *Transport) IsRoot() bool { return t.cfg.Role == RoleRoot }

// Broadcast sends to every other process: directly to all workers if
// this is root, or to root (for onward relay) if this is a worker.
func (t *Transport) Broadcast(channel, payload value.Value, filter int32) {
	typ, chBytes, plBytes := encodeWireValues(channel, payload)
	if t.cfg.Role == RoleRoot {
		t.broadcastToAll(typ, chBytes, plBytes, filter)
	} else {
		t.sendFrame(t.root, typ, chBytes, plBytes, filter)
	}
}

// SendToRoot sends a ROOT/ROOT_JSON frame to root. Unreachable on root
// itself, since PostOffice.Publish only calls it when !IsRoot().
func (t *Transport) SendToRoot(channel, payload value.Value, filter int32) {
	if t.cfg.Role == RoleRoot {
		return
	}
	typ, chBytes, plBytes := encodeWireValues(channel, payload)
	rootTyp := FrameRoot
	if typ == FrameJSON {
		rootTyp = FrameRootJSON
	}
	t.sendFrame(t.root, rootTyp, chBytes, plBytes, filter)
}

// encodeWireValues picks FORWARD for an all-string pair (the common
// case) and JSON when either side needs a type-preserving round trip
// (spec §4.2 step 2).
func encodeWireValues(channel, payload value.Value) (FrameType, []byte, []byte) {
	if channel.TypeIsString() && payload.TypeIsString() {
		return FrameForward, channel.AsBytes(), payload.AsBytes()
	}
	chJSON, _ := channel.MarshalJSON()
	plJSON, _ := payload.MarshalJSON()
	return FrameJSON, chJSON, plJSON
}
