// Package enginenats bridges the post office to a NATS broker,
// implementing pubsub.Engine (spec §4.3 custom engine). It is grounded
// in the teacher's pkg/nats/client.go connection-handling pattern,
// generalized from the teacher's fixed set of Odin subject builders to
// an arbitrary channel-to-subject mapping driven by whatever channels
// PostOffice subscribes it to.
package enginenats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/fiopost/pkg/pubsub"
	"github.com/adred-codev/fiopost/pkg/value"
)

// Config mirrors the teacher's pkg/nats/client.go Config, adding
// SubjectPrefix so one NATS account can host multiple fiopost clusters.
type Config struct {
	URL             string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever, matching nats.go's own "unlimited" sentinel
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 3
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	return c
}

// Engine bridges a PostOffice to a NATS connection. Subscribe/Unsubscribe
// mirror the channel to a NATS subject; a NATS delivery calls back into
// the post office with Engine: pubsub.Process so the message dispatches
// locally without being re-published to NATS (spec §4.3 custom-engine
// feedback loop avoidance, documented at pubsub.PostOffice.Publish).
type Engine struct {
	conn   *nats.Conn
	po     *pubsub.PostOffice
	logger zerolog.Logger
	prefix string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS and returns an Engine ready to Attach to a
// PostOffice's EngineRegistry. po is the post office messages arriving
// from NATS are delivered into.
func Connect(cfg Config, po *pubsub.PostOffice, logger zerolog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		po:     po,
		logger: logger.With().Str("component", "engine_nats").Logger(),
		prefix: cfg.SubjectPrefix,
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(e.onConnect),
		nats.DisconnectErrHandler(e.onDisconnect),
		nats.ReconnectHandler(e.onReconnect),
		nats.ErrorHandler(e.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("enginenats: connect: %w", err)
	}
	e.conn = conn
	return e, nil
}

func (e *Engine) onConnect(c *nats.Conn) {
	e.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
}

func (e *Engine) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		e.logger.Warn().Err(err).Msg("disconnected from nats")
		return
	}
	e.logger.Warn().Msg("disconnected from nats")
}

func (e *Engine) onReconnect(c *nats.Conn) {
	e.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
}

func (e *Engine) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	e.logger.Error().Err(err).Str("subject", subject).Msg("nats error")
}

// Subscribe opens a NATS subscription mirroring channel. Re-subscribing
// to a channel already bridged is a no-op, since EngineRegistry.Attach
// replays the full subscription set on every attach (spec §4.3).
func (e *Engine) Subscribe(channel value.Value, pattern bool) {
	subj := e.subject(channel, pattern)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[subj]; ok {
		return
	}
	sub, err := e.conn.Subscribe(subj, e.onMessage)
	if err != nil {
		e.logger.Error().Err(err).Str("subject", subj).Msg("nats subscribe failed")
		return
	}
	e.subs[subj] = sub
}

// Unsubscribe closes the NATS subscription mirroring channel, if any.
func (e *Engine) Unsubscribe(channel value.Value, pattern bool) {
	subj := e.subject(channel, pattern)

	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[subj]
	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		e.logger.Error().Err(err).Str("subject", subj).Msg("nats unsubscribe failed")
	}
	delete(e.subs, subj)
}

// Publish forwards a locally-originated message out to NATS. filter is
// not forwarded: NATS has no concept of fiopost's filter number, and
// filter-mode publishes never reach an Engine in the first place (spec
// §4.3).
func (e *Engine) Publish(channel, payload value.Value, _ int32) {
	subj := e.subject(channel, false)
	if err := e.conn.Publish(subj, payload.AsBytes()); err != nil {
		e.logger.Error().Err(err).Str("subject", subj).Msg("nats publish failed")
	}
}

// OnStartup logs bridge readiness once per worker after the cluster
// client connects (spec §4.5 worker connect hook). Re-subscription is
// already handled by EngineRegistry.Attach's replay, so there is
// nothing else to do here.
func (e *Engine) OnStartup() {
	e.logger.Info().Msg("nats engine ready")
}

// Close unsubscribes everything and closes the connection (without
// draining it), matching the teacher's Client.Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for subj, sub := range e.subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Error().Err(err).Str("subject", subj).Msg("nats unsubscribe on close failed")
		}
	}
	e.conn.Close()
	return nil
}

func (e *Engine) onMessage(msg *nats.Msg) {
	channel := value.StringFrom(e.stripPrefix(msg.Subject))
	payload := value.String(msg.Data)
	e.po.Publish(pubsub.PublishArgs{
		Channel: channel,
		Message: payload,
		Engine:  pubsub.Process,
	})
}

// subject maps a channel Value to a NATS subject. Pattern channels keep
// fiopost's own glob syntax verbatim: a bare '*' already reads as a
// single-token NATS wildcard, which matches the one level of
// backtracking pkg/glob supports (spec §3 glob pattern); multi-level
// NATS wildcards ('>') are not produced since the core has no
// equivalent concept.
func (e *Engine) subject(channel value.Value, _ bool) string {
	s := channel.AsString()
	if e.prefix == "" {
		return s
	}
	return e.prefix + "." + s
}

func (e *Engine) stripPrefix(subject string) string {
	if e.prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, e.prefix+".")
}
