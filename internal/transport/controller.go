// Package transport drives the mutual-TLS links of a node: dialing the hub
// and peers, accepting inbound links, verifying peer chains against the
// node's trust anchors and CRLs, reading framed envelopes and reconnecting
// to the hub after an unexpected disconnect.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/metrics"
	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/session"
	"github.com/avaropoint/pzone/internal/trust"
)

// Default timings.
const (
	DefaultRetryDelay       = 60 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	eventBuffer             = 64
)

// CredentialSource supplies the current TLS credentials.
type CredentialSource interface {
	Credentials(ctx context.Context) (*trust.Credentials, error)
}

// Sessions is the session manager surface the controller feeds.
type Sessions interface {
	RegisterConnection(id string, h session.Handle, kind session.Kind)
	Release(id string, h session.Handle)
	Enrolled() bool
}

// Dispatcher handles inbound envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, origin session.Origin, env *protocol.Envelope) error
}

// HubLocator resolves the enrolled hub.
type HubLocator interface {
	HubTarget() (id, addr string, ok bool)
}

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config wires a Controller.
type Config struct {
	Credentials CredentialSource
	Sessions    Sessions
	Dispatcher  Dispatcher
	Hub         HubLocator

	Clock            clock.Clock
	Dial             DialFunc
	RetryDelay       time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller owns every link of a node.
type Controller struct {
	creds      CredentialSource
	sessions   Sessions
	dispatcher Dispatcher
	hub        HubLocator
	clock      clock.Clock
	dial       DialFunc
	metrics    *metrics.Metrics
	log        *slog.Logger

	retryDelay       time.Duration
	dialTimeout      time.Duration
	handshakeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closing atomic.Bool

	retryMu sync.Mutex
	retry   *clock.Timer

	mu        sync.Mutex
	links     map[*Link]struct{}
	listeners []net.Listener
	states    map[string]State

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool
}

// New creates a controller. Zero timings take the defaults.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		creds:            cfg.Credentials,
		sessions:         cfg.Sessions,
		dispatcher:       cfg.Dispatcher,
		hub:              cfg.Hub,
		clock:            cfg.Clock,
		dial:             cfg.Dial,
		metrics:          cfg.Metrics,
		log:              logging.Component(cfg.Logger, "transport"),
		retryDelay:       cfg.RetryDelay,
		dialTimeout:      cfg.DialTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		ctx:              ctx,
		cancel:           cancel,
		links:            map[*Link]struct{}{},
		states:           map[string]State{},
		events:           make(chan Event, eventBuffer),
	}
}

// Events returns the link state transitions. The channel is closed by Close.
func (c *Controller) Events() <-chan Event { return c.events }

// LinkState returns the last known state of the link to id.
func (c *Controller) LinkState(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[id]; ok {
		return s
	}
	return StateNotConnected
}

func (c *Controller) publish(kind session.Kind, id string, state State, err error) {
	c.mu.Lock()
	c.states[id] = state
	c.mu.Unlock()

	ev := Event{Kind: kind, ID: id, State: state, Err: err, Time: c.clock.Now()}
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event buffer full, dropping event", "id", id, "state", state)
	}
}

// ConnectHub dials the enrolled hub, verifies that it proves the expected
// hub id and starts reading from the link.
func (c *Controller) ConnectHub(ctx context.Context) error {
	const op = "connectHub"

	if c.closing.Load() {
		return errs.E(errs.KindTransport, op, net.ErrClosed)
	}
	id, addr, ok := c.hub.HubTarget()
	if !ok {
		return errs.Errorf(errs.KindInput, op, "node is not enrolled with a hub")
	}
	c.metrics.HubConnectAttempts.Inc()
	c.publish(session.KindHub, id, StateConnecting, nil)
	c.log.Info("connecting to hub", "hub", id, "addr", addr)

	l, err := c.dialLink(ctx, op, addr, session.KindHub, id)
	if err != nil {
		if errs.Is(err, errs.KindTransport) {
			c.scheduleRetry()
		}
		return err
	}
	c.CancelRetry()
	c.attach(l)
	return nil
}

// ConnectPeer dials a peer node and starts reading from the link. It
// returns the peer's verified session id.
func (c *Controller) ConnectPeer(ctx context.Context, addr string) (string, error) {
	const op = "connectPeer"
	if c.closing.Load() {
		return "", errs.E(errs.KindTransport, op, net.ErrClosed)
	}
	l, err := c.dialLink(ctx, op, addr, session.KindPeer, "")
	if err != nil {
		return "", err
	}
	c.attach(l)
	return l.id, nil
}

// dialLink opens and verifies a client link. When want is set the peer
// must prove that id.
func (c *Controller) dialLink(ctx context.Context, op, addr string, kind session.Kind, want string) (*Link, error) {
	label := want
	if label == "" {
		label = addr
	}

	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		c.publish(kind, label, StateNotConnected, err)
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	raw, err := c.dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		err = errs.E(errs.KindTransport, op, err)
		c.publish(kind, label, StateNotConnected, err)
		return nil, err
	}

	var peer peerInfo
	conn := tls.Client(raw, tlsConfig(creds, false, c.clock.Now, &peer))
	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	err = conn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		raw.Close() //nolint:errcheck
		return nil, c.handshakeFailed(op, kind, label, err)
	}
	if want != "" && peer.ID != want {
		conn.Close() //nolint:errcheck
		err := errs.Errorf(errs.KindAuthentication, op, "peer proved identity %q, expected %q", peer.ID, want)
		c.metrics.AuthFailures.WithLabelValues("identity_mismatch").Inc()
		c.publish(kind, label, StateUnauthorized, err)
		return nil, err
	}
	return newLink(conn, peer.ID, kind, defaultWriteTimeout), nil
}

func (c *Controller) handshakeFailed(op string, kind session.Kind, label string, err error) error {
	reason, err := classify(op, err)
	if reason != "" {
		c.metrics.AuthFailures.WithLabelValues(reason).Inc()
		c.log.Warn("peer not authorized", "id", label, "reason", reason, "error", err)
		c.publish(kind, label, StateUnauthorized, err)
		return err
	}
	c.log.Warn("handshake failed", "id", label, "error", err)
	c.publish(kind, label, StateNotConnected, err)
	return err
}

// attach registers l with the session manager and starts its reader.
func (c *Controller) attach(l *Link) {
	c.mu.Lock()
	c.links[l] = struct{}{}
	c.mu.Unlock()

	c.sessions.RegisterConnection(l.id, l, l.kind)
	c.publish(l.kind, l.id, StateAuthenticated, nil)
	c.log.Info("link authenticated", "id", l.id, "conn", l.connID, "kind", l.kind, "addr", l.RemoteAddr())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.serve(l)
	}()
}

// serve reads envelopes from l and dispatches each one before reading the
// next.
func (c *Controller) serve(l *Link) {
	origin := session.Origin{ID: l.id, Kind: l.kind}
	for {
		env, err := l.read()
		if err != nil {
			c.linkDown(l, err)
			return
		}
		if err := c.dispatcher.Dispatch(c.ctx, origin, env); err != nil {
			c.log.Warn("dispatch failed", "from", env.From, "status", env.Payload.Status, "error", err)
		}
	}
}

func (c *Controller) linkDown(l *Link, readErr error) {
	local := l.closed.Load()
	l.Close() //nolint:errcheck
	c.sessions.Release(l.id, l)

	c.mu.Lock()
	delete(c.links, l)
	c.mu.Unlock()

	if local || c.closing.Load() {
		c.publish(l.kind, l.id, StateNotConnected, nil)
		return
	}

	reason, err := classify("read", readErr)
	if reason != "" {
		c.metrics.AuthFailures.WithLabelValues(reason).Inc()
		c.log.Warn("link rejected by peer", "id", l.id, "error", err)
		c.publish(l.kind, l.id, StateUnauthorized, err)
		return
	}
	c.log.Info("link terminated", "id", l.id, "conn", l.connID, "kind", l.kind, "error", readErr)
	c.publish(l.kind, l.id, StateNotConnected, err)
	if l.kind == session.KindHub {
		c.scheduleRetry()
	}
}

// scheduleRetry arms a single hub reconnect after the retry delay.
func (c *Controller) scheduleRetry() {
	if c.closing.Load() || !c.sessions.Enrolled() {
		return
	}
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.retry != nil {
		return
	}
	c.metrics.ReconnectsScheduled.Inc()
	c.retry = c.clock.AfterFunc(c.retryDelay, c.retryHub)
	c.log.Info("hub reconnect scheduled", "in", c.retryDelay)
}

func (c *Controller) retryHub() {
	c.retryMu.Lock()
	c.retry = nil
	c.retryMu.Unlock()

	if c.closing.Load() || !c.sessions.Enrolled() {
		return
	}
	if err := c.ConnectHub(c.ctx); err != nil {
		c.log.Warn("hub reconnect failed", "error", err)
	}
}

// CancelRetry stops a pending hub reconnect.
func (c *Controller) CancelRetry() {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// RetryPending reports whether a hub reconnect is scheduled.
func (c *Controller) RetryPending() bool {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	return c.retry != nil
}

// Listen accepts inbound links on addr until ctx is done or the controller
// is closed. It returns the bound address.
func (c *Controller) Listen(ctx context.Context, addr string) (net.Addr, error) {
	const op = "listen"
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.E(errs.KindTransport, op, err)
	}

	c.mu.Lock()
	c.listeners = append(c.listeners, ln)
	c.mu.Unlock()
	c.log.Info("listening", "addr", ln.Addr())

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		ln.Close() //nolint:errcheck
	}()
	go func() {
		defer c.wg.Done()
		c.acceptLoop(ctx, ln)
	}()
	return ln.Addr(), nil
}

func (c *Controller) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil || c.closing.Load() {
				return
			}
			c.log.Warn("accept failed", "error", err)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.accept(ctx, raw)
		}()
	}
}

func (c *Controller) accept(ctx context.Context, raw net.Conn) {
	const op = "accept"
	label := raw.RemoteAddr().String()

	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		c.log.Error("no credentials for inbound link", "error", err)
		raw.Close() //nolint:errcheck
		return
	}

	var peer peerInfo
	conn := tls.Server(raw, tlsConfig(creds, true, c.clock.Now, &peer))
	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	err = conn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		raw.Close() //nolint:errcheck
		c.handshakeFailed(op, session.KindPeer, label, err) //nolint:errcheck
		return
	}

	kind := session.KindPeer
	if hubID, _, ok := c.hub.HubTarget(); ok && peer.ID == hubID {
		kind = session.KindHub
	}
	c.attach(newLink(conn, peer.ID, kind, defaultWriteTimeout))
}

// Close stops listening, closes every link and cancels any pending
// reconnect. Links closed this way never trigger a reconnect.
func (c *Controller) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	c.CancelRetry()
	c.cancel()

	c.mu.Lock()
	listeners := c.listeners
	links := make([]*Link, 0, len(c.links))
	for l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	var err error
	for _, ln := range listeners {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, l := range links {
		l.Close() //nolint:errcheck
	}
	c.wg.Wait()

	c.eventsMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.eventsMu.Unlock()
	return err
}
