// Package node assembles the components of one zone node from its
// configuration and runs them: the trust manager and identity store, the
// session manager, the router, the TLS transport and, on hubs, the device
// registry and enrollment endpoint.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/pzone/internal/certs"
	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/enroll"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/keystore"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/metrics"
	"github.com/avaropoint/pzone/internal/router"
	"github.com/avaropoint/pzone/internal/session"
	"github.com/avaropoint/pzone/internal/store"
	"github.com/avaropoint/pzone/internal/transport"
	"github.com/avaropoint/pzone/internal/trust"
)

// Options supplies the collaborators a node does not build itself. Every
// field is optional.
type Options struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Clock    clock.Clock
	// Dial replaces the transport dialer.
	Dial transport.DialFunc
	// PeerAddr and EnrollAddr override the listen addresses derived from
	// the configured ports.
	PeerAddr   string
	EnrollAddr string

	App      session.AppHandler
	Handler  router.MessageHandler
	Services router.ServiceRegistry
}

// Node is one running zone node.
type Node struct {
	cfg     *config.Config
	log     *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	keys      *keystore.SQLiteKeyStore
	trust     *trust.Manager
	identity  *identity.Store
	sessions  *session.Manager
	router    *router.Router
	transport *transport.Controller

	// Hub only.
	registry *store.SQLiteStore
	enroll   *enroll.Server

	peerAddr   string
	enrollAddr string

	readyOnce sync.Once
	ready     chan struct{}
	addrMu    sync.Mutex
	bound     Addrs
}

// Addrs are the addresses a running node is bound to.
type Addrs struct {
	Peer   net.Addr
	Enroll net.Addr
}

// Open builds a node and loads or bootstraps its identity.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.E(errs.KindInput, "open", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	n := &Node{
		cfg:     cfg,
		log:     logging.Component(log, "node"),
		clock:   opts.Clock,
		metrics: metrics.New(opts.Registry),
		ready:   make(chan struct{}),
	}
	if err := n.open(ctx, log, opts); err != nil {
		n.Close() //nolint:errcheck
		return nil, err
	}
	return n, nil
}

func (n *Node) open(ctx context.Context, log *slog.Logger, opts Options) error {
	const op = "open"
	cfg := n.cfg

	if err := os.MkdirAll(cfg.KeyDir(), 0o700); err != nil {
		return errs.E(errs.KindPersistence, op, err)
	}
	sealer, err := keystore.LoadOrCreateSealer(filepath.Join(cfg.KeyDir(), "seal.key"))
	if err != nil {
		return errs.E(errs.KindPersistence, op, err)
	}
	prims := certs.New(cfg.Cert.URL)
	n.keys, err = keystore.Open(filepath.Join(cfg.KeyDir(), "keys.db"), sealer, prims.GenerateKey)
	if err != nil {
		return errs.E(errs.KindPersistence, op, err)
	}

	n.trust = trust.New(trust.Config{
		Subject:    subjectOf(cfg.Cert),
		Keys:       n.keys,
		Primitives: prims,
		Logger:     log,
	})
	n.identity = identity.New(cfg, n.trust, log)
	if err := n.identity.CreateOrLoad(ctx); err != nil {
		return err
	}

	n.sessions = session.New(session.Config{
		Identity: n.identity,
		App:      opts.App,
		Metrics:  n.metrics,
		Logger:   log,
	})
	n.sessions.Init()

	n.router = router.New(router.Config{
		Sessions: n.sessions,
		Store:    n.identity,
		Registry: opts.Services,
		Handler:  opts.Handler,
		Services: n.identity.Services(),
		Metrics:  n.metrics,
		Logger:   log,
	})

	n.transport = transport.New(transport.Config{
		Credentials:      n.trust,
		Sessions:         n.sessions,
		Dispatcher:       n.router,
		Hub:              n.identity,
		Clock:            n.clock,
		Dial:             opts.Dial,
		RetryDelay:       cfg.Transport.RetryDelay,
		DialTimeout:      cfg.Transport.DialTimeout,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		Metrics:          n.metrics,
		Logger:           log,
	})
	n.sessions.SetHubConnector(n.transport)
	n.sessions.AddListener(session.ListenerFunc(n.linkChanged))

	ports := n.identity.Ports()
	n.peerAddr = opts.PeerAddr
	n.enrollAddr = opts.EnrollAddr
	if n.IsHub() {
		if n.peerAddr == "" {
			n.peerAddr = net.JoinHostPort(cfg.Transport.ListenHost, strconv.Itoa(ports.Provider))
		}
		if n.enrollAddr == "" {
			n.enrollAddr = net.JoinHostPort(cfg.Transport.ListenHost, strconv.Itoa(ports.ProviderWebServer))
		}
		n.registry, err = store.NewSQLiteStore(cfg.StorePath())
		if err != nil {
			return errs.E(errs.KindPersistence, op, err)
		}
		n.enroll = enroll.NewServer(enroll.ServerConfig{
			Signer:   n.trust,
			Registry: n.identity,
			Store:    n.registry,
			Clock:    n.clock,
			Metrics:  n.metrics,
			Logger:   log,
		})
	} else if n.peerAddr == "" {
		n.peerAddr = net.JoinHostPort(cfg.Transport.ListenHost, strconv.Itoa(ports.PzpTLS))
	}

	meta := n.identity.Metadata()
	n.log.Info("node ready",
		"type", meta.NodeType,
		"device", meta.DeviceName,
		"session", meta.SessionID(),
		"enrolled", meta.Enrolled,
		"root", n.identity.Root())
	return nil
}

func subjectOf(c config.CertConfig) certs.Subject {
	return certs.Subject{
		Country: c.Country,
		State:   c.State,
		City:    c.City,
		OrgName: c.OrgName,
		OrgUnit: c.OrgUnit,
		Email:   c.Email,
	}
}

// IsHub reports whether the node runs as a hub.
func (n *Node) IsHub() bool { return n.cfg.Node.Type == config.TypeHub }

// Sessions returns the session manager.
func (n *Node) Sessions() *session.Manager { return n.sessions }

// Identity returns the identity store.
func (n *Node) Identity() *identity.Store { return n.identity }

// Trust returns the trust manager.
func (n *Node) Trust() *trust.Manager { return n.trust }

// Transport returns the link controller.
func (n *Node) Transport() *transport.Controller { return n.transport }

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Ready is closed once Run has bound its listeners.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// Addrs returns the bound addresses. They are set once Ready is closed.
func (n *Node) Addrs() Addrs {
	n.addrMu.Lock()
	defer n.addrMu.Unlock()
	return n.bound
}

// Run serves links until ctx is done. An enrolled agent connects to its
// hub; a hub also serves the enrollment endpoint.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	peer, err := n.transport.Listen(ctx, n.peerAddr)
	if err != nil {
		return err
	}
	bound := Addrs{Peer: peer}

	if n.enroll != nil {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", n.enrollAddr)
		if err != nil {
			return errs.E(errs.KindTransport, "listen", err)
		}
		bound.Enroll = ln.Addr()
		g.Go(func() error { return n.enroll.Serve(ctx, ln) })
	}

	n.addrMu.Lock()
	n.bound = bound
	n.addrMu.Unlock()
	n.readyOnce.Do(func() { close(n.ready) })

	g.Go(func() error {
		n.supervise(ctx)
		return nil
	})
	if !n.IsHub() && n.sessions.Enrolled() {
		g.Go(func() error {
			if err := n.transport.ConnectHub(ctx); err != nil {
				n.log.Warn("initial hub connection failed", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Enroll enrolls an agent with the hub serving baseURL.
func (n *Node) Enroll(ctx context.Context, baseURL, code, name string) error {
	if n.IsHub() {
		return errs.E(errs.KindInput, "enroll", fmt.Errorf("a hub cannot enroll with another hub"))
	}
	client := enroll.NewClient(enroll.ClientConfig{
		CSR:        n.trust,
		Dispatcher: n.router,
		Logger:     n.log,
	})
	return client.Enroll(ctx, baseURL, code, name)
}

// CreateCode issues a hub enrollment code.
func (n *Node) CreateCode(ctx context.Context, label string, maxUses int, expiry time.Duration) (string, *store.EnrollmentToken, error) {
	if n.enroll == nil {
		return "", nil, errs.E(errs.KindInput, "createCode", errs.ErrNotAuthority)
	}
	return n.enroll.CreateCode(ctx, label, maxUses, expiry)
}

// Devices lists the devices a hub has enrolled.
func (n *Node) Devices(ctx context.Context) ([]*store.Device, error) {
	if n.registry == nil {
		return nil, errs.E(errs.KindInput, "devices", errs.ErrNotAuthority)
	}
	return n.registry.ListDevices(ctx)
}

// KeyHash returns the fingerprint of the certificate at path.
func (n *Node) KeyHash(path string) (string, error) {
	return n.trust.ComputeKeyHash(path)
}

// Reset unenrolls the node and replaces its identity.
func (n *Node) Reset(ctx context.Context) error {
	return n.sessions.Reset(ctx)
}

// Close stops the transport and releases the databases.
func (n *Node) Close() error {
	var err error
	if n.transport != nil {
		err = multierr.Append(err, n.transport.Close())
	}
	if n.registry != nil {
		err = multierr.Append(err, n.registry.Close())
	}
	if n.keys != nil {
		err = multierr.Append(err, n.keys.Close())
	}
	return err
}
