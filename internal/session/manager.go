package session

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/metrics"
	"github.com/avaropoint/pzone/internal/protocol"
)

type link struct {
	handle       Handle
	friendlyName string
}

// Config wires a Manager.
type Config struct {
	Identity Identity
	App      AppHandler
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Manager is the session manager of one node. Routing state is guarded by
// a single mutex; handle writes and listener callbacks run outside it.
type Manager struct {
	id      Identity
	app     AppHandler
	metrics *metrics.Metrics
	log     *slog.Logger

	// enrollMu serializes enrollment and reset.
	enrollMu sync.Mutex

	mu        sync.Mutex
	hub       HubConnector
	sessionID string
	enrolled  bool
	hubID     string
	peers     map[string]*link
	hubs      map[string]*link
	pending   PendingDevices
	listeners []Listener
}

// New creates a manager. Init must be called once the identity is loaded.
func New(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Manager{
		id:      cfg.Identity,
		app:     cfg.App,
		metrics: cfg.Metrics,
		log:     logging.Component(cfg.Logger, "session"),
		peers:   map[string]*link{},
		hubs:    map[string]*link{},
		pending: PendingDevices{Pzp: map[string]string{}, Pzh: map[string]string{}},
	}
}

// SetHubConnector attaches the component that opens hub links.
func (m *Manager) SetHubConnector(h HubConnector) {
	m.mu.Lock()
	m.hub = h
	m.mu.Unlock()
}

// Init derives the session state from the identity metadata.
func (m *Manager) Init() {
	meta := m.id.Metadata()
	m.mu.Lock()
	m.applyMetaLocked(meta)
	m.mu.Unlock()
}

func (m *Manager) applyMetaLocked(meta identity.Metadata) {
	m.sessionID = meta.SessionID()
	m.enrolled = meta.Enrolled
	m.hubID = meta.PzhID
}

// SessionID returns the node's routing address.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Enrolled reports whether the node is enrolled with a hub.
func (m *Manager) Enrolled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrolled
}

// HubID returns the id of the enrolled hub.
func (m *Manager) HubID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubID
}

// HubState reports whether any hub link is live.
func (m *Manager) HubState() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return stateOf(m.hubs)
}

// PeerState reports whether any peer link is live.
func (m *Manager) PeerState() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return stateOf(m.peers)
}

func stateOf(links map[string]*link) LinkState {
	if len(links) > 0 {
		return Connected
	}
	return NotConnected
}

// AddListener registers l for link membership changes.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Manager) notify(kind Kind, id string, up bool) {
	m.mu.Lock()
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, l := range ls {
		l.LinkChanged(kind, id, up)
	}
}

// Send routes env to target: a direct peer link first, then a local
// application for addresses under our own, then the hub link when enrolled.
func (m *Manager) Send(env *protocol.Envelope, to string) error {
	const op = "send"

	h, route := m.resolve(to)
	if h == nil {
		m.metrics.MessagesSent.WithLabelValues("app").Inc()
		if m.app == nil {
			return errs.Errorf(errs.KindInput, op, "no route to %s", to)
		}
		return m.app.DeliverToApp(to, env)
	}
	if err := h.Send(env); err != nil {
		return errs.E(errs.KindTransport, op, err)
	}
	m.metrics.MessagesSent.WithLabelValues(route).Inc()
	return nil
}

func (m *Manager) resolve(to string) (Handle, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.peerLocked(to); l != nil {
		return l.handle, "peer"
	}
	if l, ok := m.hubs[to]; ok {
		return l.handle, "hub"
	}
	// Our own address and those under it belong to local applications.
	if m.sessionID != "" && (to == m.sessionID || strings.HasPrefix(to, m.sessionID+"/")) {
		return nil, ""
	}
	if m.enrolled {
		if l, ok := m.hubs[m.hubID]; ok {
			return l.handle, "hub"
		}
	}
	return nil, ""
}

// peerLocked finds the peer whose session id is to or a prefix of it.
func (m *Manager) peerLocked(to string) *link {
	if l, ok := m.peers[to]; ok {
		return l
	}
	for id, l := range m.peers {
		if strings.HasPrefix(to, id+"/") {
			return l
		}
	}
	return nil
}

// PrepMsg builds a control envelope from this node. An empty to addresses
// the enrolled hub.
func (m *Manager) PrepMsg(to, status string, msg any) (*protocol.Envelope, error) {
	m.mu.Lock()
	from := m.sessionID
	if to == "" {
		to = m.hubID
	}
	m.mu.Unlock()
	env, err := protocol.NewProp(from, to, status, msg)
	if err != nil {
		return nil, errs.E(errs.KindInput, "prepMsg", err)
	}
	return env, nil
}

// SendProp builds and sends a control envelope.
func (m *Manager) SendProp(to, status string, msg any) error {
	env, err := m.PrepMsg(to, status, msg)
	if err != nil {
		return err
	}
	return m.Send(env, env.To)
}

// Broadcast sends a control envelope to every linked hub and peer.
func (m *Manager) Broadcast(status string, msg any) error {
	m.mu.Lock()
	from := m.sessionID
	targets := make(map[string]Handle, len(m.hubs)+len(m.peers))
	for id, l := range m.hubs {
		targets[id] = l.handle
	}
	for id, l := range m.peers {
		targets[id] = l.handle
	}
	m.mu.Unlock()

	var err error
	for id, h := range targets {
		env, perr := protocol.NewProp(from, id, status, msg)
		if perr != nil {
			return errs.E(errs.KindInput, "broadcast", perr)
		}
		if serr := h.Send(env); serr != nil {
			err = multierr.Append(err, errs.E(errs.KindTransport, "broadcast", serr))
			continue
		}
		m.metrics.MessagesSent.WithLabelValues("broadcast").Inc()
	}
	return err
}

// RegisterConnection binds id to h. A previous handle for id is closed.
func (m *Manager) RegisterConnection(id string, h Handle, kind Kind) {
	m.mu.Lock()
	table := m.tableLocked(kind)
	prev := table[id]
	table[id] = &link{handle: h}
	delete(m.pending.Pzp, id)
	delete(m.pending.Pzh, id)
	m.metrics.Links.WithLabelValues(kind.String()).Set(float64(len(table)))
	m.mu.Unlock()

	if prev != nil && prev.handle != h {
		m.log.Info("replacing connection", "id", id, "kind", kind)
		if err := prev.handle.Close(); err != nil {
			m.log.Debug("closing replaced connection", "id", id, "error", err)
		}
	}
	m.log.Info("connection registered", "id", id, "kind", kind)
	m.notify(kind, id, true)
}

func (m *Manager) tableLocked(kind Kind) map[string]*link {
	if kind == KindHub {
		return m.hubs
	}
	return m.peers
}

// Cleanup removes and closes the connection registered for id.
func (m *Manager) Cleanup(id string) {
	m.remove(id, nil, true)
}

// Release removes id only if it is still bound to h. Readers call it when
// their connection ends so that a stale reader never evicts a newer link.
func (m *Manager) Release(id string, h Handle) {
	m.remove(id, h, false)
}

func (m *Manager) remove(id string, h Handle, closeHandle bool) {
	var (
		removed *link
		kind    Kind
	)
	m.mu.Lock()
	for _, k := range []Kind{KindPeer, KindHub} {
		table := m.tableLocked(k)
		l, ok := table[id]
		if !ok || (h != nil && l.handle != h) {
			continue
		}
		delete(table, id)
		removed, kind = l, k
		m.metrics.Links.WithLabelValues(k.String()).Set(float64(len(table)))
		break
	}
	m.mu.Unlock()

	if removed == nil {
		return
	}
	if closeHandle {
		removed.handle.Close() //nolint:errcheck
	}
	m.log.Info("connection removed", "id", id, "kind", kind)
	m.notify(kind, id, false)
}

// Enroll performs the transition out of virgin mode. A repeated call for
// the enrolled hub is a no-op; a call for another hub fails.
func (m *Manager) Enroll(ctx context.Context, e identity.Enrollment) error {
	const op = "enroll"

	m.enrollMu.Lock()
	defer m.enrollMu.Unlock()

	m.mu.Lock()
	enrolled, hubID := m.enrolled, m.hubID
	m.mu.Unlock()
	if enrolled {
		if hubID == e.HubID {
			m.log.Debug("duplicate enrollment ignored", "hub", e.HubID)
			return nil
		}
		return errs.E(errs.KindInput, op, errs.ErrAlreadyEnrolled)
	}

	if err := m.id.ApplyEnrollment(ctx, e); err != nil {
		m.metrics.Enrollments.WithLabelValues("failed").Inc()
		return err
	}
	meta := m.id.Metadata()
	m.mu.Lock()
	m.applyMetaLocked(meta)
	hub := m.hub
	m.mu.Unlock()
	m.metrics.Enrollments.WithLabelValues("enrolled").Inc()
	m.log.Info("enrolled", "hub", meta.PzhID, "session", meta.SessionID())

	if hub != nil {
		if err := hub.ConnectHub(ctx); err != nil {
			m.log.Warn("hub connection after enrollment failed", "hub", meta.PzhID, "error", err)
		}
	}
	return nil
}

// Reset unenrolls the node: the retry schedule is cancelled, every link is
// closed and a fresh identity replaces the old one.
func (m *Manager) Reset(ctx context.Context) error {
	m.enrollMu.Lock()
	defer m.enrollMu.Unlock()

	m.mu.Lock()
	hub := m.hub
	links := make([]*link, 0, len(m.hubs)+len(m.peers))
	for _, l := range m.hubs {
		links = append(links, l)
	}
	for _, l := range m.peers {
		links = append(links, l)
	}
	m.hubs = map[string]*link{}
	m.peers = map[string]*link{}
	m.pending = PendingDevices{Pzp: map[string]string{}, Pzh: map[string]string{}}
	m.enrolled = false
	m.metrics.Links.WithLabelValues(KindHub.String()).Set(0)
	m.metrics.Links.WithLabelValues(KindPeer.String()).Set(0)
	m.mu.Unlock()

	if hub != nil {
		hub.CancelRetry()
	}
	for _, l := range links {
		l.handle.Close() //nolint:errcheck
	}
	if err := m.id.Reset(ctx); err != nil {
		return err
	}
	m.Init()
	m.log.Info("session reset", "session", m.SessionID())
	return nil
}

// Devices lists the directly linked nodes.
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.hubs)+len(m.peers))
	for _, id := range slices.Sorted(maps.Keys(m.hubs)) {
		out = append(out, Device{ID: id, Kind: KindHub.String(), FriendlyName: m.hubs[id].friendlyName})
	}
	for _, id := range slices.Sorted(maps.Keys(m.peers)) {
		out = append(out, Device{ID: id, Kind: KindPeer.String(), FriendlyName: m.peers[id].friendlyName})
	}
	return out
}

// IsHub reports whether id is a registered hub link.
func (m *Manager) IsHub(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hubs[id]
	return ok
}

// PendingDevices returns a copy of the devices known only through the hub.
func (m *Manager) PendingDevices() PendingDevices {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PendingDevices{Pzp: maps.Clone(m.pending.Pzp), Pzh: maps.Clone(m.pending.Pzh)}
}

// HasPeer reports whether to resolves to a direct peer link.
func (m *Manager) HasPeer(to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerLocked(to) != nil
}
