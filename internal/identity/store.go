// Package identity persists a node's identity root: metadata, trust lists,
// certificate bundles, the CRL and user preferences. A missing or corrupt
// root is rebuilt from a freshly bootstrapped self-signed identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/trust"
)

// Phase is the lifecycle state of a Store.
type Phase int

const (
	Uninitialized Phase = iota
	Bootstrapping
	Ready
)

func (p Phase) String() string {
	switch p {
	case Bootstrapping:
		return "bootstrapping"
	case Ready:
		return "ready"
	default:
		return "uninitialized"
	}
}

var errNotReady = errors.New("identity not loaded")

// Store owns the persisted identity of one node.
type Store struct {
	mu    sync.Mutex
	cfg   *config.Config
	root  string
	trust *trust.Manager
	log   *slog.Logger
	phase Phase

	meta      Metadata
	crl       trust.CRL
	trusted   TrustedList
	untrusted map[string]string
	exCerts   map[string]string
	internal  trust.Internal
	external  trust.External
	details   UserDetails
	services  []config.Service
	pref      UserPref
}

// New returns an uninitialized store rooted at cfg.Node.Root.
func New(cfg *config.Config, tm *trust.Manager, logger *slog.Logger) *Store {
	return &Store{
		cfg:   cfg,
		root:  cfg.Node.Root,
		trust: tm,
		log:   logging.Component(logger, "identity"),
	}
}

// Root returns the identity root directory.
func (s *Store) Root() string { return s.root }

// Phase returns the lifecycle state.
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CreateOrLoad loads the identity root, bootstrapping a new identity when
// any artifact is missing or unreadable. Concurrent callers are serialized
// and observe a fully loaded or fully bootstrapped store.
func (s *Store) CreateOrLoad(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == Ready {
		return nil
	}
	if err := s.load(); err != nil {
		s.log.Warn("identity incomplete, bootstrapping", "root", s.root, "reason", err)
		return s.bootstrap(ctx)
	}
	if err := s.reconcile(); err != nil {
		return err
	}
	s.phase = Ready
	s.log.Info("identity loaded", "device", s.meta.DeviceName, "session", s.meta.SessionID(), "enrolled", s.meta.Enrolled)
	return nil
}

func (s *Store) load() error {
	for _, a := range artifacts {
		if err := readJSON(a.path(s.root), a.ptr(s)); err != nil {
			return err
		}
	}
	if s.meta.DeviceName == "" || s.meta.NodeType != s.cfg.Node.Type {
		return fmt.Errorf("metadata does not describe a %s identity", s.cfg.Node.Type)
	}
	if s.internal.Master.Cert == "" || s.internal.Conn.Cert == "" {
		return errors.New("certificate bundle incomplete")
	}
	s.trusted = s.trusted.clone()
	if s.external == nil {
		s.external = trust.External{}
	}

	s.trust.SetDeviceName(s.meta.DeviceName)
	s.trust.SetServerName(s.meta.ServerName)
	s.trust.Restore(trust.State{Internal: s.internal, External: s.external, CRL: s.crl})
	return nil
}

// reconcile brings a loaded identity in line with the current defaults,
// rewriting only the files that change.
func (s *Store) reconcile() error {
	var dirty []string
	if s.meta.Version != s.cfg.Version {
		s.meta.Version = s.cfg.Version
		dirty = append(dirty, fileMeta)
	}
	if s.pref.Ports != s.cfg.Ports {
		s.pref.Ports = s.cfg.Ports
		dirty = append(dirty, filePref)
	}
	if defaults := s.cfg.DefaultServices(); len(defaults) != len(s.services) {
		s.services = slices.Clone(defaults)
		dirty = append(dirty, fileServices)
	}
	if s.cfg.Node.Type == config.TypeAgent && s.cfg.Node.FriendlyName != "" && s.meta.FriendlyName != s.cfg.Node.FriendlyName {
		s.meta.FriendlyName = s.cfg.Node.FriendlyName
		if !slices.Contains(dirty, fileMeta) {
			dirty = append(dirty, fileMeta)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	s.log.Info("identity reconciled with defaults", "files", strings.Join(dirty, ","))
	return s.persist("reconcile", dirty...)
}

func (s *Store) bootstrap(ctx context.Context) error {
	s.phase = Bootstrapping

	if err := s.bootstrapLocked(ctx); err != nil {
		s.phase = Uninitialized
		return err
	}
	s.phase = Ready
	s.log.Info("identity bootstrapped", "device", s.meta.DeviceName, "type", s.meta.NodeType, "root", s.root)
	return nil
}

func (s *Store) bootstrapLocked(ctx context.Context) error {
	const op = "bootstrap"

	for _, dir := range layout {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o700); err != nil {
			return errs.E(errs.KindPersistence, op, err)
		}
	}

	name := DeviceName(s.cfg)
	serverName := defaultServerName(s.cfg.Node.Type, name)
	s.meta = Metadata{
		NodeType:     s.cfg.Node.Type,
		DeviceName:   name,
		RootPath:     s.root,
		ServerName:   serverName,
		FriendlyName: s.cfg.DefaultFriendlyName(),
		Version:      s.cfg.Version,
	}
	s.trusted = newTrustedList()
	s.untrusted = map[string]string{}
	s.exCerts = map[string]string{}
	s.details = UserDetails{Email: s.cfg.Cert.Email}
	s.services = slices.Clone(s.cfg.DefaultServices())
	s.pref = UserPref{Ports: s.cfg.Ports}
	if s.cfg.Node.Type == config.TypeHub {
		s.details.Name = name
		if s.cfg.Node.FriendlyName == "" {
			s.meta.FriendlyName = name
		}
	}

	masterRole, connRole := trust.RoleAgentCA, trust.RoleAgent
	if s.cfg.Node.Type == config.TypeHub {
		masterRole, connRole = trust.RoleHubCA, trust.RoleHub
	}

	s.trust.Restore(trust.State{})
	s.trust.SetDeviceName(name)
	s.trust.SetServerName(serverName)
	if _, err := s.trust.BootstrapSelfSigned(ctx, masterRole, masterRole.CommonName(name)); err != nil {
		return err
	}
	if _, err := s.trust.BootstrapSelfSigned(ctx, connRole, connRole.CommonName(name)); err != nil {
		return err
	}
	if err := s.trust.SignConnection(ctx); err != nil {
		return err
	}

	keys := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		keys = append(keys, a.key)
	}
	return s.persist(op, keys...)
}

// persist writes the named artifacts, refreshing trust-owned values from
// the trust manager first.
func (s *Store) persist(op string, keys ...string) error {
	st := s.trust.State()
	s.internal = st.Internal
	s.external = st.External
	s.crl = st.CRL

	for _, a := range artifacts {
		if !slices.Contains(keys, a.key) {
			continue
		}
		if err := writeJSON(a.path(s.root), a.ptr(s)); err != nil {
			return errs.E(errs.KindPersistence, op, err)
		}
	}
	return nil
}

// DeviceName returns the configured device name, falling back to the host
// name (qualified by the user for hubs) or a random id.
func DeviceName(cfg *config.Config) string {
	if cfg.Node.Name != "" {
		return cfg.Node.Name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()[:8]
	}
	if cfg.Node.Type != config.TypeHub {
		return host
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return host + "_" + u.Username
	}
	return host
}

func defaultServerName(nodeType, name string) string {
	if nodeType == config.TypeHub {
		return ServerNameOf(name)
	}
	return "0.0.0.0"
}

// ServerNameOf derives a hub's address from its id: the part before the
// first "_", without any port.
func ServerNameOf(hubID string) string {
	host, _, _ := strings.Cut(hubID, "_")
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Metadata returns a copy of the node metadata.
func (s *Store) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// SessionID returns the routing address of the node.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.SessionID()
}

// Ports returns the persisted port preferences.
func (s *Store) Ports() config.Ports {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pref.Ports
}

// Services returns the cached service list.
func (s *Store) Services() []config.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.services)
}

// TrustedList returns a copy of the trusted list.
func (s *Store) TrustedList() TrustedList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trusted.clone()
}

// HubTarget returns the enrolled hub id and its address. ok is false while
// the node is not enrolled.
func (s *Store) HubTarget() (id, addr string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.meta.Enrolled || s.meta.PzhID == "" {
		return "", "", false
	}
	return s.meta.PzhID, net.JoinHostPort(s.meta.ServerName, strconv.Itoa(s.pref.Ports.Provider)), true
}
