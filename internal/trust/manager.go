// Package trust owns a node's certificates, revocation list and external
// trust cache. It bootstraps self-signed identities, cross-signs requests
// from other nodes, revokes certificates and hands TLS credentials to the
// transport.
package trust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/avaropoint/pzone/internal/certs"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/logging"
)

var (
	errNoMasterCert = errors.New("master certificate missing")
	errNoConnCSR    = errors.New("connection CSR missing")
	errNoConnCert   = errors.New("connection certificate missing")
)

// Config wires a Manager.
type Config struct {
	DeviceName string
	// Subject supplies every CSR attribute except the common name.
	Subject    certs.Subject
	ServerName string
	Keys       Keys
	Primitives Primitives
	Logger     *slog.Logger
}

// Manager is the trust manager of one node identity.
type Manager struct {
	mu         sync.Mutex
	name       string
	subject    certs.Subject
	serverName string
	keys       Keys
	prim       Primitives
	log        *slog.Logger
	st         State
}

// New creates a manager with empty state.
func New(cfg Config) *Manager {
	return &Manager{
		name:       cfg.DeviceName,
		subject:    cfg.Subject,
		serverName: cfg.ServerName,
		keys:       cfg.Keys,
		prim:       cfg.Primitives,
		log:        logging.Component(cfg.Logger, "trust"),
		st:         State{External: External{}},
	}
}

// SetDeviceName changes the name used to derive key ids. The identity
// store calls it when a persisted identity is loaded.
func (m *Manager) SetDeviceName(name string) {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
}

// SetServerName changes the address embedded in issued certificates.
func (m *Manager) SetServerName(name string) {
	m.mu.Lock()
	m.serverName = name
	m.mu.Unlock()
}

// State returns a copy of the trust state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.clone()
}

// Restore replaces the trust state, typically with one loaded from disk.
func (m *Manager) Restore(st State) {
	if st.External == nil {
		st.External = External{}
	}
	m.mu.Lock()
	m.st = st.clone()
	m.mu.Unlock()
}

// Enrolled reports whether a hub master certificate has been adopted.
func (m *Manager) Enrolled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Internal.Pzh != nil && m.st.Internal.Pzh.Cert != ""
}

// MasterCSR returns the pending master CSR an agent submits to a hub.
func (m *Manager) MasterCSR() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Internal.Master.CSR
}

// MasterCert returns the master certificate.
func (m *Manager) MasterCert() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Internal.Master.Cert
}

// CRL returns the current revocation list.
func (m *Manager) CRL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CRL.Value
}

// CheckHubCRL verifies that crl was signed by the hub this node is enrolled
// with and still revokes everything the current hub-issued list revokes.
func (m *Manager) CheckHubCRL(crl string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkHubCRLLocked(crl)
}

func (m *Manager) checkHubCRLLocked(crlPEM string) error {
	const op = "syncCRL"

	if m.st.Internal.Pzh == nil || m.st.Internal.Pzh.Cert == "" {
		return errs.Errorf(errs.KindInput, op, "no hub certificate to verify against")
	}
	hub, err := certs.ParseCertificate([]byte(m.st.Internal.Pzh.Cert))
	if err != nil {
		return errs.E(errs.KindInput, op, fmt.Errorf("hub certificate: %w", err))
	}
	next, err := certs.ParseCRL([]byte(crlPEM))
	if err != nil {
		return errs.E(errs.KindInput, op, err)
	}
	if err := next.CheckSignatureFrom(hub); err != nil {
		return errs.E(errs.KindAuthentication, op, fmt.Errorf("CRL not issued by hub: %w", err))
	}
	if m.st.CRL.Value == "" {
		return nil
	}
	prev, err := certs.ParseCRL([]byte(m.st.CRL.Value))
	if err != nil || prev.CheckSignatureFrom(hub) != nil {
		return nil
	}
	if !certs.Supersedes(next, prev) {
		return errs.Errorf(errs.KindRevocation, op, "CRL drops revoked serials")
	}
	return nil
}

// SetCRL replaces the revocation list with one distributed by the hub,
// after the checks of CheckHubCRL.
func (m *Manager) SetCRL(crl string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkHubCRLLocked(crl); err != nil {
		return err
	}
	m.st.CRL.Value = crl
	return nil
}

// AddExternal trusts cert (and its CRL) for remote id.
func (m *Manager) AddExternal(id string, ext ExternalCert) {
	m.mu.Lock()
	m.st.External[id] = ext
	m.mu.Unlock()
}

// SetExternal replaces the external trust cache.
func (m *Manager) SetExternal(ext External) {
	if ext == nil {
		ext = External{}
	}
	m.mu.Lock()
	m.st.External = ext
	m.mu.Unlock()
}

// BootstrapSelfSigned creates (or reuses) the key for role, issues a CSR
// with common name cn and self-signs it. CA roles also get an empty CRL and
// return no CSR; other roles return the CSR for cross-signing.
func (m *Manager) BootstrapSelfSigned(ctx context.Context, role Role, cn string) ([]byte, error) {
	const op = "bootstrapSelfSigned"

	subj := m.subject
	subj.CommonName = cn
	if err := subj.Validate(); err != nil {
		return nil, errs.E(errs.KindInput, op, err)
	}

	keyID := KeyID(m.name, role.Slot())
	key, err := m.keys.GenerateAndStore(ctx, string(role), keyID)
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, fmt.Errorf("key %s: %w", keyID, err))
	}
	csr, err := m.prim.CreateCSR(key, subj)
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, err)
	}

	typ := certs.CertClient
	if role.IsCA() {
		typ = certs.CertCA
	}
	cert, err := m.prim.SelfSign(csr, certs.ValidityDays, key, typ, m.altName())
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, err)
	}

	if role.IsCA() {
		crl, err := m.prim.CreateEmptyCRL(key, cert, certs.ValidityDays, 0)
		if err != nil {
			return nil, errs.E(errs.KindSigning, op, err)
		}
		m.mu.Lock()
		m.st.Internal.Master = Slot{KeyID: keyID, Cert: string(cert)}
		if role == RoleAgentCA {
			m.st.Internal.Master.CSR = string(csr)
		} else {
			m.st.Internal.SignedCerts = map[string]string{}
			m.st.Internal.RevokedCerts = map[string]string{}
		}
		m.st.CRL.Value = string(crl)
		m.mu.Unlock()
		m.log.Info("master certificate created", "role", role, "key_id", keyID)
		return nil, nil
	}

	slot := Slot{KeyID: keyID, Cert: string(cert), CSR: string(csr)}
	m.mu.Lock()
	switch role.Slot() {
	case SlotWebClient:
		m.st.Internal.WebClient = &slot
	case SlotWebSSL:
		m.st.Internal.WebSSL = &slot
	default:
		m.st.Internal.Conn = slot
	}
	m.mu.Unlock()
	m.log.Info("certificate created", "role", role, "key_id", keyID)
	return csr, nil
}

// SignConnection issues the connection certificate from the stored
// connection CSR using the current master key and certificate.
func (m *Manager) SignConnection(ctx context.Context) error {
	const op = "signConnection"

	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.signConnLocked(ctx, m.st.Internal.Master.Cert)
	if err != nil {
		return errs.E(errs.KindSigning, op, err)
	}
	m.st.Internal.Conn.Cert = conn
	return nil
}

func (m *Manager) signConnLocked(ctx context.Context, masterCert string) (string, error) {
	if m.st.Internal.Conn.CSR == "" {
		return "", errNoConnCSR
	}
	if masterCert == "" {
		return "", errNoMasterCert
	}
	key, err := m.keys.Fetch(ctx, m.st.Internal.Master.KeyID)
	if err != nil {
		return "", err
	}
	cert, err := m.prim.CrossSign([]byte(m.st.Internal.Conn.CSR), certs.ValidityDays, key, []byte(masterCert), certs.CertClient, m.altNameLocked())
	if err != nil {
		return "", err
	}
	return string(cert), nil
}

// SignOption adjusts CrossSign.
type SignOption func(*signConfig)

type signConfig struct {
	assignedName string
}

// WithAssignedName binds the issued certificate to name instead of the
// name in the request.
func WithAssignedName(name string) SignOption {
	return func(c *signConfig) {
		c.assignedName = name
	}
}

// CrossSign signs a CSR submitted by another node with this node's master
// key. Requests for a CA role yield a CA certificate limited to issuing
// leaves; all other requests yield a TLS leaf.
func (m *Manager) CrossSign(ctx context.Context, csrPEM []byte, opts ...SignOption) ([]byte, error) {
	const op = "crossSign"

	var cfg signConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	req, err := certs.ParseCSR(csrPEM)
	if err != nil {
		return nil, errs.E(errs.KindInput, op, err)
	}
	role, name := certs.SplitCommonName(req.Subject.CommonName)
	typ := certs.CertClient
	if strings.HasSuffix(role, "CA") {
		typ = certs.CertCA
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	master := m.st.Internal.Master
	if master.Cert == "" {
		return nil, errs.E(errs.KindSigning, op, errNoMasterCert)
	}
	key, err := m.keys.Fetch(ctx, master.KeyID)
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, fmt.Errorf("master key: %w", err))
	}

	var primOpts []certs.SignOption
	if cfg.assignedName != "" {
		primOpts = append(primOpts, certs.WithCommonName(cfg.assignedName))
		name = cfg.assignedName
	}
	cert, err := m.prim.CrossSign(csrPEM, certs.ValidityDays, key, []byte(master.Cert), typ, m.altNameLocked(), primOpts...)
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, err)
	}

	if m.st.Internal.SignedCerts != nil {
		m.st.Internal.SignedCerts[name] = string(cert)
	}
	m.log.Info("certificate cross-signed", "subject", name, "type", typ)
	return cert, nil
}

// Revoke adds certPEM to the CRL and returns the updated list. Revoking an
// already revoked certificate leaves the list unchanged.
func (m *Manager) Revoke(ctx context.Context, certPEM []byte) ([]byte, error) {
	const op = "revoke"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.CRL.Value == "" {
		return nil, errs.E(errs.KindRevocation, op, errs.ErrNotAuthority)
	}
	key, err := m.keys.Fetch(ctx, m.st.Internal.Master.KeyID)
	if err != nil {
		return nil, errs.E(errs.KindRevocation, op, fmt.Errorf("master key: %w", err))
	}
	crl, err := m.prim.AppendToCRL(key, []byte(m.st.CRL.Value), certPEM, []byte(m.st.Internal.Master.Cert))
	if err != nil {
		return nil, errs.E(errs.KindRevocation, op, err)
	}
	m.st.CRL.Value = string(crl)

	if m.st.Internal.RevokedCerts != nil {
		if cert, err := certs.ParseCertificate(certPEM); err == nil {
			_, name := certs.SplitCommonName(cert.Subject.CommonName)
			m.st.Internal.RevokedCerts[name] = string(certPEM)
		}
	}
	return crl, nil
}

// ComputeKeyHash returns the fingerprint of the certificate at certPath.
func (m *Manager) ComputeKeyHash(certPath string) (string, error) {
	return m.prim.Hash(certPath)
}

// AdoptHubCredentials switches the node to hub-enrolled mode: clientCert
// (the hub-issued master certificate) replaces the self-signed one, the
// hub master certificate becomes the trust anchor, the hub CRL replaces
// the local one and the connection certificate is re-issued under the new
// master. Nothing changes when any step fails.
func (m *Manager) AdoptHubCredentials(ctx context.Context, clientCert, hubMasterCert, hubCRL string) error {
	const op = "enroll"

	client, err := certs.ParseCertificate([]byte(clientCert))
	if err != nil {
		return errs.E(errs.KindInput, op, fmt.Errorf("client certificate: %w", err))
	}
	hub, err := certs.ParseCertificate([]byte(hubMasterCert))
	if err != nil {
		return errs.E(errs.KindInput, op, fmt.Errorf("hub master certificate: %w", err))
	}
	if err := client.CheckSignatureFrom(hub); err != nil {
		return errs.E(errs.KindInput, op, fmt.Errorf("client certificate not issued by hub: %w", err))
	}
	if hubCRL != "" {
		crl, err := certs.ParseCRL([]byte(hubCRL))
		if err != nil {
			return errs.E(errs.KindInput, op, fmt.Errorf("hub CRL: %w", err))
		}
		if err := crl.CheckSignatureFrom(hub); err != nil {
			return errs.E(errs.KindInput, op, fmt.Errorf("hub CRL signature: %w", err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keyPEM, err := m.keys.Fetch(ctx, m.st.Internal.Master.KeyID)
	if err != nil {
		return errs.E(errs.KindSigning, op, fmt.Errorf("master key: %w", err))
	}
	key, err := certs.ParsePrivateKey(keyPEM)
	if err != nil {
		return errs.E(errs.KindSigning, op, err)
	}
	if !certs.SamePublicKey(key.Public(), client.PublicKey) {
		return errs.E(errs.KindInput, op, errors.New("client certificate does not match master key"))
	}

	conn, err := m.signConnLocked(ctx, clientCert)
	if err != nil {
		return errs.E(errs.KindSigning, op, err)
	}

	m.st.Internal.Master.Cert = clientCert
	m.st.Internal.Pzh = &Slot{Cert: hubMasterCert}
	m.st.Internal.Conn.Cert = conn
	m.st.CRL.Value = hubCRL
	m.log.Info("hub credentials adopted", "hub", hub.Subject.CommonName)
	return nil
}

// DeleteKeys removes every slot key of this identity.
func (m *Manager) DeleteKeys(ctx context.Context) error {
	var err error
	for _, slot := range []string{SlotMaster, SlotConn, SlotWebClient, SlotWebSSL} {
		if _, delErr := m.keys.Delete(ctx, KeyID(m.name, slot)); delErr != nil {
			err = multierr.Append(err, delErr)
		}
	}
	m.mu.Lock()
	m.st = State{External: External{}}
	m.mu.Unlock()
	return err
}

// Credentials is the TLS material of the node's connection identity.
type Credentials struct {
	// Certificate presents [conn, master].
	Certificate tls.Certificate
	Roots       []*x509.Certificate
	CRLs        []*x509.RevocationList
}

// Credentials assembles the connection key pair, trust anchors and
// revocation lists. The anchor is the hub master certificate once
// enrolled, otherwise the node's own master certificate.
func (m *Manager) Credentials(ctx context.Context) (*Credentials, error) {
	const op = "credentials"

	m.mu.Lock()
	st := m.st.clone()
	m.mu.Unlock()

	if st.Internal.Conn.Cert == "" {
		return nil, errs.E(errs.KindSigning, op, errNoConnCert)
	}
	if st.Internal.Master.Cert == "" {
		return nil, errs.E(errs.KindSigning, op, errNoMasterCert)
	}
	key, err := m.keys.Fetch(ctx, st.Internal.Conn.KeyID)
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, fmt.Errorf("connection key: %w", err))
	}
	pair, err := tls.X509KeyPair([]byte(st.Internal.Conn.Cert+st.Internal.Master.Cert), key)
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, err)
	}

	creds := &Credentials{Certificate: pair}

	anchor := st.Internal.Master.Cert
	if st.Internal.Pzh != nil && st.Internal.Pzh.Cert != "" {
		anchor = st.Internal.Pzh.Cert
	}
	root, err := certs.ParseCertificate([]byte(anchor))
	if err != nil {
		return nil, errs.E(errs.KindSigning, op, fmt.Errorf("trust anchor: %w", err))
	}
	creds.Roots = append(creds.Roots, root)

	if st.CRL.Value != "" {
		crl, err := certs.ParseCRL([]byte(st.CRL.Value))
		if err != nil {
			return nil, errs.E(errs.KindSigning, op, fmt.Errorf("crl: %w", err))
		}
		creds.CRLs = append(creds.CRLs, crl)
	}

	for id, ext := range st.External {
		cert, err := certs.ParseCertificate([]byte(ext.Cert))
		if err != nil {
			m.log.Warn("skipping external certificate", "id", id, "error", err)
			continue
		}
		creds.Roots = append(creds.Roots, cert)
		if ext.CRL == "" {
			continue
		}
		crl, err := certs.ParseCRL([]byte(ext.CRL))
		if err != nil {
			m.log.Warn("skipping external CRL", "id", id, "error", err)
			continue
		}
		creds.CRLs = append(creds.CRLs, crl)
	}
	return creds, nil
}

func (m *Manager) altName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.altNameLocked()
}

func (m *Manager) altNameLocked() string {
	return certs.AltNameFor(m.serverName)
}
