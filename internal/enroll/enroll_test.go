package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/pzone/internal/certs"
	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/keystore"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/metrics"
	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/router"
	"github.com/avaropoint/pzone/internal/session"
	"github.com/avaropoint/pzone/internal/store"
	"github.com/avaropoint/pzone/internal/trust"
)

type fixture struct {
	trust    *trust.Manager
	identity *identity.Store
}

func newFixture(t *testing.T, nodeType, name string) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Root = t.TempDir()
	cfg.Node.Type = nodeType
	cfg.Node.Name = name

	keyDir := t.TempDir()
	sealer, err := keystore.LoadOrCreateSealer(filepath.Join(keyDir, "seal.pem"))
	require.NoError(t, err)
	prims := certs.New("")
	keys, err := keystore.Open(filepath.Join(keyDir, "keys.db"), sealer, prims.GenerateKey)
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() }) //nolint:errcheck

	tm := trust.New(trust.Config{
		Subject:    certs.Subject{Country: "UK", State: "Kent", City: "Canterbury", OrgName: "Zone", OrgUnit: "Test", Email: "test@example.org"},
		Keys:       keys,
		Primitives: prims,
		Logger:     logging.Discard(),
	})
	st := identity.New(&cfg, tm, logging.Discard())
	require.NoError(t, st.CreateOrLoad(context.Background()))
	return &fixture{trust: tm, identity: st}
}

type hubFixture struct {
	*fixture
	server  *Server
	store   *store.SQLiteStore
	clock   *clock.Mock
	metrics *metrics.Metrics
}

func newHub(t *testing.T, signer func(*trust.Manager) Signer) *hubFixture {
	t.Helper()
	f := newFixture(t, config.TypeHub, "hub_alice")
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.New(nil)
	var s Signer = f.trust
	if signer != nil {
		s = signer(f.trust)
	}
	srv := NewServer(ServerConfig{
		Signer:   s,
		Registry: f.identity,
		Store:    db,
		Clock:    mock,
		Metrics:  m,
		Logger:   logging.Discard(),
	})
	return &hubFixture{fixture: f, server: srv, store: db, clock: mock, metrics: m}
}

func (h *hubFixture) code(t *testing.T, uses int) string {
	t.Helper()
	code, _, err := h.server.CreateCode(context.Background(), "test", uses, time.Hour)
	require.NoError(t, err)
	return code
}

func TestNewCode(t *testing.T) {
	now := time.Now()
	token, code, err := NewCode("kitchen", 0, 0, now)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[A-HJKMNP-Z2-9]{4}-[A-HJKMNP-Z2-9]{4}$`), code)
	assert.Equal(t, DefaultCodeUses, token.MaxUses)
	assert.Equal(t, now.Add(DefaultCodeExpiry), token.ExpiresAt)
	assert.Equal(t, token.CodeHash, HashCode(code))
	assert.Equal(t, token.CodeHash, HashCode(" "+strings.ToLower(strings.ReplaceAll(code, "-", ""))+" "))
	assert.NotContains(t, token.CodeHash, code)
}

func TestEnrollIssuesAgentCA(t *testing.T) {
	ctx := context.Background()
	hub := newHub(t, nil)
	agent := newFixture(t, config.TypeAgent, "laptop")

	env, err := hub.server.Enroll(ctx, Request{Code: hub.code(t, 1), CSR: agent.trust.MasterCSR()})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRegisterDevice, env.Payload.Status)
	assert.Equal(t, "hub_alice", env.From)
	assert.Equal(t, "hub_alice/laptop", env.To)

	var msg protocol.RegisterDevice
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, hub.trust.MasterCert(), msg.MasterCert)
	assert.Equal(t, hub.trust.CRL(), msg.MasterCRL)

	cert, err := certs.ParseCertificate([]byte(msg.ClientCert))
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
	role, name := certs.SplitCommonName(cert.Subject.CommonName)
	assert.Equal(t, string(trust.RoleAgentCA), role)
	assert.Equal(t, "laptop", name)

	d, err := hub.store.GetDevice(ctx, "hub_alice/laptop")
	require.NoError(t, err)
	assert.Equal(t, cert.SerialNumber.Text(16), d.CertSerial)
	assert.Equal(t, hub.clock.Now(), d.EnrolledAt)
	assert.Contains(t, hub.identity.TrustedList().Pzp, "hub_alice/laptop")
}

func TestEnrollAssignsUniqueNames(t *testing.T) {
	ctx := context.Background()
	hub := newHub(t, nil)
	code := hub.code(t, 2)

	first := newFixture(t, config.TypeAgent, "laptop")
	env, err := hub.server.Enroll(ctx, Request{Code: code, CSR: first.trust.MasterCSR()})
	require.NoError(t, err)
	assert.Equal(t, "hub_alice/laptop", env.To)

	second := newFixture(t, config.TypeAgent, "other")
	env, err = hub.server.Enroll(ctx, Request{Code: code, Name: "laptop", CSR: second.trust.MasterCSR()})
	require.NoError(t, err)
	assert.Regexp(t, `^hub_alice/laptop_[0-9a-f]{8}$`, env.To)

	devices, err := hub.store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestEnrollRejectsCodes(t *testing.T) {
	ctx := context.Background()
	hub := newHub(t, nil)
	agent := newFixture(t, config.TypeAgent, "laptop")
	csr := agent.trust.MasterCSR()

	_, err := hub.server.Enroll(ctx, Request{Code: "ABCD-EFGH", CSR: csr})
	assert.True(t, errs.Is(err, errs.KindAuthentication))
	assert.ErrorIs(t, err, store.ErrNotFound)

	code := hub.code(t, 1)
	_, err = hub.server.Enroll(ctx, Request{Code: code, CSR: csr})
	require.NoError(t, err)
	_, err = hub.server.Enroll(ctx, Request{Code: code, CSR: csr})
	assert.ErrorIs(t, err, store.ErrTokenExhausted)

	expiring := hub.code(t, 1)
	hub.clock.Add(2 * time.Hour)
	_, err = hub.server.Enroll(ctx, Request{Code: expiring, CSR: csr})
	assert.ErrorIs(t, err, store.ErrTokenExpired)
}

func TestEnrollRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	hub := newHub(t, nil)
	agent := newFixture(t, config.TypeAgent, "laptop")
	code := hub.code(t, 5)

	tests := []struct {
		name string
		req  Request
	}{
		{name: "no code", req: Request{CSR: agent.trust.MasterCSR()}},
		{name: "garbage csr", req: Request{Code: code, CSR: "not a csr"}},
		{name: "leaf csr", req: Request{Code: code, CSR: agent.trust.State().Internal.Conn.CSR}},
		{name: "slash in name", req: Request{Code: code, Name: "a/b", CSR: agent.trust.MasterCSR()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := hub.server.Enroll(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindInput))
		})
	}

	devices, err := hub.store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestEnrollOnlyOnHubs(t *testing.T) {
	agent := newFixture(t, config.TypeAgent, "laptop")
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	srv := NewServer(ServerConfig{Signer: agent.trust, Registry: agent.identity, Store: db, Logger: logging.Discard()})
	_, err = srv.Enroll(context.Background(), Request{Code: "ABCD-EFGH", CSR: agent.trust.MasterCSR()})
	assert.ErrorIs(t, err, errs.ErrNotAuthority)
}

func TestHandler(t *testing.T) {
	hub := newHub(t, nil)
	h := hub.server.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enroll", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enroll", strings.NewReader(`{"code":"ABCD-EFGH","csr":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	agent := newFixture(t, config.TypeAgent, "laptop")
	body, err := json.Marshal(Request{Code: "ABCD-EFGH", CSR: agent.trust.MasterCSR()})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enroll", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"invalid enrollment code"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pzone_enroll_requests_total{result="rejected"} 1`)
}

// agentNode is an unenrolled agent with a session manager and router.
type agentNode struct {
	*fixture
	sessions *session.Manager
	client   *Client
}

func newAgent(t *testing.T) *agentNode {
	t.Helper()
	f := newFixture(t, config.TypeAgent, "laptop")
	sm := session.New(session.Config{Identity: f.identity, Logger: logging.Discard()})
	sm.Init()
	r := router.New(router.Config{Sessions: sm, Store: f.identity, Logger: logging.Discard()})
	client := NewClient(ClientConfig{CSR: f.trust, Dispatcher: r, Timeout: 10 * time.Second, Logger: logging.Discard()})
	return &agentNode{fixture: f, sessions: sm, client: client}
}

func serve(t *testing.T, hub *hubFixture) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return "https://" + ln.Addr().String()
}

func TestClientEnrollsOverHTTPS(t *testing.T) {
	hub := newHub(t, nil)
	url := serve(t, hub)
	agent := newAgent(t)

	require.NoError(t, agent.client.Enroll(context.Background(), url, hub.code(t, 1), ""))

	assert.True(t, agent.sessions.Enrolled())
	meta := agent.identity.Metadata()
	assert.Equal(t, "hub_alice", meta.PzhID)
	assert.Equal(t, "laptop", meta.PzhAssignedID)
	assert.Equal(t, "hub_alice/laptop", agent.sessions.SessionID())
	assert.Equal(t, hub.trust.MasterCert(), agent.trust.State().Internal.Pzh.Cert)
}

func TestClientSurfacesRefusal(t *testing.T) {
	hub := newHub(t, nil)
	url := serve(t, hub)
	agent := newAgent(t)

	err := agent.client.Enroll(context.Background(), url, "ZZZZ-ZZZZ", "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthentication))
	assert.False(t, agent.sessions.Enrolled())
}

// impostor answers with another hub's master certificate.
type impostor struct {
	*trust.Manager
	master string
}

func (i impostor) MasterCert() string { return i.master }

// flakySigner fails the first cross-signing it is asked for.
type flakySigner struct {
	*trust.Manager
	failed *bool
}

func (f flakySigner) CrossSign(ctx context.Context, csrPEM []byte, opts ...trust.SignOption) ([]byte, error) {
	if !*f.failed {
		*f.failed = true
		return nil, errs.Errorf(errs.KindSigning, "crossSign", "master key unavailable")
	}
	return f.Manager.CrossSign(ctx, csrPEM, opts...)
}

func TestEnrollFailureKeepsCode(t *testing.T) {
	ctx := context.Background()
	var failed bool
	hub := newHub(t, func(m *trust.Manager) Signer { return flakySigner{Manager: m, failed: &failed} })
	agent := newFixture(t, config.TypeAgent, "laptop")
	code := hub.code(t, 1)

	_, err := hub.server.Enroll(ctx, Request{Code: code, CSR: agent.trust.MasterCSR()})
	assert.True(t, errs.Is(err, errs.KindSigning))
	assert.Equal(t, 1.0, testutil.ToFloat64(hub.metrics.Enrollments.WithLabelValues("failed")))
	_, err = hub.store.GetDevice(ctx, "hub_alice/laptop")
	assert.ErrorIs(t, err, store.ErrNotFound)

	env, err := hub.server.Enroll(ctx, Request{Code: code, CSR: agent.trust.MasterCSR()})
	require.NoError(t, err)
	assert.Equal(t, "hub_alice/laptop", env.To)

	tokens, err := hub.store.ListEnrollmentTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, 1, tokens[0].Uses)
}

func TestClientPinsHubCertificate(t *testing.T) {
	other := newFixture(t, config.TypeHub, "hub_mallory")
	hub := newHub(t, func(m *trust.Manager) Signer {
		return impostor{Manager: m, master: other.trust.MasterCert()}
	})
	url := serve(t, hub)
	agent := newAgent(t)

	err := agent.client.Enroll(context.Background(), url, hub.code(t, 1), "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthentication))
	assert.False(t, agent.sessions.Enrolled())
	assert.False(t, agent.identity.Metadata().Enrolled)
}

func TestClientUnreachableHub(t *testing.T) {
	agent := newAgent(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = agent.client.Enroll(context.Background(), "https://"+addr, "ABCD-EFGH", "")
	require.Error(t, err)
	var classified *errs.Error
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, errs.KindTransport, classified.Kind)
}
