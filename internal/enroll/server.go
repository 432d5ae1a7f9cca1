// Package enroll brings agents into a hub's zone. The hub hands out
// one-time enrollment codes; an agent presents a code together with its
// master CSR over HTTPS and receives a hub-issued CA certificate in a
// registerDevice envelope.
package enroll

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/avaropoint/pzone/internal/certs"
	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/metrics"
	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/store"
	"github.com/avaropoint/pzone/internal/trust"
)

// maxRequestBody bounds an enrollment request.
const maxRequestBody = 64 << 10

// Signer is the hub's certificate authority.
type Signer interface {
	CrossSign(ctx context.Context, csrPEM []byte, opts ...trust.SignOption) ([]byte, error)
	MasterCert() string
	CRL() string
	Credentials(ctx context.Context) (*trust.Credentials, error)
}

// Registry is the hub identity that remembers enrolled devices.
type Registry interface {
	Metadata() identity.Metadata
	RecordDevice(id, friendlyName string) error
}

// Request is the body of POST /enroll.
type Request struct {
	Code string `json:"code"`
	Name string `json:"name"`
	CSR  string `json:"csr"`
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Signer   Signer
	Registry Registry
	Store    store.Store
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the hub side of enrollment.
type Server struct {
	signer   Signer
	registry Registry
	store    store.Store
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *slog.Logger

	// assignMu serializes name assignment and device creation.
	assignMu sync.Mutex
}

// NewServer creates an enrollment server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Server{
		signer:   cfg.Signer,
		registry: cfg.Registry,
		store:    cfg.Store,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		log:      logging.Component(cfg.Logger, "enroll"),
	}
}

// CreateCode stores a new enrollment token and returns its display code.
func (s *Server) CreateCode(ctx context.Context, label string, maxUses int, expiry time.Duration) (string, *store.EnrollmentToken, error) {
	token, code, err := NewCode(label, maxUses, expiry, s.clock.Now())
	if err != nil {
		return "", nil, err
	}
	if err := s.store.CreateEnrollmentToken(ctx, token); err != nil {
		return "", nil, errs.E(errs.KindPersistence, "createCode", err)
	}
	s.log.Info("enrollment code created", "token", token.ID, "label", label, "max_uses", token.MaxUses, "expires", token.ExpiresAt)
	return code, token, nil
}

// Enroll consumes the request's code, signs the agent's master CSR under
// a unique name and records the device. The returned envelope is the
// registerDevice message for the agent.
func (s *Server) Enroll(ctx context.Context, req Request) (*protocol.Envelope, error) {
	const op = "enroll"

	meta := s.registry.Metadata()
	if meta.NodeType != config.TypeHub {
		return nil, errs.E(errs.KindInput, op, errs.ErrNotAuthority)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, errs.Errorf(errs.KindInput, op, "enrollment code required")
	}
	csr, err := certs.ParseCSR([]byte(req.CSR))
	if err != nil {
		return nil, errs.E(errs.KindInput, op, err)
	}
	role, csrName := certs.SplitCommonName(csr.Subject.CommonName)
	if role != string(trust.RoleAgentCA) {
		return nil, errs.Errorf(errs.KindInput, op, "request role %q is not %s", role, trust.RoleAgentCA)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = csrName
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, errs.Errorf(errs.KindInput, op, "invalid device name %q", name)
	}

	hubID := meta.DeviceName
	now := s.clock.Now()

	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	assigned, err := s.assignName(ctx, hubID, name)
	if err != nil {
		return nil, errs.E(errs.KindPersistence, op, err)
	}
	deviceID := hubID + "/" + assigned

	tok, err := s.store.ConsumeEnrollmentToken(ctx, HashCode(req.Code), deviceID, now)
	if err != nil {
		s.metrics.Enrollments.WithLabelValues("rejected").Inc()
		s.log.Warn("enrollment refused", "name", name, "error", err)
		return nil, errs.E(errs.KindAuthentication, op, err)
	}

	signed, err := s.issue(ctx, req.CSR, deviceID, assigned, name, now)
	if err != nil {
		// The code is only spent on a device that was actually enrolled.
		if relErr := s.store.ReleaseEnrollmentToken(ctx, tok.ID); relErr != nil {
			s.log.Error("enrollment code not released", "token", tok.ID, "error", relErr)
		}
		s.metrics.Enrollments.WithLabelValues("failed").Inc()
		return nil, err
	}

	env, err := protocol.NewProp(hubID, deviceID, protocol.StatusRegisterDevice, protocol.RegisterDevice{
		ClientCert: signed,
		MasterCert: s.signer.MasterCert(),
		MasterCRL:  s.signer.CRL(),
	})
	if err != nil {
		return nil, errs.E(errs.KindInput, op, err)
	}
	s.metrics.Enrollments.WithLabelValues("issued").Inc()
	s.log.Info("device enrolled", "device", deviceID, "requested", name)
	return env, nil
}

// issue signs csr for deviceID and records the device.
func (s *Server) issue(ctx context.Context, csr, deviceID, assigned, requested string, now time.Time) (string, error) {
	const op = "enroll"

	signed, err := s.signer.CrossSign(ctx, []byte(csr), trust.WithAssignedName(assigned))
	if err != nil {
		return "", err
	}
	cert, err := certs.ParseCertificate(signed)
	if err != nil {
		return "", errs.E(errs.KindSigning, op, err)
	}
	if err := s.store.CreateDevice(ctx, &store.Device{
		ID:            deviceID,
		Name:          assigned,
		RequestedName: requested,
		CertSerial:    cert.SerialNumber.Text(16),
		Cert:          string(signed),
		EnrolledAt:    now,
		LastSeen:      now,
	}); err != nil {
		return "", errs.E(errs.KindPersistence, op, err)
	}
	if err := s.registry.RecordDevice(deviceID, assigned); err != nil {
		return "", err
	}
	return string(signed), nil
}

// assignName returns name, or name_<8 hex> when a device already holds it.
func (s *Server) assignName(ctx context.Context, hubID, name string) (string, error) {
	candidate := name
	for range 8 {
		_, err := s.store.GetDevice(ctx, hubID+"/"+candidate)
		if errors.Is(err, store.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = name + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return "", fmt.Errorf("no free name for %q", name)
}

// Handler routes POST /enroll and GET /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enroll", s.handleEnroll)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	env, err := s.Enroll(r.Context(), req)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindInput:
			writeError(w, http.StatusBadRequest, err.Error())
		case errs.KindAuthentication:
			writeError(w, http.StatusForbidden, "invalid enrollment code")
		default:
			s.log.Error("enrollment failed", "error", err)
			writeError(w, http.StatusInternalServerError, "enrollment failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}

// Serve answers HTTPS requests on ln with the hub's connection
// certificate until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	creds, err := s.signer.Credentials(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{creds.Certificate},
			MinVersion:   tls.VersionTLS13,
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	s.log.Info("enrollment endpoint listening", "addr", ln.Addr())
	err = srv.ServeTLS(ln, "", "")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errs.E(errs.KindTransport, "listen", err)
	}
	return s.Serve(ctx, ln)
}
