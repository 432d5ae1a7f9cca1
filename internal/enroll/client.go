package enroll

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/avaropoint/pzone/internal/certs"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/session"
)

// DefaultClientTimeout bounds one enrollment round trip.
const DefaultClientTimeout = 30 * time.Second

// CSRSource supplies the agent's master certificate request.
type CSRSource interface {
	MasterCSR() string
}

// Dispatcher receives the registerDevice envelope. The client hands it
// over as a local envelope, since it did not arrive on a zone link.
type Dispatcher interface {
	Dispatch(ctx context.Context, origin session.Origin, env *protocol.Envelope) error
}

// ClientConfig wires a Client.
type ClientConfig struct {
	CSR        CSRSource
	Dispatcher Dispatcher
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is the agent side of enrollment.
type Client struct {
	csr        CSRSource
	dispatcher Dispatcher
	timeout    time.Duration
	log        *slog.Logger
}

// NewClient creates an enrollment client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientTimeout
	}
	return &Client{
		csr:        cfg.CSR,
		dispatcher: cfg.Dispatcher,
		timeout:    cfg.Timeout,
		log:        logging.Component(cfg.Logger, "enroll"),
	}
}

// Enroll presents code to the hub at baseURL and applies the returned
// registerDevice envelope. The hub's TLS chain is accepted on first
// contact and must verify against the master certificate it returns.
func (c *Client) Enroll(ctx context.Context, baseURL, code, name string) error {
	const op = "enroll"

	csr := c.csr.MasterCSR()
	if csr == "" {
		return errs.Errorf(errs.KindInput, op, "node has no master certificate request")
	}
	endpoint, err := url.JoinPath(baseURL, "enroll")
	if err != nil {
		return errs.E(errs.KindInput, op, err)
	}
	body, err := json.Marshal(Request{Code: code, Name: name, CSR: csr})
	if err != nil {
		return errs.E(errs.KindInput, op, err)
	}

	var (
		servedMu sync.Mutex
		served   []*x509.Certificate
	)
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS13,
				// Pinned against the returned master certificate below.
				InsecureSkipVerify: true, //nolint:gosec
				VerifyConnection: func(cs tls.ConnectionState) error {
					servedMu.Lock()
					served = cs.PeerCertificates
					servedMu.Unlock()
					return nil
				},
			},
		},
	}
	defer httpClient.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.E(errs.KindInput, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Info("enrolling with hub", "url", baseURL)
	resp, err := httpClient.Do(req)
	if err != nil {
		return errs.E(errs.KindTransport, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return responseError(op, resp)
	}

	var env protocol.Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, protocol.MaxFrameSize)).Decode(&env); err != nil {
		return errs.E(errs.KindInput, op, fmt.Errorf("decode response: %w", err))
	}
	if env.Type != protocol.TypeProp || env.Payload.Status != protocol.StatusRegisterDevice {
		return errs.Errorf(errs.KindInput, op, "unexpected response %s/%s", env.Type, env.Payload.Status)
	}
	var msg protocol.RegisterDevice
	if err := env.Decode(&msg); err != nil {
		return errs.E(errs.KindInput, op, err)
	}

	servedMu.Lock()
	chain := served
	servedMu.Unlock()
	if err := pin(chain, msg.MasterCert); err != nil {
		return errs.E(errs.KindAuthentication, op, err)
	}

	if err := c.dispatcher.Dispatch(ctx, session.Origin{}, &env); err != nil {
		return err
	}
	c.log.Info("enrolled", "hub", env.From, "session", env.To)
	return nil
}

// pin checks that the served TLS chain was issued by masterPEM.
func pin(chain []*x509.Certificate, masterPEM string) error {
	if len(chain) == 0 {
		return fmt.Errorf("hub presented no certificate")
	}
	master, err := certs.ParseCertificate([]byte(masterPEM))
	if err != nil {
		return fmt.Errorf("hub master certificate: %w", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(master)
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	if _, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		return fmt.Errorf("hub certificate does not match its master certificate: %w", err)
	}
	return nil
}

func responseError(op string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, maxRequestBody)).Decode(&body) //nolint:errcheck
	if body.Error == "" {
		body.Error = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errs.Errorf(errs.KindInput, op, "hub rejected request: %s", body.Error)
	case http.StatusForbidden:
		return errs.Errorf(errs.KindAuthentication, op, "hub refused enrollment: %s", body.Error)
	default:
		return errs.Errorf(errs.KindTransport, op, "hub returned %s: %s", resp.Status, body.Error)
	}
}
