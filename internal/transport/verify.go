package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/avaropoint/pzone/internal/certs"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/trust"
)

var (
	errNoPeerCert = errors.New("peer presented no certificate")
	errRevoked    = errors.New("peer certificate revoked")
)

// verifyError marks a failure of local peer verification so it can be told
// apart from socket errors after the handshake.
type verifyError struct {
	reason string
	err    error
}

func (e *verifyError) Error() string { return e.err.Error() }
func (e *verifyError) Unwrap() error { return e.err }

// peerInfo is the identity proven by a verified peer chain.
type peerInfo struct {
	ID    string
	Chain []*x509.Certificate
}

// verifyPeer checks presented against the roots and revocation lists of
// creds and derives the peer's session id from the verified chain.
func verifyPeer(presented []*x509.Certificate, creds *trust.Credentials, usage x509.ExtKeyUsage, now time.Time) (peerInfo, error) {
	if len(presented) == 0 {
		return peerInfo{}, &verifyError{"no_certificate", errNoPeerCert}
	}
	for _, c := range presented {
		if now.Before(c.NotBefore) {
			return peerInfo{}, &verifyError{"not_yet_valid", errs.ErrCertNotYetValid}
		}
	}

	roots := x509.NewCertPool()
	for _, r := range creds.Roots {
		roots.AddCert(r)
	}
	inter := x509.NewCertPool()
	for _, c := range presented[1:] {
		inter.AddCert(c)
	}
	chains, err := presented[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{usage},
		CurrentTime:   now,
	})
	if err != nil {
		return peerInfo{}, &verifyError{"untrusted", fmt.Errorf("verify peer chain: %w", err)}
	}
	chain := chains[0]

	for i := 0; i+1 < len(chain); i++ {
		for _, crl := range creds.CRLs {
			if crl.CheckSignatureFrom(chain[i+1]) != nil {
				continue
			}
			if certs.IsRevoked(crl, chain[i]) {
				return peerInfo{}, &verifyError{"revoked", fmt.Errorf("%w: %s", errRevoked, chain[i].Subject.CommonName)}
			}
		}
	}
	return peerInfo{ID: PeerID(chain), Chain: chain}, nil
}

// PeerID derives a session id from a verified chain [leaf, ..., root]. The
// name is that of the node CA that issued the leaf, qualified by the hub
// name when the chain ends in a hub CA.
func PeerID(chain []*x509.Certificate) string {
	if len(chain) == 0 {
		return ""
	}
	if len(chain) == 1 {
		_, name := certs.SplitCommonName(chain[0].Subject.CommonName)
		return name
	}
	_, name := certs.SplitCommonName(chain[1].Subject.CommonName)
	root := chain[len(chain)-1]
	if root.Equal(chain[1]) {
		return name
	}
	role, hub := certs.SplitCommonName(root.Subject.CommonName)
	if role == string(trust.RoleHubCA) {
		return hub + "/" + name
	}
	return name
}

// tlsConfig builds the TLS configuration of one connection. Chain and
// revocation checks run in VerifyConnection; the verified identity is
// stored in out.
func tlsConfig(creds *trust.Credentials, server bool, now func() time.Time, out *peerInfo) *tls.Config {
	usage := x509.ExtKeyUsageServerAuth
	if server {
		usage = x509.ExtKeyUsageClientAuth
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{creds.Certificate},
		MinVersion:   tls.VersionTLS13,
		// Zone certificates are bound to device names, not host names.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyConnection: func(cs tls.ConnectionState) error {
			info, err := verifyPeer(cs.PeerCertificates, creds, usage, now())
			if err != nil {
				return err
			}
			*out = info
			return nil
		},
	}
	if server {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg
}

// classify turns a handshake or read error into a classified error. reason
// is set for authentication failures only.
func classify(op string, err error) (reason string, classified error) {
	var verr *verifyError
	if errors.As(err, &verr) {
		return verr.reason, errs.E(errs.KindAuthentication, op, verr.err)
	}
	if remoteAlert(err) {
		return "rejected", errs.E(errs.KindAuthentication, op, err)
	}
	return "", errs.E(errs.KindTransport, op, err)
}

// remoteAlert reports whether err is a TLS alert sent by the peer. Under
// TLS 1.3 a client learns that its certificate was refused only on its
// first read after the handshake.
func remoteAlert(err error) bool {
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "remote error"
}
