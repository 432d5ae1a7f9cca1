package trust

import (
	"context"

	"github.com/avaropoint/pzone/internal/certs"
)

// Role is the certificate role of a key slot. Its value prefixes the
// common name of every certificate issued for that slot.
type Role string

const (
	RoleHubCA     Role = "PzhCA"
	RoleAgentCA   Role = "PzpCA"
	RoleHub       Role = "Pzh"
	RoleAgent     Role = "Pzp"
	RoleWebClient Role = "PzhWS"
	RoleWebTLS    Role = "PzhSSL"
)

// Key slots.
const (
	SlotMaster    = "master"
	SlotConn      = "conn"
	SlotWebClient = "webclient"
	SlotWebSSL    = "webssl"
)

// IsCA reports whether the role issues certificates.
func (r Role) IsCA() bool { return r == RoleHubCA || r == RoleAgentCA }

// Slot returns the key slot the role occupies.
func (r Role) Slot() string {
	switch r {
	case RoleHubCA, RoleAgentCA:
		return SlotMaster
	case RoleWebClient:
		return SlotWebClient
	case RoleWebTLS:
		return SlotWebSSL
	default:
		return SlotConn
	}
}

// CommonName returns the common name for deviceName in this role.
func (r Role) CommonName(deviceName string) string {
	return string(r) + ":" + deviceName
}

// KeyID names the private key of a slot.
func KeyID(deviceName, slot string) string {
	return deviceName + "_" + slot
}

// Primitives is the certificate primitive contract the manager relies on.
// *certs.Primitives implements it.
type Primitives interface {
	CreateCSR(keyPEM []byte, subj certs.Subject) ([]byte, error)
	SelfSign(csrPEM []byte, days int, keyPEM []byte, typ certs.CertType, altName string) ([]byte, error)
	CrossSign(csrPEM []byte, days int, issuerKeyPEM, issuerCertPEM []byte, typ certs.CertType, altName string, opts ...certs.SignOption) ([]byte, error)
	CreateEmptyCRL(keyPEM, certPEM []byte, days int, seq int64) ([]byte, error)
	AppendToCRL(keyPEM, crlPEM, certPEM, issuerCertPEM []byte) ([]byte, error)
	Hash(path string) (string, error)
}

// Keys is the subset of the key store the manager uses.
type Keys interface {
	GenerateAndStore(ctx context.Context, role, keyID string) ([]byte, error)
	Fetch(ctx context.Context, keyID string) ([]byte, error)
	Delete(ctx context.Context, keyID string) (bool, error)
}

// Slot is one certificate slot of the internal bundle.
type Slot struct {
	KeyID string `json:"keyId,omitempty"`
	Cert  string `json:"cert,omitempty"`
	CSR   string `json:"csr,omitempty"`
}

// Internal is the node's own certificate bundle.
type Internal struct {
	Master    Slot  `json:"master"`
	Conn      Slot  `json:"conn"`
	WebClient *Slot `json:"webclient,omitempty"`
	WebSSL    *Slot `json:"webssl,omitempty"`
	// Pzh holds the hub master certificate once enrolled.
	Pzh *Slot `json:"pzh,omitempty"`
	// SignedCerts and RevokedCerts are kept by hubs, keyed by device name.
	SignedCerts  map[string]string `json:"signedCert,omitempty"`
	RevokedCerts map[string]string `json:"revokedCert,omitempty"`
}

// ExternalCert is a trusted certificate from outside the node's own chain.
type ExternalCert struct {
	Cert string `json:"cert"`
	CRL  string `json:"crl,omitempty"`
}

// External maps a remote id to its trusted certificate.
type External map[string]ExternalCert

// CRL is the node's revocation list.
type CRL struct {
	Value string `json:"value"`
}

// State is the persisted trust state of a node.
type State struct {
	Internal Internal
	External External
	CRL      CRL
}

func (s State) clone() State {
	out := State{Internal: s.Internal, CRL: s.CRL, External: make(External, len(s.External))}
	for k, v := range s.External {
		out.External[k] = v
	}
	out.Internal.WebClient = cloneSlot(s.Internal.WebClient)
	out.Internal.WebSSL = cloneSlot(s.Internal.WebSSL)
	out.Internal.Pzh = cloneSlot(s.Internal.Pzh)
	out.Internal.SignedCerts = cloneMap(s.Internal.SignedCerts)
	out.Internal.RevokedCerts = cloneMap(s.Internal.RevokedCerts)
	return out
}

func cloneSlot(s *Slot) *Slot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
