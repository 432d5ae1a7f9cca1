// Package certs implements the X.509 primitives used by the trust manager:
// key generation, CSR creation, self-signing, cross-signing, CRL issuance
// and certificate fingerprints. Every value crosses the API as PEM.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// PEM block types.
const (
	BlockCertificate = "CERTIFICATE"
	BlockCSR         = "CERTIFICATE REQUEST"
	BlockCRL         = "X509 CRL"
	BlockECKey       = "EC PRIVATE KEY"
)

// ValidityDays is the lifetime of every certificate and CRL issued in a zone.
const ValidityDays = 3600

// ClockSkew is how far a leaf certificate's NotBefore is backdated.
const ClockSkew = 300 * time.Second

// MaxCommonName is the longest common name accepted, counted before encoding.
const MaxCommonName = 40

// CertType selects the certificate profile.
type CertType int

const (
	// CertCA issues a certificate authority (CA:TRUE, certSign, crlSign).
	CertCA CertType = iota
	// CertClient issues a TLS leaf usable as client and server.
	CertClient
)

func (t CertType) String() string {
	if t == CertCA {
		return "ca"
	}
	return "client"
}

var (
	errBadPEM        = errors.New("malformed PEM block")
	errKeyMismatch   = errors.New("CSR public key does not match signing key")
	errUnsupported   = errors.New("unsupported private key type")
	errForeignCRL    = errors.New("CRL was not issued by this certificate")
	errNotIssuer     = errors.New("issuer certificate is not a CA")
	errEmptyAltName  = errors.New("subject alternative name must be IP:<addr> or DNS:<name>")
	errMissingCSR    = errors.New("CSR is empty")
	errMissingIssuer = errors.New("issuer key or certificate is empty")
)

// Subject holds the distinguished name attributes of a CSR.
type Subject struct {
	Country    string
	State      string
	City       string
	OrgName    string
	OrgUnit    string
	Email      string
	CommonName string
}

// Validate reports every required attribute that is absent or blank.
func (s Subject) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"country", s.Country},
		{"state", s.State},
		{"city", s.City},
		{"orgname", s.OrgName},
		{"orgunit", s.OrgUnit},
		{"email", s.Email},
		{"cn", s.CommonName},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing subject attributes: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Primitives issues certificates. URL is embedded as the CRL distribution
// point of CA certificates and the issuer URL of leaves.
type Primitives struct {
	URL string
	now func() time.Time
}

// New returns primitives that reference url in issued certificates.
func New(url string) *Primitives {
	return &Primitives{URL: url, now: time.Now}
}

// GenerateKey creates an ECDSA P-384 private key.
func (p *Primitives) GenerateKey() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return encode(BlockECKey, der), nil
}

// CreateCSR builds a certificate request signed by keyPEM.
func (p *Primitives) CreateCSR(keyPEM []byte, subj Subject) ([]byte, error) {
	if err := subj.Validate(); err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			Country:            []string{EncodeComponent(subj.Country)},
			Province:           []string{EncodeComponent(subj.State)},
			Locality:           []string{EncodeComponent(subj.City)},
			Organization:       []string{EncodeComponent(subj.OrgName)},
			OrganizationalUnit: []string{EncodeComponent(subj.OrgUnit)},
			CommonName:         EncodeComponent(truncate(subj.CommonName, MaxCommonName)),
		},
		EmailAddresses: []string{subj.Email},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	return encode(BlockCSR, der), nil
}

func (p *Primitives) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

// template builds the certificate profile for typ from a verified CSR.
func (p *Primitives) template(csr *x509.CertificateRequest, days int, typ CertType, altName string) (*x509.Certificate, error) {
	now := p.clock()
	tmpl := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               csr.Subject,
		EmailAddresses:        csr.EmailAddresses,
		NotAfter:              now.AddDate(0, 0, days),
		BasicConstraintsValid: true,
	}
	if err := applyAltName(tmpl, altName); err != nil {
		return nil, err
	}

	switch typ {
	case CertCA:
		tmpl.NotBefore = now
		tmpl.IsCA = true
		tmpl.MaxPathLen = 1
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		if p.URL != "" {
			tmpl.CRLDistributionPoints = []string{p.URL}
		}
	default:
		tmpl.NotBefore = now.Add(-ClockSkew)
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
		if p.URL != "" {
			tmpl.IssuingCertificateURL = []string{p.URL}
		}
	}
	return tmpl, nil
}

// AltNameFor renders addr as "IP:<addr>" or "DNS:<name>". A port suffix is dropped.
func AltNameFor(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return ""
	}
	if net.ParseIP(addr) != nil {
		return "IP:" + addr
	}
	return "DNS:" + addr
}

func applyAltName(tmpl *x509.Certificate, altName string) error {
	if altName == "" {
		return nil
	}
	kind, value, ok := strings.Cut(altName, ":")
	if !ok || value == "" {
		return errEmptyAltName
	}
	switch strings.ToUpper(kind) {
	case "IP":
		ip := net.ParseIP(value)
		if ip == nil {
			return fmt.Errorf("invalid IP alt name %q", value)
		}
		tmpl.IPAddresses = []net.IP{ip}
	case "DNS":
		tmpl.DNSNames = []string{value}
	default:
		return errEmptyAltName
	}
	return nil
}

// EncodeComponent percent-encodes s the way URI components are encoded.
func EncodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// SplitCommonName decodes a certificate common name of the form
// "<role>:<name>" into its parts.
func SplitCommonName(cn string) (role, name string) {
	if decoded, err := url.PathUnescape(cn); err == nil {
		cn = decoded
	}
	role, name, ok := strings.Cut(cn, ":")
	if !ok {
		return "", cn
	}
	return role, name
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func newSerial() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, _ := rand.Int(rand.Reader, max)
	return serial
}

func encode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func decode(data []byte, blockType string) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("%w: want %s", errBadPEM, blockType)
	}
	return block.Bytes, nil
}

// ParsePrivateKey decodes an EC or PKCS#8 private key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: want private key", errBadPEM)
	}
	switch block.Type {
	case BlockECKey:
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errUnsupported
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupported, block.Type)
	}
}

// ParseCertificate decodes the first certificate in data.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der, err := decode(data, BlockCertificate)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// ParseCSR decodes a certificate request and checks its self-signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	if len(data) == 0 {
		return nil, errMissingCSR
	}
	der, err := decode(data, BlockCSR)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}
	return csr, nil
}

// ParseCRL decodes a revocation list.
func ParseCRL(data []byte) (*x509.RevocationList, error) {
	der, err := decode(data, BlockCRL)
	if err != nil {
		return nil, err
	}
	return x509.ParseRevocationList(der)
}

// SamePublicKey reports whether a and b hold the same public key.
func SamePublicKey(a, b crypto.PublicKey) bool {
	ka, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && ka.Equal(b)
}
