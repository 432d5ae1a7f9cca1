package certs

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
)

// SignOption adjusts a cross-signed certificate.
type SignOption func(*signOptions)

type signOptions struct {
	commonName string
}

// WithCommonName rebinds the subject name to name, keeping the role prefix
// of the requested common name. Hubs use it to assign a unique device id.
func WithCommonName(name string) SignOption {
	return func(o *signOptions) {
		o.commonName = name
	}
}

// SelfSign signs csrPEM with its own key.
func (p *Primitives) SelfSign(csrPEM []byte, days int, keyPEM []byte, typ CertType, altName string) ([]byte, error) {
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	if !SamePublicKey(key.Public(), csr.PublicKey) {
		return nil, errKeyMismatch
	}

	tmpl, err := p.template(csr, days, typ, altName)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, csr.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-sign: %w", err)
	}
	return encode(BlockCertificate, der), nil
}

// CrossSign issues a certificate for csrPEM signed by the issuer key and
// certificate. A CA issued this way may not issue further CAs.
func (p *Primitives) CrossSign(csrPEM []byte, days int, issuerKeyPEM, issuerCertPEM []byte, typ CertType, altName string, opts ...SignOption) ([]byte, error) {
	if len(issuerKeyPEM) == 0 || len(issuerCertPEM) == 0 {
		return nil, errMissingIssuer
	}
	var o signOptions
	for _, opt := range opts {
		opt(&o)
	}

	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	issuerKey, err := ParsePrivateKey(issuerKeyPEM)
	if err != nil {
		return nil, err
	}
	issuer, err := ParseCertificate(issuerCertPEM)
	if err != nil {
		return nil, err
	}
	if !issuer.IsCA {
		return nil, errNotIssuer
	}

	tmpl, err := p.template(csr, days, typ, altName)
	if err != nil {
		return nil, err
	}
	if o.commonName != "" {
		role, _ := SplitCommonName(tmpl.Subject.CommonName)
		cn := o.commonName
		if role != "" {
			cn = role + ":" + o.commonName
		}
		tmpl.Subject.CommonName = EncodeComponent(truncate(cn, MaxCommonName))
	}
	if typ == CertCA {
		tmpl.MaxPathLen = 0
		tmpl.MaxPathLenZero = true
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, csr.PublicKey, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("cross-sign: %w", err)
	}
	return encode(BlockCertificate, der), nil
}
