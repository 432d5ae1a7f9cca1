package certs

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// CreateEmptyCRL issues a revocation list with no entries, numbered seq.
func (p *Primitives) CreateEmptyCRL(keyPEM, certPEM []byte, days int, seq int64) ([]byte, error) {
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	issuer, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	now := p.clock()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(seq),
		ThisUpdate: now,
		NextUpdate: now.AddDate(0, 0, days),
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer, key)
	if err != nil {
		return nil, fmt.Errorf("create CRL: %w", err)
	}
	return encode(BlockCRL, der), nil
}

// AppendToCRL adds the serial of certPEM to crlPEM and re-signs the list
// with the next number. The list is returned unchanged when the serial is
// already revoked.
func (p *Primitives) AppendToCRL(keyPEM, crlPEM, certPEM, issuerCertPEM []byte) ([]byte, error) {
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	issuer, err := ParseCertificate(issuerCertPEM)
	if err != nil {
		return nil, err
	}
	crl, err := ParseCRL(crlPEM)
	if err != nil {
		return nil, err
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, errForeignCRL
	}
	target, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(target.SerialNumber) == 0 {
			return crlPEM, nil
		}
	}

	now := p.clock()
	lifetime := crl.NextUpdate.Sub(crl.ThisUpdate)
	number := big.NewInt(0)
	if crl.Number != nil {
		number.Add(crl.Number, big.NewInt(1))
	}

	entries := append(crl.RevokedCertificateEntries, x509.RevocationListEntry{
		SerialNumber:   target.SerialNumber,
		RevocationTime: now,
	})
	tmpl := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(lifetime),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer, key)
	if err != nil {
		return nil, fmt.Errorf("update CRL: %w", err)
	}
	return encode(BlockCRL, der), nil
}

// Hash returns the SHA-1 fingerprint of the PEM certificate stored at
// path, as colon-separated uppercase hex.
func (p *Primitives) Hash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Fingerprint(data)
}

// Fingerprint returns the SHA-1 fingerprint of a PEM certificate.
func Fingerprint(certPEM []byte) (string, error) {
	der, err := decode(certPEM, BlockCertificate)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// IsRevoked reports whether cert's serial appears in crl.
func IsRevoked(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// Supersedes reports whether next revokes every serial prev revokes.
func Supersedes(next, prev *x509.RevocationList) bool {
	for _, old := range prev.RevokedCertificateEntries {
		found := false
		for _, entry := range next.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(old.SerialNumber) == 0 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
