// Package mtls derives device identities from client certificates, either
// from the certificate itself or from the headers a TLS-terminating proxy
// forwards with the request.
package mtls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCommonName indicates no client common name was forwarded.
	ErrNoCommonName = errors.New("no client common name")
	// ErrNoIssuerHash indicates no issuer hash was forwarded.
	ErrNoIssuerHash = errors.New("no issuer hash")
)

// Identity is the certificate identity of a device.
type Identity struct {
	CommonName   string
	IssuerHashes []string
}

// HeaderConfig names the headers carrying the forwarded certificate fields.
type HeaderConfig struct {
	CommonNameHeader string
	// IssuerHashHeaderFormat is a printf format taking the 1-based index.
	IssuerHashHeaderFormat string
	MaxIssuerHashes        int
}

// DefaultHeaderConfig returns the header names used by common reverse proxy setups.
func DefaultHeaderConfig() HeaderConfig {
	return HeaderConfig{
		CommonNameHeader:       "X-Ssl-Client-Cn",
		IssuerHashHeaderFormat: "X-Ssl-Issuer-Hash-%d",
		MaxIssuerHashes:        10,
	}
}

// IdentityFromHeaders reads the forwarded identity. get returns "" for an
// absent header. Issuer hash headers are read from index 1 until the first
// gap.
func IdentityFromHeaders(get func(string) string, cfg HeaderConfig) (*Identity, error) {
	cn := strings.TrimSpace(get(cfg.CommonNameHeader))
	if cn == "" {
		return nil, ErrNoCommonName
	}

	identity := &Identity{CommonName: cn}
	for i := 1; i <= cfg.MaxIssuerHashes; i++ {
		hash := strings.TrimSpace(get(fmt.Sprintf(cfg.IssuerHashHeaderFormat, i)))
		if hash == "" {
			break
		}
		identity.IssuerHashes = append(identity.IssuerHashes, strings.ToLower(hash))
	}
	if len(identity.IssuerHashes) == 0 {
		return nil, ErrNoIssuerHash
	}
	return identity, nil
}

// MatchIssuer returns the first forwarded issuer hash that is authorized.
func (id *Identity) MatchIssuer(authorized []string) (string, bool) {
	for _, presented := range id.IssuerHashes {
		for _, a := range authorized {
			if strings.EqualFold(strings.TrimSpace(a), presented) {
				return presented, true
			}
		}
	}
	return "", false
}

// IssuerHash returns the hash operators configure as authorized issuer: the
// hex SHA-256 of the DER-encoded issuer name, truncated to 8 bytes.
func IssuerHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawIssuer)
	return hex.EncodeToString(sum[:8])
}

// IdentityFromCertificate builds the identity a proxy would forward for cert.
func IdentityFromCertificate(cert *x509.Certificate) *Identity {
	return &Identity{
		CommonName:   cert.Subject.CommonName,
		IssuerHashes: []string{IssuerHash(cert)},
	}
}

// ParseCertificatePEM parses a PEM-encoded certificate.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
