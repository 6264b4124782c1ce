package vectorstore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TLSOptions configures the TLS connection to a remote store.
type TLSOptions struct {
	Enabled           bool
	CAFile            string
	AllowInvalidCerts bool

	// DisableOCSP is accepted for parity with drivers that staple OCSP
	// responses. crypto/tls performs no OCSP checks, so it has no effect.
	DisableOCSP bool
}

// Config returns the tls.Config for opts, or nil when TLS is disabled.
func (o TLSOptions) Config() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA file: %v", ErrInvalidConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrInvalidConfig, o.CAFile)
		}
		cfg.RootCAs = pool
	}
	if o.AllowInvalidCerts {
		cfg.InsecureSkipVerify = true //nolint:gosec // operator opt-in for self-signed clusters
	}
	return cfg, nil
}

var tlsMarkers = []string{"tls:", "x509:", "certificate", "handshake"}

// isTLSError reports whether err came from certificate verification or the
// TLS handshake.
func isTLSError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		recordHeader     tls.RecordHeaderError
		verification     *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) || errors.As(err, &recordHeader) || errors.As(err, &verification) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range tlsMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
