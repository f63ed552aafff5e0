// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"decred.org/coinjoin/cj"
)

// ErrInvalidCert is returned when a certificate file holds no usable PEM
// certificate.
const ErrInvalidCert = cj.ErrorKind("invalid certificate")

// TLSConfig prepares a *tls.Config trusting the system roots and the
// certificates in certFile, if given.
func TLSConfig(certFile string) (*tls.Config, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", certFile, err)
		}
		if ok := rootCAs.AppendCertsFromPEM(pem); !ok {
			return nil, ErrInvalidCert
		}
	}
	return &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}, nil
}
