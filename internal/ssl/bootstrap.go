// Package ssl creates self-signed certificates for development servers and
// tests.
package ssl

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

// DefaultValidFor is the lifetime of generated certificates.
const DefaultValidFor = 365 * 24 * time.Hour

// SelfSigned creates an ECDSA P-256 certificate for hosts, which may be DNS
// names or IP addresses. The certificate is its own CA.
func SelfSigned(hosts []string, validFor time.Duration) (tls.Certificate, *x509.Certificate, error) {
	if len(hosts) == 0 {
		return tls.Certificate{}, nil, errors.New("no hosts")
	}
	if validFor <= 0 {
		validFor = DefaultValidFor
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "generate key")
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "generate serial number")
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Globalyzing"}},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validFor),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "create certificate")
	}
	leaf, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "parse certificate")
	}

	cert := tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  priv,
		Leaf:        leaf,
	}
	return cert, leaf, nil
}
