package ftptest

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
)

// Certificate is a self-signed server certificate for 127.0.0.1 and
// localhost, together with a pool that trusts it.
type Certificate struct {
	TLS  tls.Certificate
	Leaf *x509.Certificate
	Pool *x509.CertPool
}

// NewCertificate generates a throwaway self-signed certificate valid for
// one hour.
func NewCertificate() (*Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"ftptest"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return &Certificate{
		TLS: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        leaf,
		},
		Leaf: leaf,
		Pool: pool,
	}, nil
}

// ServerConfig returns a server-side TLS configuration using the
// certificate.
func (c *Certificate) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLS},
		MinVersion:   tls.VersionTLS12,
		// TLS 1.3 servers send session tickets after the handshake. A client
		// that only writes to a data connection never reads them, and
		// closing a socket with unread input resets it.
		MaxVersion: tls.VersionTLS12,
	}
}

// ClientConfig returns a client-side TLS configuration that trusts the
// certificate.
func (c *Certificate) ClientConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    c.Pool,
		ServerName: "127.0.0.1",
		MinVersion: tls.VersionTLS12,
	}
}
