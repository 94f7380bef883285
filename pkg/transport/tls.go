package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
)

// certValidity is long enough that a running agent never sees expiry
const certValidity = 10 * 365 * 24 * time.Hour

// NewTLSConfig creates a TLS configuration around a self-signed certificate
// whose public key is the node's Ed25519 key. Chain verification is skipped;
// peers are authenticated by the handshake that runs over the first stream.
func NewTLSConfig(signing ed25519.PrivateKey) (*tls.Config, error) {
	if len(signing) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: %d", len(signing))
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"polykey"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	pub := signing.Public()
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, signing)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  signing,
		}},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		NextProtos:         []string{constants.ALPN},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

// PeerCertificates returns the DER encoded certificate chain presented by the peer
func PeerCertificates(s Session) [][]byte {
	state := s.ConnectionState()
	chain := make([][]byte, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		chain = append(chain, cert.Raw)
	}
	return chain
}

// PeerPublicKey returns the ed25519 key of the peer's leaf certificate
func PeerPublicKey(s Session) (ed25519.PublicKey, error) {
	certs := s.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("peer presented no certificate")
	}
	pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate key is %T, want ed25519", certs[0].PublicKey)
	}
	return pub, nil
}
