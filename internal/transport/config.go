package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn            = "peer-relay"
	certValidityDur = 365 * 24 * time.Hour
)

// Config controls the QUIC endpoint. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	TLS              *tls.Config
}

func DefaultConfig() (Config, error) {
	tlsConf, err := DefaultTLSConfig()
	if err != nil {
		return Config{}, err
	}
	return Config{
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      30 * time.Second,
		KeepAlive:        10 * time.Second,
		TLS:              tlsConf,
	}, nil
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		KeepAlivePeriod:      c.KeepAlive,
		MaxIdleTimeout:       c.IdleTimeout,
	}
}

// DefaultTLSConfig returns a config with a fresh self-signed certificate. Peers
// authenticate each other by the Hello exchange, not by certificate.
func DefaultTLSConfig() (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpn},
	}, nil
}

func GenerateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := x509.Certificate{
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		NotAfter:     now.Add(certValidityDur),
		NotBefore:    now.Add(-time.Minute),
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"peer-relay"}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Bytes: certDER, Type: "CERTIFICATE"})
	keyPEM := pem.EncodeToMemory(&pem.Block{Bytes: keyDER, Type: "EC PRIVATE KEY"})

	return tls.X509KeyPair(certPEM, keyPEM)
}
