// Package pki fornece a configuração TLS do servidor, com verificação de
// certificado de cliente opcional em vez de mTLS obrigatório.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerTLSConfig cria a configuração TLS 1.3 para um ListenEndpoint com
// TLS ligado (§3 ListenEndpoint, §6 tlsCertFile/tlsKeyFile/tlsVerifyClientCert).
// Ao contrário do mTLS obrigatório do protocolo original, a verificação do
// certificado do client só é exigida quando verifyClientCert é true e, nesse
// caso, caCertPath deve apontar para o CA usado para validar os clients.
func NewServerTLSConfig(certPath, keyPath, caCertPath string, verifyClientCert bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if verifyClientCert {
		pool, err := loadCACertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
