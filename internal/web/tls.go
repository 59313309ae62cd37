package web

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"taskqueue/internal/config"
)

// serverTLS returns nil when no certificate is configured. A client CA turns
// on mutual TLS.
func serverTLS(cfg config.HTTPConfig) (*tls.Config, error) {
	switch {
	case cfg.TLSCert == "" && cfg.TLSKey == "":
		if cfg.TLSClientCA != "" {
			return nil, fmt.Errorf("HTTP TLS client CA set without a server certificate")
		}
		return nil, nil
	case cfg.TLSCert == "" || cfg.TLSKey == "":
		return nil, fmt.Errorf("HTTP TLS requires both cert and key")
	}

	pair, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load HTTP TLS key pair: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLSClientCA == "" {
		return out, nil
	}

	pem, err := os.ReadFile(cfg.TLSClientCA)
	if err != nil {
		return nil, fmt.Errorf("read HTTP TLS client CA: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("HTTP TLS client CA %s holds no PEM certificates", cfg.TLSClientCA)
	}
	out.ClientCAs = roots
	out.ClientAuth = tls.RequireAndVerifyClientCert
	return out, nil
}
