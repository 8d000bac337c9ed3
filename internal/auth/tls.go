package auth

import (
	"crypto/tls"
	"fmt"
)

// LoadTLSConfig loads a server TLS configuration from configured file
// paths (spec.md §6.4 `certificatePath`/`privateKeyPath`). Certificate
// generation is out of scope here (spec.md §1 lists TLS certificate
// loading as an external collaborator, not a responsibility of this
// server) — this only wraps the standard library's loader.
func LoadTLSConfig(certificatePath, privateKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certificatePath, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
