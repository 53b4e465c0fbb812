package session

import (
	"errors"
	"strings"
)

var (
	ErrTLSCertFileRequired = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("session: tls key file required")
	ErrTLSCAFileRequired   = errors.New("session: tls ca file required")
)

// TLSConfig enables TLS for the management port (commonly 5039).
type TLSConfig struct {
	Enabled            bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.CAFile) == "" && !c.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	cert := strings.TrimSpace(c.CertFile)
	key := strings.TrimSpace(c.KeyFile)
	if cert != "" && key == "" {
		return ErrTLSKeyFileRequired
	}
	if key != "" && cert == "" {
		return ErrTLSCertFileRequired
	}
	return nil
}

// Mutual reports whether a client certificate is presented.
func (c TLSConfig) Mutual() bool {
	return c.Enabled && strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != ""
}
