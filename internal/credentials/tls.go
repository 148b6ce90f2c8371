// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// SecureClient is a transport client which authenticates with TLS client
// credentials.
type SecureClient interface {
	SetCredentials(caCert, cert, key string) error
}

// ConfigureSecureClient hands b's key material to c.
func ConfigureSecureClient(c SecureClient, b Bundle) error {
	if !b.Valid {
		return fmt.Errorf("%w: bundle %s is not valid", ErrNoUsableCredential, b)
	}
	return c.SetCredentials(b.CACertificate, b.Certificate, b.PrivateKey)
}

// ConfigureSecureClientWithFallback configures c with the active bundle, or
// with the backup bundle if the active one can't be used.
func (s *Store) ConfigureSecureClientWithFallback(c SecureClient) error {
	active, backup := s.Active(), s.Backup()
	backup.Valid = s.verify(backup)
	errA := ConfigureSecureClient(c, active)
	if errA == nil {
		return nil
	}
	glog.Warningf("Active credentials unusable (%v), trying backup", errA)
	errB := ConfigureSecureClient(c, backup)
	if errB == nil {
		return nil
	}
	return fmt.Errorf("%w: active: %v, backup: %v", ErrNoUsableCredential, errA, errB)
}

// TLSClient is a SecureClient which builds a *tls.Config.
type TLSClient struct {
	// ServerName, if set, overrides the name used to verify the server.
	ServerName string

	config *tls.Config
}

// SetCredentials implements SecureClient.
func (t *TLSClient) SetCredentials(caCert, cert, key string) error {
	pair, err := tls.X509KeyPair([]byte(cert), []byte(key))
	if err != nil {
		return fmt.Errorf("invalid key pair: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caCert)) {
		return errors.New("no CA certificates found")
	}
	t.config = &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ServerName:   t.ServerName,
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}

// Config returns the TLS configuration built by the last successful call to
// SetCredentials, or nil.
func (t *TLSClient) Config() *tls.Config {
	return t.config
}
