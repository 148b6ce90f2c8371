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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Bundle is a versioned set of TLS client credentials.
type Bundle struct {
	// Certificate, PrivateKey and CACertificate are PEM encoded.
	Certificate   string
	PrivateKey    string
	CACertificate string
	// Endpoint is the host the credentials are used to connect to.
	Endpoint string
	Version  string
	// Timestamp is the device's monotonic counter when the bundle was created.
	Timestamp uint64
	// Digest is computed over Certificate‖PrivateKey‖CACertificate‖Endpoint.
	Digest string
	// Valid is set when the bundle was last loaded or validated.
	Valid bool
}

// Empty reports whether b holds no credentials at all.
func (b Bundle) Empty() bool {
	return b.Certificate == "" && b.PrivateKey == "" && b.CACertificate == ""
}

// String returns a printable summary of the bundle, without key material.
func (b Bundle) String() string {
	if b.Empty() {
		return "{empty}"
	}
	return fmt.Sprintf("{v%s for %s digest %s valid %t}", b.Version, b.Endpoint, b.Digest, b.Valid)
}

// DigestFunc computes a bundle digest over the given parts.
type DigestFunc func(cert, key, ca, endpoint string) string

const (
	DigestSHA256   = "sha256"
	DigestLegacy32 = "legacy32"
)

// DigestByName returns the digest function for the given algorithm name.
func DigestByName(name string) (DigestFunc, error) {
	switch name {
	case DigestSHA256, "":
		return SHA256Digest, nil
	case DigestLegacy32:
		return Legacy32Digest, nil
	}
	return nil, fmt.Errorf("unknown digest algorithm %q", name)
}

// SHA256Digest returns the hex encoded SHA256 hash of the concatenated parts.
func SHA256Digest(cert, key, ca, endpoint string) string {
	h := sha256.New()
	for _, s := range []string{cert, key, ca, endpoint} {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Legacy32Digest is the 32 bit multiplicative hash used by early devices.
// It detects accidental corruption only.
func Legacy32Digest(cert, key, ca, endpoint string) string {
	var h uint32
	for _, s := range []string{cert, key, ca, endpoint} {
		for i := 0; i < len(s); i++ {
			h = h*31 + uint32(s[i])
		}
	}
	return fmt.Sprintf("%x", h)
}

const (
	beginCert = "-----BEGIN CERTIFICATE-----"
	endCert   = "-----END CERTIFICATE-----"

	maxCertificateSize = 8 << 10
	maxPrivateKeySize  = 4 << 10
	maxCACertSize      = 4 << 10
)

// checkCertificate checks the PEM envelope of a certificate.
func checkCertificate(field, pem string, max int) error {
	if len(pem) > max {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrInvalidFormat, field, len(pem), max)
	}
	s := strings.TrimSpace(pem)
	if !strings.HasPrefix(s, beginCert) || !strings.HasSuffix(s, endCert) {
		return fmt.Errorf("%w: %s is not a PEM certificate", ErrInvalidFormat, field)
	}
	return nil
}

// checkPrivateKey checks the PEM envelope of a private key. PKCS#8, RSA and
// EC key types are accepted.
func checkPrivateKey(pem string) error {
	if len(pem) > maxPrivateKeySize {
		return fmt.Errorf("%w: private key is %d bytes (max %d)", ErrInvalidFormat, len(pem), maxPrivateKeySize)
	}
	s := strings.TrimSpace(pem)
	lines := strings.Split(s, "\n")
	first := strings.TrimSpace(lines[0])
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(first, "-----BEGIN ") || !strings.HasSuffix(first, "PRIVATE KEY-----") ||
		!strings.HasPrefix(last, "-----END ") || !strings.HasSuffix(last, "PRIVATE KEY-----") {
		return fmt.Errorf("%w: private key is not a PEM private key", ErrInvalidFormat)
	}
	return nil
}

// checkFormat checks the PEM envelopes of all key material in b.
func checkFormat(b Bundle) error {
	if err := checkCertificate("certificate", b.Certificate, maxCertificateSize); err != nil {
		return err
	}
	if err := checkPrivateKey(b.PrivateKey); err != nil {
		return err
	}
	return checkCertificate("CA certificate", b.CACertificate, maxCACertSize)
}
