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

// Package signature verifies the signatures carried by remote commands and
// firmware offers.
//
// Signatures are strings of the form "<scheme>:<base64 signature>".
package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/gaslyt/device-updates/internal/errs"
	"github.com/golang/glog"
	"golang.org/x/mod/sumdb/note"
)

// ErrInvalid is returned when a signature does not verify.
var ErrInvalid = errs.New(errs.Integrity, "signature invalid")

const (
	SchemeRSA    = "rsa"
	SchemeNote   = "note"
	SchemeLegacy = "legacy"
	SchemeNone   = "none"
)

// Verifier checks a signature over a message.
type Verifier interface {
	// Verify returns nil if sig is a valid signature over msg.
	Verify(msg []byte, sig string) error
}

// New returns a Verifier for the given scheme and public key.
// A nil Verifier is returned for SchemeNone.
func New(scheme, publicKey string) (Verifier, error) {
	switch scheme {
	case SchemeRSA:
		v, err := NewRSA(publicKey)
		if err != nil {
			return nil, err
		}
		return v, nil
	case SchemeNote:
		v, err := NewNote(publicKey)
		if err != nil {
			return nil, err
		}
		return v, nil
	case SchemeLegacy:
		glog.Warning("Using legacy signature checks: signatures are NOT cryptographically verified")
		return Legacy{}, nil
	case SchemeNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown signature scheme %q", scheme)
}

// split returns the decoded signature bytes for the expected scheme.
func split(sig, scheme string) ([]byte, error) {
	prefix := scheme + ":"
	if !strings.HasPrefix(sig, prefix) {
		return nil, fmt.Errorf("%w: expected %q prefix", ErrInvalid, prefix)
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sig, prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding: %v", ErrInvalid, err)
	}
	return b, nil
}

// RSA verifies RSA-PSS signatures made over the SHA512 hash of a message.
type RSA struct {
	key *rsa.PublicKey
}

// NewRSA parses a PEM encoded RSA public key, either PKCS#1 or PKIX.
func NewRSA(pemKey string) (*RSA, error) {
	block, rest := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("pem decoded to nil")
	}
	if len(strings.TrimSpace(string(rest))) != 0 {
		return nil, fmt.Errorf("extraneous data after public key")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse RSA public key: %v", err)
		}
		return &RSA{key: k}, nil
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse public key: %v", err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", k)
		}
		return &RSA{key: rk}, nil
	}
	return nil, fmt.Errorf("public key is of the wrong type %s", block.Type)
}

// Verify implements Verifier.
func (r *RSA) Verify(msg []byte, sig string) error {
	s, err := split(sig, SchemeRSA)
	if err != nil {
		return err
	}
	h := sha512.Sum512(msg)
	if err := rsa.VerifyPSS(r.key, crypto.SHA512, h[:], s, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Note verifies Ed25519 signatures using a note verifier key.
type Note struct {
	v note.Verifier
}

// NewNote creates a Note verifier from a verifier key string as produced by
// note.GenerateKey.
func NewNote(vkey string) (*Note, error) {
	v, err := note.NewVerifier(strings.TrimSpace(vkey))
	if err != nil {
		return nil, fmt.Errorf("invalid verifier key: %v", err)
	}
	return &Note{v: v}, nil
}

// Verify implements Verifier.
func (n *Note) Verify(msg []byte, sig string) error {
	s, err := split(sig, SchemeNote)
	if err != nil {
		return err
	}
	if !n.v.Verify(msg, s) {
		return fmt.Errorf("%w: %s did not sign this message", ErrInvalid, n.v.Name())
	}
	return nil
}

// Legacy accepts any signature with an "rsa:" prefix and at least 10
// characters, which is what devices in the field checked before keys were
// provisioned. It provides no security.
type Legacy struct{}

// Verify implements Verifier.
func (Legacy) Verify(_ []byte, sig string) error {
	if len(sig) < 10 || !strings.HasPrefix(sig, "rsa:") {
		return fmt.Errorf("%w: malformed legacy signature", ErrInvalid)
	}
	return nil
}
