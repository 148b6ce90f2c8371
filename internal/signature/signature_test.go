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

package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"

	"golang.org/x/mod/sumdb/note"
)

func rsaKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return k, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signRSA(t *testing.T, k *rsa.PrivateKey, msg []byte) string {
	t.Helper()
	h := sha512.Sum512(msg)
	s, err := rsa.SignPSS(rand.Reader, k, crypto.SHA512, h[:], nil)
	if err != nil {
		t.Fatal(err)
	}
	return "rsa:" + base64.StdEncoding.EncodeToString(s)
}

func TestRSA(t *testing.T) {
	k, pub := rsaKeys(t)
	v, err := New(SchemeRSA, pub)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	msg := []byte("1.2.0http://updates/fw.binabcdef")
	good := signRSA(t, k, msg)

	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&k.PublicKey)}))
	v1, err := NewRSA(pkcs1)
	if err != nil {
		t.Fatalf("NewRSA(PKCS#1): %v", err)
	}

	for _, test := range []struct {
		desc    string
		v       Verifier
		msg     []byte
		sig     string
		wantErr bool
	}{
		{desc: "good", v: v, msg: msg, sig: good},
		{desc: "good pkcs1", v: v1, msg: msg, sig: good},
		{desc: "tampered message", v: v, msg: []byte("1.2.1http://updates/fw.binabcdef"), sig: good, wantErr: true},
		{desc: "wrong scheme", v: v, msg: msg, sig: "note:" + good[4:], wantErr: true},
		{desc: "not base64", v: v, msg: msg, sig: "rsa:!!!", wantErr: true},
		{desc: "empty", v: v, msg: msg, sig: "", wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			err := test.v.Verify(test.msg, test.sig)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Verify() = %v, wantErr %t", err, test.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Verify() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestNote(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "updates.example.com")
	if err != nil {
		t.Fatal(err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatal(err)
	}
	v, err := New(SchemeNote, vkey)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	msg := []byte("certkeycaendpoint2.0.0")
	s, err := signer.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	sig := "note:" + base64.StdEncoding.EncodeToString(s)
	if err := v.Verify(msg, sig); err != nil {
		t.Errorf("Verify(good) = %v", err)
	}
	if err := v.Verify([]byte("something else"), sig); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify(other msg) = %v, want ErrInvalid", err)
	}
}

func TestLegacy(t *testing.T) {
	for _, test := range []struct {
		sig     string
		wantErr bool
	}{
		{sig: "rsa:abcdef"},
		{sig: "rsa:abcde", wantErr: true},
		{sig: "ecdsa:abcdefgh", wantErr: true},
		{sig: "", wantErr: true},
	} {
		t.Run(test.sig, func(t *testing.T) {
			err := Legacy{}.Verify(nil, test.sig)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Verify(%q) = %v, wantErr %t", test.sig, err, test.wantErr)
			}
		})
	}
}

func TestNew(t *testing.T) {
	if v, err := New(SchemeNone, ""); v != nil || err != nil {
		t.Errorf("New(none) = %v, %v, want nil, nil", v, err)
	}
	if _, err := New("dsa", ""); err == nil {
		t.Error("New(dsa) succeeded")
	}
	if _, err := New(SchemeRSA, "not a key"); err == nil {
		t.Error("New(rsa, garbage) succeeded")
	}
	if _, err := New(SchemeNote, "not a key"); err == nil {
		t.Error("New(note, garbage) succeeded")
	}
}
