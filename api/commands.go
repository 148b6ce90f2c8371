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

// Package api contains the message formats exchanged between a device's
// update agent, the fleet's message bus and the update server.
package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gaslyt/device-updates/internal/errs"
)

// ErrMalformedCommand is returned for commands with an unknown kind or
// missing required fields.
var ErrMalformedCommand = errs.New(errs.Protocol, "malformed command")

// CommandKind identifies the operation a remote command requests.
type CommandKind string

const (
	UpdateCredentials CommandKind = "actualizar_certificados"
	VerifyCredentials CommandKind = "verificar_certificados"
	UpdateFirmware    CommandKind = "actualizar_firmware"
	VerifyFirmware    CommandKind = "verificar_firmware"
	Rollback          CommandKind = "rollback"
)

// Subsystem names the component a command is routed to.
type Subsystem string

const (
	Credentials Subsystem = "certificados"
	Firmware    Subsystem = "firmware"
)

// Subsystem returns the subsystem responsible for commands of kind k, or ""
// if k is not a known kind.
func (k CommandKind) Subsystem() Subsystem {
	switch k {
	case UpdateCredentials, VerifyCredentials:
		return Credentials
	case UpdateFirmware, VerifyFirmware, Rollback:
		return Firmware
	}
	return ""
}

// Mutating reports whether commands of kind k change persistent state.
func (k CommandKind) Mutating() bool {
	return k == UpdateCredentials || k == UpdateFirmware || k == Rollback
}

// Command is a request received on one of the device's command topics.
//
// Optional fields are pointers so that a field which is absent can be told
// apart from one which is present but empty.
type Command struct {
	Kind CommandKind `json:"comando"`

	// Credential update fields.
	Certificate   *string `json:"certificado,omitempty"`
	PrivateKey    *string `json:"clave_privada,omitempty"`
	CACertificate *string `json:"certificado_ca,omitempty"`
	Endpoint      *string `json:"endpoint,omitempty"`

	// Firmware update fields.
	URL      *string `json:"url,omitempty"`
	Critical bool    `json:"critica,omitempty"`

	// Shared fields.
	Version *string `json:"version,omitempty"`
	// Hash is the expected digest of the new credentials or image, hex encoded.
	Hash *string `json:"hash,omitempty"`
	// Signature is an opaque signature over the command's signing input.
	Signature *string `json:"firma,omitempty"`
}

// ParseCommand decodes and validates a JSON command.
func ParseCommand(b []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that c has a known kind and carries the fields it requires.
func (c *Command) Validate() error {
	var required map[string]*string
	switch c.Kind {
	case UpdateCredentials:
		required = map[string]*string{
			"certificado":    c.Certificate,
			"clave_privada":  c.PrivateKey,
			"certificado_ca": c.CACertificate,
			"endpoint":       c.Endpoint,
			"version":        c.Version,
		}
	case UpdateFirmware:
		required = map[string]*string{
			"version": c.Version,
			"url":     c.URL,
			"hash":    c.Hash,
		}
	case VerifyCredentials, VerifyFirmware, Rollback:
	case "":
		return fmt.Errorf("%w: missing comando", ErrMalformedCommand)
	default:
		return fmt.Errorf("%w: unknown comando %q", ErrMalformedCommand, c.Kind)
	}
	var missing []string
	for name, v := range required {
		if v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s missing %s", ErrMalformedCommand, c.Kind, strings.Join(missing, ", "))
	}
	return nil
}

// SigningInput returns the bytes a command's signature is computed over.
// Credential updates sign certificate‖key‖CA‖endpoint‖version, firmware
// updates sign version‖url‖hash.
func (c *Command) SigningInput() []byte {
	var parts []*string
	switch c.Kind {
	case UpdateCredentials:
		parts = []*string{c.Certificate, c.PrivateKey, c.CACertificate, c.Endpoint, c.Version}
	case UpdateFirmware:
		parts = []*string{c.Version, c.URL, c.Hash}
	default:
		return nil
	}
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(Value(p))
	}
	return []byte(sb.String())
}

// Value dereferences an optional field, returning "" if it is absent.
func Value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// String returns a pointer to s, for building commands.
func String(s string) *string { return &s }
