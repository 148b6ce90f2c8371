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

// Package config describes the update agent's configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gaslyt/device-updates/internal/credentials"
	"github.com/gaslyt/device-updates/internal/firmware"
	"github.com/gaslyt/device-updates/internal/partition"
	"github.com/gaslyt/device-updates/internal/signature"
	"gopkg.in/yaml.v3"
)

// Config is the top level configuration.
type Config struct {
	// DeviceID identifies the device on the message bus and to the update
	// server.
	DeviceID string `yaml:"DeviceID"`

	Flash     Flash     `yaml:"Flash"`
	Updates   Updates   `yaml:"Updates"`
	Signature Signature `yaml:"Signature"`
	MQTT      MQTT      `yaml:"MQTT"`
	NTP       NTP       `yaml:"NTP"`
	History   History   `yaml:"History"`

	// DigestAlgorithm selects the credential digest, "sha256" or "legacy32".
	DigestAlgorithm string `yaml:"DigestAlgorithm"`
	// StatusAddr is the listen address of the local status server. Empty
	// disables it.
	StatusAddr string `yaml:"StatusAddr"`
}

// Flash describes the flash image and its partitions.
type Flash struct {
	BlockSize  uint                 `yaml:"BlockSize"`
	NumBlocks  uint                 `yaml:"NumBlocks"`
	Partitions []partition.Geometry `yaml:"Partitions"`
}

// Updates configures the firmware update server and schedule.
type Updates struct {
	// ServerURL is the base URL of the update server. Optional.
	ServerURL string `yaml:"ServerURL"`
	// Token is presented as a bearer token to the update server.
	Token          string        `yaml:"Token"`
	Automatic      bool          `yaml:"Automatic"`
	CheckInterval  time.Duration `yaml:"CheckInterval"`
	RequestTimeout time.Duration `yaml:"RequestTimeout"`
	RestartDelay   time.Duration `yaml:"RestartDelay"`
	// FactoryVersion is the version of the image shipped in slot A.
	FactoryVersion string `yaml:"FactoryVersion"`
}

// Signature configures command and image signature verification.
type Signature struct {
	// Scheme is one of "rsa", "note", "legacy" or "none".
	Scheme    string `yaml:"Scheme"`
	PublicKey string `yaml:"PublicKey"`
	Required  bool   `yaml:"Required"`
}

// MQTT configures the message bus connection.
type MQTT struct {
	Broker   string `yaml:"Broker"`
	ClientID string `yaml:"ClientID"`
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
	// TLS enables client certificate authentication using the credential
	// store.
	TLS bool `yaml:"TLS"`
}

// NTP configures time synchronisation.
type NTP struct {
	Server  string        `yaml:"Server"`
	Timeout time.Duration `yaml:"Timeout"`
}

// History configures the event history database.
type History struct {
	// Driver is "sqlite3" or "mysql".
	Driver string `yaml:"Driver"`
	DSN    string `yaml:"DSN"`
}

// Load reads and validates the configuration at path, filling in defaults.
func Load(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bs)
}

// Parse decodes and validates a YAML configuration.
func Parse(bs []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(bs, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Flash.BlockSize == 0 {
		c.Flash.BlockSize = 4096
	}
	if c.Updates.CheckInterval == 0 {
		c.Updates.CheckInterval = time.Hour
	}
	if c.Updates.RequestTimeout == 0 {
		c.Updates.RequestTimeout = 30 * time.Second
	}
	if c.Updates.RestartDelay == 0 {
		c.Updates.RestartDelay = firmware.DefaultRestartDelay
	}
	if c.Signature.Scheme == "" {
		c.Signature.Scheme = signature.SchemeNone
	}
	if c.DigestAlgorithm == "" {
		c.DigestAlgorithm = credentials.DigestSHA256
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.DeviceID
	}
	if c.NTP.Timeout == 0 {
		c.NTP.Timeout = 10 * time.Second
	}
	if c.History.Driver == "" {
		c.History.Driver = "sqlite3"
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("missing field: DeviceID")
	}
	if len(c.Flash.Partitions) == 0 {
		return errors.New("missing field: Flash.Partitions")
	}
	names := make(map[string]bool)
	var end uint
	for _, p := range c.Flash.Partitions {
		names[p.Name] = true
		if e := p.Start + p.Length; e > end {
			end = e
		}
	}
	for _, n := range []string{
		credentials.DefaultCurrentPartition,
		credentials.DefaultBackupPartition,
		firmware.DefaultSlotA,
		firmware.DefaultSlotB,
		firmware.DefaultMetadata,
	} {
		if !names[n] {
			return fmt.Errorf("missing partition: %s", n)
		}
	}
	if c.Flash.NumBlocks != 0 && end > c.Flash.NumBlocks {
		return fmt.Errorf("partitions need %d blocks, flash has %d", end, c.Flash.NumBlocks)
	}
	if c.Updates.ServerURL != "" {
		if _, err := url.Parse(c.Updates.ServerURL); err != nil {
			return fmt.Errorf("unparseable Updates.ServerURL: %v", err)
		}
	}
	if c.Updates.CheckInterval < time.Minute {
		return fmt.Errorf("Updates.CheckInterval %v is too short", c.Updates.CheckInterval)
	}
	switch c.Signature.Scheme {
	case signature.SchemeNone, signature.SchemeLegacy:
		if c.Signature.Required && c.Signature.Scheme == signature.SchemeNone {
			return errors.New("Signature.Required needs a Signature.Scheme")
		}
	case signature.SchemeRSA, signature.SchemeNote:
		if c.Signature.PublicKey == "" {
			return errors.New("missing field: Signature.PublicKey")
		}
	default:
		return fmt.Errorf("unknown Signature.Scheme %q", c.Signature.Scheme)
	}
	if _, err := credentials.DigestByName(c.DigestAlgorithm); err != nil {
		return err
	}
	switch c.History.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported History.Driver %q", c.History.Driver)
	}
	if c.History.Driver == "mysql" && c.History.DSN == "" {
		return errors.New("missing field: History.DSN")
	}
	return nil
}

// Layout returns the partition layout.
func (c Config) Layout() []partition.Geometry {
	return append([]partition.Geometry{}, c.Flash.Partitions...)
}
