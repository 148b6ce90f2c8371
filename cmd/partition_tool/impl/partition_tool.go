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

// Package impl is the implementation of a util to prepare and inspect
// device flash images.
package impl

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gaslyt/device-updates/internal/clock"
	"github.com/gaslyt/device-updates/internal/config"
	"github.com/gaslyt/device-updates/internal/credentials"
	"github.com/gaslyt/device-updates/internal/firmware"
	"github.com/gaslyt/device-updates/internal/partition"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

// Opts encapsulates partition tool parameters.
type Opts struct {
	// Command is one of format, flash, credentials, or inspect.
	Command    string
	ConfigFile string
	FlashFile  string

	ImageFile string
	Slot      string
	Version   string
	Force     bool

	CertFile, KeyFile, CAFile string
	Endpoint                  string

	// Out receives the output of inspect.
	Out io.Writer
}

// Main runs the requested command.
func Main(opts Opts) error {
	if opts.ConfigFile == "" {
		return errors.New("must specify config")
	}
	if opts.FlashFile == "" {
		return errors.New("must specify flash")
	}
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch opts.Command {
	case "format":
		return format(cfg, opts)
	case "flash", "credentials", "inspect":
	default:
		return fmt.Errorf("command must be one of: format, flash, credentials, inspect; got %q", opts.Command)
	}

	dev, err := partition.OpenFileDevice(opts.FlashFile, cfg.Flash.BlockSize)
	if err != nil {
		return fmt.Errorf("failed to open flash image: %w", err)
	}
	defer dev.Close()
	tab, err := partition.NewTable(dev, cfg.Layout())
	if err != nil {
		return fmt.Errorf("flash image doesn't match configured layout: %w", err)
	}

	switch opts.Command {
	case "flash":
		return flash(tab, cfg, opts)
	case "credentials":
		return installCredentials(tab, cfg, opts)
	}
	return inspect(tab, cfg, opts.Out)
}

// format creates a blank flash image big enough for the configured layout.
func format(cfg *config.Config, opts Opts) error {
	n := cfg.Flash.NumBlocks
	for _, g := range cfg.Flash.Partitions {
		if e := g.Start + g.Length; e > n {
			n = e
		}
	}
	dev, err := partition.CreateFileDevice(opts.FlashFile, cfg.Flash.BlockSize, n)
	if err != nil {
		return fmt.Errorf("failed to create flash image: %w", err)
	}
	defer dev.Close()
	if _, err := partition.NewTable(dev, cfg.Layout()); err != nil {
		return err
	}
	glog.Infof("Created %s: %d blocks of %d bytes", opts.FlashFile, n, cfg.Flash.BlockSize)
	return nil
}

func flash(tab *partition.Table, cfg *config.Config, opts Opts) error {
	if opts.ImageFile == "" {
		return errors.New("must specify image")
	}
	f, err := os.Open(opts.ImageFile)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	md, err := firmware.Flash(tab, firmware.Opts{FactoryVersion: cfg.Updates.FactoryVersion}, f, firmware.FlashOpts{
		Slot:    opts.Slot,
		Version: opts.Version,
		Init:    opts.Force,
	})
	if errors.Is(err, firmware.ErrNeedsInit) {
		return fmt.Errorf("device needs to be force initialised: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to flash image: %w", err)
	}
	glog.Infof("Flashed %s into slot %s (%d bytes, sha256 %s), boot slot is now %s", opts.Version, opts.Slot, md.Slots[md.Boot].Size, md.Slots[md.Boot].Digest, opts.Slot)
	return nil
}

func installCredentials(tab *partition.Table, cfg *config.Config, opts Opts) error {
	var pem [3]string
	for i, p := range []string{opts.CertFile, opts.KeyFile, opts.CAFile} {
		if p == "" {
			return errors.New("must specify cert, key, and ca")
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		pem[i] = string(b)
	}
	s, err := openStore(tab, cfg)
	if err != nil {
		return err
	}
	if err := s.UpdateCredentials(pem[0], pem[1], pem[2], opts.Endpoint, opts.Version); err != nil {
		return fmt.Errorf("failed to install credentials: %w", err)
	}
	glog.Infof("Installed credentials %s", s.Active())
	return nil
}

func openStore(tab *partition.Table, cfg *config.Config) (*credentials.Store, error) {
	digest, err := credentials.DigestByName(cfg.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	s := credentials.New(tab, credentials.Opts{Digest: digest, Clock: clock.NewSystem()})
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// Report is what inspect prints.
type Report struct {
	Device      string       `yaml:"device"`
	Boot        *BootReport  `yaml:"boot,omitempty"`
	Credentials CredsReport  `yaml:"credentials"`
	Partitions  []PartReport `yaml:"partitions"`
}

type BootReport struct {
	Revision uint32       `yaml:"revision"`
	Boot     string       `yaml:"boot"`
	Slots    []SlotReport `yaml:"slots"`
}

type SlotReport struct {
	Name    string `yaml:"name"`
	State   string `yaml:"state"`
	Version string `yaml:"version,omitempty"`
	Digest  string `yaml:"sha256,omitempty"`
	Size    uint64 `yaml:"size,omitempty"`
}

type CredsReport struct {
	Version   string `yaml:"version,omitempty"`
	Valid     bool   `yaml:"valid"`
	Digest    string `yaml:"digest,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	HasBackup bool   `yaml:"backup"`
}

type PartReport struct {
	Name  string `yaml:"name"`
	Bytes int64  `yaml:"bytes"`
}

func inspect(tab *partition.Table, cfg *config.Config, out io.Writer) error {
	r := Report{Device: cfg.DeviceID}
	names := [2]string{"A", "B"}
	md, rev, err := firmware.ReadMetadata(tab, "")
	switch {
	case errors.Is(err, firmware.ErrNeedsInit):
		glog.Warning("Device has no boot metadata")
	case err != nil:
		return err
	default:
		br := &BootReport{Revision: rev, Boot: names[md.Boot]}
		for i, s := range md.Slots {
			br.Slots = append(br.Slots, SlotReport{
				Name:    names[i],
				State:   s.State.String(),
				Version: s.Version,
				Digest:  s.Digest,
				Size:    s.Size,
			})
		}
		r.Boot = br
	}

	s, err := openStore(tab, cfg)
	if err != nil {
		return err
	}
	cr := s.Report()
	r.Credentials = CredsReport{Version: cr.Version, Valid: cr.Valid, Digest: cr.Digest, Endpoint: cr.Endpoint, HasBackup: cr.HasBackup}

	for _, n := range tab.Names() {
		p, err := tab.Open(n)
		if err != nil {
			return err
		}
		r.Partitions = append(r.Partitions, PartReport{Name: n, Bytes: p.Size()})
	}

	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(r)
}
