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

package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/gaslyt/device-updates/internal/partition"
	"github.com/golang/glog"
)

// ErrNeedsInit is returned by Flash when the device has no boot metadata
// and initialising it was not requested.
var ErrNeedsInit = errors.New("boot metadata is uninitialised")

// ReadMetadata returns the boot metadata stored in the named partition,
// without changing anything. ErrNeedsInit is returned if there is none.
func ReadMetadata(parts Partitions, name string) (Metadata, uint32, error) {
	if name == "" {
		name = DefaultMetadata
	}
	j, err := openJournal(parts, name)
	if err != nil {
		return Metadata{}, 0, err
	}
	data, rev := j.Data()
	if len(data) == 0 {
		return Metadata{}, 0, ErrNeedsInit
	}
	var md Metadata
	if err := md.UnmarshalBinary(data); err != nil {
		return Metadata{}, rev, fmt.Errorf("%w: revision %d: %v", ErrMetadata, rev, err)
	}
	return md, rev, nil
}

func openJournal(parts Partitions, name string) (*partition.Journal, error) {
	p, err := parts.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata partition: %w", err)
	}
	j, err := partition.OpenJournal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	return j, nil
}

// FlashOpts describes an image to be written directly into a slot.
type FlashOpts struct {
	// Slot is "A" or "B".
	Slot    string
	Version string
	// Init allows the boot metadata to be created if there is none.
	Init bool
}

// Flash writes image into a slot and points the boot selector at it. The
// image is recorded as verified, so it's promoted to good once it boots.
// This is for provisioning and recovery; running devices use an Engine.
func Flash(parts Partitions, opts Opts, image io.Reader, fo FlashOpts) (Metadata, error) {
	opts = withDefaults(opts)
	var idx uint8
	switch fo.Slot {
	case slotNames[0]:
		idx = 0
	case slotNames[1]:
		idx = 1
	default:
		return Metadata{}, fmt.Errorf("unknown slot %q", fo.Slot)
	}
	if fo.Version == "" {
		return Metadata{}, errors.New("image version must be set")
	}

	j, err := openJournal(parts, opts.Metadata)
	if err != nil {
		return Metadata{}, err
	}
	var md Metadata
	if data, rev := j.Data(); len(data) == 0 {
		if !fo.Init {
			return Metadata{}, ErrNeedsInit
		}
		glog.Warningf("Initialising boot metadata, factory image %s in slot A", opts.FactoryVersion)
		md.Slots[0] = SlotInfo{State: SlotGood, Version: opts.FactoryVersion}
	} else if err := md.UnmarshalBinary(data); err != nil {
		return Metadata{}, fmt.Errorf("%w: revision %d: %v", ErrMetadata, rev, err)
	}

	p, err := parts.Open([2]string{opts.SlotA, opts.SlotB}[idx])
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to open slot partition: %w", err)
	}
	md.Slots[idx] = SlotInfo{State: SlotWriting, Version: fo.Version}
	if err := persistTo(j, md); err != nil {
		return Metadata{}, err
	}
	w, err := p.NewWriter()
	if err != nil {
		return Metadata{}, err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), image); err != nil {
		abort(w)
		if errors.Is(err, partition.ErrOverflow) {
			return Metadata{}, fmt.Errorf("%w: slot %s holds %d bytes: %v", ErrInsufficientSpace, fo.Slot, p.Size(), err)
		}
		return Metadata{}, err
	}
	if err := w.Close(); err != nil {
		return Metadata{}, err
	}
	if w.Written() == 0 {
		abort(w)
		return Metadata{}, fmt.Errorf("%w: image is empty", ErrIncompleteDownload)
	}

	md.Slots[idx] = SlotInfo{State: SlotVerified, Version: fo.Version, Digest: hex.EncodeToString(h.Sum(nil)), Size: uint64(w.Written())}
	md.Boot = idx
	if err := persistTo(j, md); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func persistTo(j *partition.Journal, md Metadata) error {
	b, err := md.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if err := j.Update(b); err != nil {
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	return nil
}
