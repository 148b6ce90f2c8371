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
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// metadataFormat is bumped whenever the encoding below changes.
const metadataFormat = 1

// SlotState records what is known about the image held in a slot.
type SlotState uint8

const (
	// SlotEmpty slots hold no image.
	SlotEmpty SlotState = iota
	// SlotWriting slots hold a partially written image.
	SlotWriting
	// SlotVerified slots hold an image whose digest and signature have been
	// checked, but which has not yet been booted.
	SlotVerified
	// SlotGood slots hold an image which has booted.
	SlotGood
	// SlotInvalid slots hold an image which failed verification.
	SlotInvalid
)

var slotStateNames = []string{"empty", "writing", "verified", "good", "invalid"}

func (s SlotState) String() string {
	if int(s) < len(slotStateNames) {
		return slotStateNames[s]
	}
	return fmt.Sprintf("SlotState(%d)", s)
}

// Bootable reports whether the bootloader may be pointed at a slot in state s.
func (s SlotState) Bootable() bool {
	return s == SlotVerified || s == SlotGood
}

// SlotInfo describes the contents of one slot.
type SlotInfo struct {
	State   SlotState
	Version string
	// Digest is the hex SHA-256 of the image.
	Digest string
	Size   uint64
}

// Metadata is the persisted boot selector.
type Metadata struct {
	// Boot is the index of the slot the bootloader will start next.
	Boot  uint8
	Slots [2]SlotInfo
}

// MarshalBinary encodes m.
func (m Metadata) MarshalBinary() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(metadataFormat)
	b.AddUint8(m.Boot)
	for _, s := range m.Slots {
		b.AddUint8(uint8(s.State))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(s.Version))
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(s.Digest))
		})
		b.AddUint64(s.Size)
	}
	return b.Bytes()
}

// UnmarshalBinary decodes data into m.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var format, boot uint8
	if !s.ReadUint8(&format) || !s.ReadUint8(&boot) {
		return errors.New("truncated metadata header")
	}
	if format != metadataFormat {
		return fmt.Errorf("unknown metadata format %d", format)
	}
	if boot > 1 {
		return fmt.Errorf("invalid boot slot %d", boot)
	}
	var out Metadata
	out.Boot = boot
	for i := range out.Slots {
		var st uint8
		var ver, dig cryptobyte.String
		var size uint64
		if !s.ReadUint8(&st) ||
			!s.ReadUint8LengthPrefixed(&ver) ||
			!s.ReadUint8LengthPrefixed(&dig) ||
			!s.ReadUint64(&size) {
			return fmt.Errorf("truncated descriptor for slot %d", i)
		}
		if int(st) >= len(slotStateNames) {
			return fmt.Errorf("invalid state %d for slot %d", st, i)
		}
		out.Slots[i] = SlotInfo{State: SlotState(st), Version: string(ver), Digest: string(dig), Size: size}
	}
	if !s.Empty() {
		return fmt.Errorf("%d trailing bytes after metadata", len(s))
	}
	*m = out
	return nil
}
