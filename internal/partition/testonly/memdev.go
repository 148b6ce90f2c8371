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

// Package testonly provides support for storage tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory block device.
type MemDev struct {
	Storage [][MemBlockSize]byte

	// OnWrite is called just before each block is written.
	// If it returns an error, neither that block nor any following one is
	// written and the write fails with the error, which lets tests model both
	// flash faults and power loss.
	OnWrite func(lba uint) error

	// Writes counts the number of blocks written so far.
	Writes int
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// NumBlocks returns the number of blocks on the device.
func (md *MemDev) NumBlocks() uint {
	return uint(len(md.Storage))
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	bl, err := md.span(lba, b)
	if err != nil {
		return err
	}
	for i := uint(0); i < bl; i++ {
		copy(b[i*MemBlockSize:], md.Storage[lba+i][:])
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address.
func (md *MemDev) WriteBlocks(lba uint, b []byte) error {
	bl, err := md.span(lba, b)
	if err != nil {
		return err
	}
	for i := uint(0); i < bl; i++ {
		if md.OnWrite != nil {
			if err := md.OnWrite(lba + i); err != nil {
				return err
			}
		}
		copy(md.Storage[lba+i][:], b[i*MemBlockSize:])
		md.Writes++
	}
	return nil
}

func (md *MemDev) span(lba uint, b []byte) (uint, error) {
	if len(b)%MemBlockSize != 0 {
		return 0, fmt.Errorf("buffer length %d is not a multiple of %d", len(b), MemBlockSize)
	}
	bl := uint(len(b)) / MemBlockSize
	if l := uint(len(md.Storage)); lba+bl > l {
		return 0, fmt.Errorf("blocks [%d, %d) beyond device end (%d)", lba, lba+bl, l)
	}
	return bl, nil
}

// FailAfter returns an OnWrite hook which fails every block write
// after the first n have succeeded.
func FailAfter(n int, err error) func(uint) error {
	c := 0
	return func(uint) error {
		c++
		if c > n {
			return err
		}
		return nil
	}
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks uint) *MemDev {
	t.Helper()
	return &MemDev{Storage: make([][MemBlockSize]byte, numBlocks)}
}
