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

package partition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// erasedByte is the value every byte of a region holds after an erase.
const erasedByte = 0xff

// BlockDevice describes a type which knows how to read and write
// whole blocks to some backing storage.
type BlockDevice interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint

	// NumBlocks returns the number of addressable blocks.
	NumBlocks() uint

	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
	// at the given block address.
	// b must be an integer multiple of the device's block size.
	ReadBlocks(lba uint, b []byte) error

	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
	// at the given block address.
	// b must be an integer multiple of the device's block size.
	WriteBlocks(lba uint, b []byte) error
}

// FileDevice is a BlockDevice backed by a flash image file on the host.
type FileDevice struct {
	f         *os.File
	blockSize uint
	numBlocks uint
}

// CreateFileDevice creates a new, fully erased, flash image at path.
// It fails if the file already exists.
func CreateFileDevice(path string, blockSize, numBlocks uint) (*FileDevice, error) {
	if blockSize == 0 || numBlocks == 0 {
		return nil, fmt.Errorf("invalid device shape %d x %d", numBlocks, blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	blank := bytes.Repeat([]byte{erasedByte}, int(blockSize))
	for i := uint(0); i < numBlocks; i++ {
		if _, err := f.Write(blank); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialise %q: %v", path, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

// OpenFileDevice opens an existing flash image created by CreateFileDevice.
func OpenFileDevice(path string, blockSize uint) (*FileDevice, error) {
	if blockSize == 0 {
		return nil, errors.New("block size must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size()%int64(blockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("image size %d is not a multiple of block size %d", fi.Size(), blockSize)
	}
	return &FileDevice{f: f, blockSize: blockSize, numBlocks: uint(fi.Size()) / blockSize}, nil
}

// BlockSize implements BlockDevice.
func (d *FileDevice) BlockSize() uint { return d.blockSize }

// NumBlocks implements BlockDevice.
func (d *FileDevice) NumBlocks() uint { return d.numBlocks }

// ReadBlocks implements BlockDevice.
func (d *FileDevice) ReadBlocks(lba uint, b []byte) error {
	if err := d.check(lba, b); err != nil {
		return err
	}
	_, err := d.f.ReadAt(b, int64(lba*d.blockSize))
	if err == io.EOF {
		err = nil
	}
	return err
}

// WriteBlocks implements BlockDevice.
func (d *FileDevice) WriteBlocks(lba uint, b []byte) error {
	if err := d.check(lba, b); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(b, int64(lba*d.blockSize)); err != nil {
		return err
	}
	return d.f.Sync()
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

func (d *FileDevice) check(lba uint, b []byte) error {
	if uint(len(b))%d.blockSize != 0 {
		return fmt.Errorf("buffer length %d is not a multiple of block size %d", len(b), d.blockSize)
	}
	if end := lba + uint(len(b))/d.blockSize; end > d.numBlocks {
		return fmt.Errorf("access to blocks [%d, %d) beyond device end (%d)", lba, end, d.numBlocks)
	}
	return nil
}
