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

// Package partition provides named, fixed-size regions of non-volatile
// storage on top of a block device.
//
// Writes always erase the whole region before writing, so a previously
// stored record is never left truncated by a shorter one. A crash during a
// write can still leave a corrupt region; callers are expected to detect that
// with their own digests (or use a Journal).
package partition

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/gaslyt/device-updates/internal/errs"
	"github.com/golang/glog"
)

var (
	// ErrNotFound is returned when a partition name is not registered.
	ErrNotFound = errs.New(errs.IO, "partition not found")
	// ErrOverflow is returned when data does not fit in a partition.
	ErrOverflow = errs.New(errs.Capacity, "partition overflow")
	// ErrIO is returned when the underlying device fails.
	ErrIO = errs.New(errs.IO, "partition I/O error")
)

// Geometry describes the physical location of a named partition on the
// underlying device.
type Geometry struct {
	// Name identifies the partition.
	Name string `yaml:"name"`
	// Start identifies the address of the first block which is part of the partition.
	Start uint `yaml:"start"`
	// Length is the number of blocks covered by this partition.
	// i.e. [Start, Start+Length) is the range of blocks covered by this partition.
	Length uint `yaml:"length"`
}

func (g Geometry) end() uint { return g.Start + g.Length }

// Table is the set of partitions registered on a device.
//
// All I/O through a Table and the Partitions it hands out is serialised, so
// it is safe to use from multiple goroutines.
type Table struct {
	// mu guards all access to dev.
	mu    sync.Mutex
	dev   BlockDevice
	parts map[string]Geometry
}

// NewTable validates the layout against dev and returns a Table for it.
// Partitions must have unique non-empty names, a non-zero length, fit on the
// device and not overlap one another.
func NewTable(dev BlockDevice, layout []Geometry) (*Table, error) {
	t := &Table{
		dev:   dev,
		parts: make(map[string]Geometry, len(layout)),
	}
	sorted := make([]Geometry, len(layout))
	copy(sorted, layout)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i, g := range sorted {
		switch {
		case g.Name == "":
			return nil, fmt.Errorf("partition at block %d has no name", g.Start)
		case g.Length == 0:
			return nil, fmt.Errorf("partition %q has zero length", g.Name)
		case g.end() > dev.NumBlocks():
			return nil, fmt.Errorf("partition %q [%d, %d) extends beyond device end (%d blocks)", g.Name, g.Start, g.end(), dev.NumBlocks())
		}
		if _, ok := t.parts[g.Name]; ok {
			return nil, fmt.Errorf("duplicate partition name %q", g.Name)
		}
		if i > 0 && sorted[i-1].end() > g.Start {
			return nil, fmt.Errorf("partition %q overlaps %q", g.Name, sorted[i-1].Name)
		}
		t.parts[g.Name] = g
	}
	return t, nil
}

// Names returns the registered partition names, sorted.
func (t *Table) Names() []string {
	r := make([]string, 0, len(t.parts))
	for n := range t.parts {
		r = append(r, n)
	}
	sort.Strings(r)
	return r
}

// Open returns a handle to the named partition.
func (t *Table) Open(name string) (*Partition, error) {
	g, ok := t.parts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return &Partition{t: t, geo: g}, nil
}

// Read returns the full contents of the named partition.
func (t *Table) Read(name string) ([]byte, error) {
	p, err := t.Open(name)
	if err != nil {
		return nil, err
	}
	return p.Read()
}

// Write erases the named partition and writes b at its start.
func (t *Table) Write(name string, b []byte) error {
	p, err := t.Open(name)
	if err != nil {
		return err
	}
	return p.Write(b)
}

// Partition is a handle to a single named region of a Table.
type Partition struct {
	t   *Table
	geo Geometry
}

// Name returns the name of the partition.
func (p *Partition) Name() string { return p.geo.Name }

// Size returns the capacity of the partition in bytes.
func (p *Partition) Size() int64 {
	return int64(p.geo.Length * p.t.dev.BlockSize())
}

// BlockSize returns the block size of the underlying device.
func (p *Partition) BlockSize() uint { return p.t.dev.BlockSize() }

// Read returns the full contents of the partition.
func (p *Partition) Read() ([]byte, error) {
	b := make([]byte, p.Size())
	if err := p.readBlocks(0, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadAt implements io.ReaderAt over the partition contents.
func (p *Partition) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off > p.Size() {
		return 0, fmt.Errorf("offset %d outside partition %q", off, p.geo.Name)
	}
	n := int64(len(b))
	if rem := p.Size() - off; n > rem {
		n = rem
	}
	if n == 0 {
		return 0, nil
	}
	bs := int64(p.BlockSize())
	first := off / bs
	last := (off + n + bs - 1) / bs
	buf := make([]byte, (last-first)*bs)
	if err := p.readBlocks(uint(first), buf); err != nil {
		return 0, err
	}
	copy(b, buf[off-first*bs:off-first*bs+n])
	if n < int64(len(b)) {
		return int(n), fmt.Errorf("short read from %q: %d of %d bytes", p.geo.Name, n, len(b))
	}
	return int(n), nil
}

// Write erases the partition and writes b at its start.
// Nothing is erased if b does not fit.
func (p *Partition) Write(b []byte) error {
	if int64(len(b)) > p.Size() {
		return fmt.Errorf("%w: %d bytes into %q (capacity %d)", ErrOverflow, len(b), p.geo.Name, p.Size())
	}
	if err := p.Erase(); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return p.writeBlocks(0, pad(b, p.BlockSize()))
}

// Erase resets every byte of the partition to the erased state.
func (p *Partition) Erase() error {
	glog.V(2).Infof("Erasing partition %q", p.geo.Name)
	return p.writeBlocks(0, bytes.Repeat([]byte{erasedByte}, int(p.Size())))
}

// readBlocks reads from partition-relative block lba.
func (p *Partition) readBlocks(lba uint, b []byte) error {
	if err := p.bounds(lba, b); err != nil {
		return err
	}
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if err := p.t.dev.ReadBlocks(p.geo.Start+lba, b); err != nil {
		return fmt.Errorf("%w: reading %q: %w", ErrIO, p.geo.Name, err)
	}
	return nil
}

// writeBlocks writes to partition-relative block lba.
func (p *Partition) writeBlocks(lba uint, b []byte) error {
	if err := p.bounds(lba, b); err != nil {
		return err
	}
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if err := p.t.dev.WriteBlocks(p.geo.Start+lba, b); err != nil {
		return fmt.Errorf("%w: writing %q: %w", ErrIO, p.geo.Name, err)
	}
	return nil
}

func (p *Partition) bounds(lba uint, b []byte) error {
	bs := p.BlockSize()
	if uint(len(b))%bs != 0 {
		return fmt.Errorf("buffer length %d is not a multiple of block size %d", len(b), bs)
	}
	if lba+uint(len(b))/bs > p.geo.Length {
		return fmt.Errorf("%w: access past end of %q", ErrOverflow, p.geo.Name)
	}
	return nil
}

// pad returns b extended with erased bytes to a multiple of bs.
func pad(b []byte, bs uint) []byte {
	r := uint(len(b)) % bs
	if r == 0 {
		return b
	}
	out := make([]byte, uint(len(b))+bs-r)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = erasedByte
	}
	return out
}
