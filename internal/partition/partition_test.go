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
	"io"
	"path/filepath"
	"testing"

	"github.com/gaslyt/device-updates/internal/errs"
	"github.com/gaslyt/device-updates/internal/partition/testonly"
	"github.com/google/go-cmp/cmp"
)

func memTable(t *testing.T) (*Table, *testonly.MemDev) {
	t.Helper()
	md := testonly.NewMemDev(t, 64)
	tab, err := NewTable(md, []Geometry{
		{Name: "certs_current", Start: 0, Length: 4},
		{Name: "certs_backup", Start: 4, Length: 4},
		{Name: "metadata", Start: 8, Length: 8},
		{Name: "slotA", Start: 16, Length: 16},
	})
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return tab, md
}

func TestNewTable(t *testing.T) {
	for _, test := range []struct {
		name    string
		layout  []Geometry
		wantErr bool
	}{
		{
			name: "works",
			layout: []Geometry{
				{Name: "b", Start: 8, Length: 8},
				{Name: "a", Start: 0, Length: 8},
			},
		}, {
			name: "fully allocated",
			layout: []Geometry{
				{Name: "a", Start: 0, Length: 16},
				{Name: "b", Start: 16, Length: 16},
			},
		}, {
			name: "overlap",
			layout: []Geometry{
				{Name: "a", Start: 0, Length: 9},
				{Name: "b", Start: 8, Length: 8},
			},
			wantErr: true,
		}, {
			name: "past device end",
			layout: []Geometry{
				{Name: "a", Start: 30, Length: 3},
			},
			wantErr: true,
		}, {
			name: "duplicate name",
			layout: []Geometry{
				{Name: "a", Start: 0, Length: 1},
				{Name: "a", Start: 1, Length: 1},
			},
			wantErr: true,
		}, {
			name: "empty name",
			layout: []Geometry{
				{Start: 0, Length: 1},
			},
			wantErr: true,
		}, {
			name: "zero length",
			layout: []Geometry{
				{Name: "a", Start: 0, Length: 0},
			},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewTable(testonly.NewMemDev(t, 32), test.layout)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestOpenUnknown(t *testing.T) {
	tab, _ := memTable(t)
	_, err := tab.Open("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open() = %v, want ErrNotFound", err)
	}
	if _, err := tab.Read("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() = %v, want ErrNotFound", err)
	}
	if err := tab.Write("nope", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Write() = %v, want ErrNotFound", err)
	}
}

func TestWriteRead(t *testing.T) {
	tab, _ := memTable(t)
	p, err := tab.Open("certs_current")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Size(), int64(4*testonly.MemBlockSize); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}

	long := bytes.Repeat([]byte("long record "), 100)
	short := []byte("short")
	for _, d := range [][]byte{long, short} {
		if err := tab.Write("certs_current", d); err != nil {
			t.Fatalf("Write(): %v", err)
		}
		got, err := tab.Read("certs_current")
		if err != nil {
			t.Fatalf("Read(): %v", err)
		}
		if len(got) != int(p.Size()) {
			t.Fatalf("Read() returned %d bytes, want %d", len(got), p.Size())
		}
		if !bytes.Equal(got[:len(d)], d) {
			t.Fatalf("Read() prefix = %q, want %q", got[:len(d)], d)
		}
		// Nothing of the previous, longer, record may survive.
		if want := bytes.Repeat([]byte{erasedByte}, len(got)-len(d)); !bytes.Equal(got[len(d):], want) {
			t.Fatal("Tail of partition not erased")
		}
	}
}

func TestWriteOverflowDoesNotErase(t *testing.T) {
	tab, md := memTable(t)
	if err := tab.Write("certs_backup", []byte("keep me")); err != nil {
		t.Fatal(err)
	}
	writes := md.Writes

	err := tab.Write("certs_backup", make([]byte, 4*testonly.MemBlockSize+1))
	if !errors.Is(err, ErrOverflow) || !errors.Is(err, errs.Capacity) {
		t.Fatalf("Write() = %v, want ErrOverflow", err)
	}
	if md.Writes != writes {
		t.Errorf("Overflowing write touched %d blocks", md.Writes-writes)
	}
	got, err := tab.Read("certs_backup")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(got, []byte("keep me")) {
		t.Errorf("Previous contents lost: %q", got[:16])
	}
}

func TestWriteIOError(t *testing.T) {
	tab, md := memTable(t)
	boom := errors.New("flash fault")
	md.OnWrite = func(uint) error { return boom }
	err := tab.Write("certs_current", []byte("data"))
	if !errors.Is(err, ErrIO) || !errors.Is(err, boom) || !errors.Is(err, errs.IO) {
		t.Fatalf("Write() = %v, want ErrIO wrapping %v", err, boom)
	}
}

func TestReadAt(t *testing.T) {
	tab, _ := memTable(t)
	p, err := tab.Open("slotA")
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 3*testonly.MemBlockSize+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := p.Write(data); err != nil {
		t.Fatal(err)
	}
	for _, test := range []struct {
		name string
		off  int64
		n    int
	}{
		{name: "aligned", off: 0, n: testonly.MemBlockSize},
		{name: "straddles blocks", off: 500, n: 100},
		{name: "unaligned tail", off: 3 * testonly.MemBlockSize, n: 17},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := make([]byte, test.n)
			if _, err := p.ReadAt(got, test.off); err != nil {
				t.Fatalf("ReadAt(): %v", err)
			}
			if diff := cmp.Diff(data[test.off:test.off+int64(test.n)], got); diff != "" {
				t.Errorf("ReadAt() diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriter(t *testing.T) {
	tab, _ := memTable(t)
	p, err := tab.Open("slotA")
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 5*testonly.MemBlockSize+300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	w, err := p.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	// Odd chunk sizes exercise the partial block buffering.
	for r := bytes.NewReader(data); ; {
		chunk := make([]byte, 333)
		n, err := r.Read(chunk)
		if n > 0 {
			if _, err := w.Write(chunk[:n]); err != nil {
				t.Fatalf("Write(): %v", err)
			}
		}
		if err == io.EOF {
			break
		}
	}
	if got, want := w.Written(), int64(len(data)); got != want {
		t.Fatalf("Written() = %d, want %d", got, want)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
	got, err := p.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:len(data)], data) {
		t.Fatal("Read back differs from written data")
	}
}

func TestWriterOverflowAndAbort(t *testing.T) {
	tab, _ := memTable(t)
	p, err := tab.Open("certs_current")
	if err != nil {
		t.Fatal(err)
	}
	w, err := p.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(make([]byte, p.Size())); err != nil {
		t.Fatalf("Write(full): %v", err)
	}
	if _, err := w.Write([]byte{1}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Write(past end) = %v, want ErrOverflow", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort(): %v", err)
	}
	got, err := p.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{erasedByte}, len(got))) {
		t.Error("Partition not erased after Abort")
	}
	if _, err := w.Write([]byte{1}); err == nil {
		t.Error("Write after Abort succeeded")
	}
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	d, err := CreateFileDevice(path, 256, 16)
	if err != nil {
		t.Fatalf("CreateFileDevice(): %v", err)
	}
	tab, err := NewTable(d, []Geometry{{Name: "p", Start: 2, Length: 4}})
	if err != nil {
		t.Fatal(err)
	}
	if err := tab.Write("p", []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateFileDevice(path, 256, 16); err == nil {
		t.Fatal("CreateFileDevice() over existing image succeeded")
	}

	d, err = OpenFileDevice(path, 256)
	if err != nil {
		t.Fatalf("OpenFileDevice(): %v", err)
	}
	defer d.Close()
	if got := d.NumBlocks(); got != 16 {
		t.Errorf("NumBlocks() = %d, want 16", got)
	}
	tab, err = NewTable(d, []Geometry{{Name: "p", Start: 2, Length: 4}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := tab.Read("p")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(got, []byte("persisted")) {
		t.Errorf("Read() = %q, want prefix %q", got[:9], "persisted")
	}
}
