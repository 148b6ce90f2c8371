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
	"errors"
	"fmt"
)

// Writer streams data sequentially into a partition.
// Only whole blocks are written to the device; a trailing partial block is
// held in memory until Close.
type Writer struct {
	p       *Partition
	buf     []byte
	lba     uint
	written int64
	done    bool
}

// NewWriter erases the partition and returns a Writer positioned at its start.
func (p *Partition) NewWriter() (*Writer, error) {
	if err := p.Erase(); err != nil {
		return nil, err
	}
	return &Writer{p: p, buf: make([]byte, 0, p.BlockSize())}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(b []byte) (int, error) {
	if w.done {
		return 0, errors.New("write to closed partition writer")
	}
	if w.written+int64(len(b)) > w.p.Size() {
		return 0, fmt.Errorf("%w: %d bytes into %q (capacity %d)", ErrOverflow, w.written+int64(len(b)), w.p.Name(), w.p.Size())
	}
	bs := int(w.p.BlockSize())
	n := 0
	for n < len(b) {
		if len(w.buf) == 0 && len(b)-n >= bs {
			// Write as many whole blocks as possible directly.
			whole := (len(b) - n) / bs * bs
			if err := w.p.writeBlocks(w.lba, b[n:n+whole]); err != nil {
				return n, err
			}
			w.lba += uint(whole / bs)
			w.written += int64(whole)
			n += whole
			continue
		}
		c := copy(w.buf[len(w.buf):cap(w.buf)], b[n:])
		w.buf = w.buf[:len(w.buf)+c]
		n += c
		w.written += int64(c)
		if len(w.buf) == bs {
			if err := w.p.writeBlocks(w.lba, w.buf); err != nil {
				return n, err
			}
			w.lba++
			w.buf = w.buf[:0]
		}
	}
	return n, nil
}

// Written returns the number of bytes accepted so far.
func (w *Writer) Written() int64 { return w.written }

// Close flushes any buffered partial block.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if len(w.buf) == 0 {
		return nil
	}
	return w.p.writeBlocks(w.lba, pad(w.buf, w.p.BlockSize()))
}

// Abort discards buffered data and erases the partition, leaving no
// partially written image behind.
func (w *Writer) Abort() error {
	w.done = true
	w.buf = nil
	return w.p.Erase()
}
