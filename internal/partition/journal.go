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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// journalMagic is the only known journal record prefix.
const journalMagic = "GJR1"

const (
	// recordHeaderSize is the on-disk size of a record without application data.
	recordHeaderSize = 4 + 4 + 8 + 32

	// minRecords is the minimum number of records a journal must be able to
	// hold. Records never wrap past the end of the region, so with fewer than
	// three a failed write following a wrap could destroy the only good record.
	minRecords = 3
)

// Journal stores a sequence of revisioned records in a partition such that
// the most recent fully written record survives a failed or torn write.
type Journal struct {
	mu        sync.Mutex
	p         *Partition
	current   record
	nextBlock uint
	maxData   uint
}

// record is a single journal entry.
type record struct {
	// Magic allows quickly filtering out blocks which don't start a record.
	Magic [4]byte
	// Revision is one greater than the revision of the record written before it.
	Revision uint32
	// DataLen is the length in bytes of Data.
	DataLen uint64
	// DataSHA256 is the SHA256 hash of Data.
	DataSHA256 [32]byte
	// Data is the application data.
	Data []byte
}

// OpenJournal scans p for the latest valid record.
func OpenJournal(p *Partition) (*Journal, error) {
	total := uint(p.Size())
	if total/minRecords <= recordHeaderSize {
		return nil, fmt.Errorf("partition %q is too small for a journal (%d bytes)", p.Name(), total)
	}
	j := &Journal{
		p:       p,
		maxData: total/minRecords - recordHeaderSize,
	}
	if err := j.scan(); err != nil {
		return nil, err
	}
	return j, nil
}

// Data returns the application data of the most recent valid record, along
// with its revision. A zero revision means nothing has been written yet.
func (j *Journal) Data() ([]byte, uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current.Data, j.current.Revision
}

// MaxDataSize returns the largest payload Update accepts.
func (j *Journal) MaxDataSize() int { return int(j.maxData) }

// Update appends a new record holding data.
// If Update fails, Data continues to return the previous record.
func (j *Journal) Update(data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if l := uint(len(data)); l > j.maxData {
		return fmt.Errorf("%w: %d byte journal record (max %d)", ErrOverflow, l, j.maxData)
	}
	r := record{
		Revision:   j.current.Revision + 1,
		DataLen:    uint64(len(data)),
		DataSHA256: sha256.Sum256(data),
		Data:       data,
	}
	copy(r.Magic[:], journalMagic)

	buf := &bytes.Buffer{}
	if err := marshalRecord(r, buf); err != nil {
		return fmt.Errorf("failed to marshal record: %v", err)
	}
	b := pad(buf.Bytes(), j.p.BlockSize())
	blocks := uint(len(b)) / j.p.BlockSize()
	length := uint(j.p.Size()) / j.p.BlockSize()
	if j.nextBlock+blocks > length {
		// Doesn't fit in the remaining space, so wrap around.
		j.nextBlock = 0
	}
	if err := j.p.writeBlocks(j.nextBlock, b); err != nil {
		return err
	}
	j.current = r
	j.nextBlock += blocks
	if j.nextBlock >= length {
		j.nextBlock = 0
	}
	return nil
}

// scan walks the journal to find the latest valid record, if any.
func (j *Journal) scan() error {
	length := uint(j.p.Size()) / j.p.BlockSize()
	var last record
	lba, next := uint(0), uint(0)
	for lba < length {
		br := &blockReader{p: j.p, buf: make([]byte, j.p.BlockSize()), pos: lba * j.p.BlockSize()}
		r, err := unmarshalRecord(br, j.maxData)
		if err != nil {
			if last.Revision > 0 {
				break
			}
			// Either the journal is empty, or the leading records were
			// overwritten by a failed write. Keep looking block by block.
			lba++
			continue
		}
		if r.Revision > last.Revision {
			last = *r
			lba = (br.pos-1)/j.p.BlockSize() + 1
			next = lba
			continue
		} else if r.Revision < last.Revision {
			next = lba
			break
		}
		return fmt.Errorf("journal %q is corrupt: two records with revision %d", j.p.Name(), r.Revision)
	}
	if next >= length {
		next = 0
	}
	j.nextBlock = next
	j.current = last
	return nil
}

func unmarshalRecord(r io.Reader, maxData uint) (*record, error) {
	e := &record{}
	if err := binary.Read(r, binary.BigEndian, &e.Magic); err != nil {
		return nil, fmt.Errorf("failed to read magic: %v", err)
	}
	if string(e.Magic[:]) != journalMagic {
		return nil, fmt.Errorf("invalid header magic %v", e.Magic)
	}
	if err := binary.Read(r, binary.BigEndian, &e.Revision); err != nil {
		return nil, fmt.Errorf("failed to read revision: %v", err)
	}
	if err := binary.Read(r, binary.BigEndian, &e.DataLen); err != nil {
		return nil, fmt.Errorf("failed to read data length: %v", err)
	}
	if e.DataLen > uint64(maxData) {
		return nil, fmt.Errorf("data length %d exceeds journal maximum %d", e.DataLen, maxData)
	}
	if err := binary.Read(r, binary.BigEndian, &e.DataSHA256); err != nil {
		return nil, fmt.Errorf("failed to read data SHA256: %v", err)
	}
	e.Data = make([]byte, e.DataLen)
	if _, err := io.ReadFull(r, e.Data); err != nil {
		return nil, fmt.Errorf("failed to read data: %v", err)
	}
	if h := sha256.Sum256(e.Data); !bytes.Equal(h[:], e.DataSHA256[:]) {
		return nil, fmt.Errorf("incorrect data SHA256 (%x), header claims (%x)", h, e.DataSHA256[:])
	}
	return e, nil
}

func marshalRecord(e record, w io.Writer) error {
	for _, v := range []interface{}{e.Magic, e.Revision, e.DataLen, e.DataSHA256} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(e.Data)
	return err
}

// blockReader provides an io.Reader over a partition starting at byte pos,
// which must be block aligned.
type blockReader struct {
	p   *Partition
	buf []byte
	pos uint
}

// Read implements io.Reader.
func (br *blockReader) Read(b []byte) (int, error) {
	bs := br.p.BlockSize()
	if br.pos >= uint(br.p.Size()) {
		return 0, io.EOF
	}
	if br.pos%bs == 0 {
		if err := br.p.readBlocks(br.pos/bs, br.buf); err != nil {
			return 0, err
		}
	}
	l := copy(b, br.buf[br.pos%bs:])
	br.pos += uint(l)
	return l, nil
}
