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

package credentials

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// On-partition record layout:
//
//	magic   [4]byte "GCR1"
//	length  uint32, big-endian, of the payload
//	payload protowire fields, in field number order
//
// Every field is length delimited or a varint, so any content (including
// separators or newlines inside the PEM blocks) round-trips unchanged.
const recordMagic = "GCR1"

const recordHeaderSize = 4 + 4

const (
	fieldVersion protowire.Number = iota + 1
	fieldTimestamp
	fieldDigest
	fieldCertificate
	fieldPrivateKey
	fieldCACertificate
	fieldEndpoint
)

// marshalRecord serialises b. The Valid flag is not stored.
func marshalRecord(b Bundle) []byte {
	var p []byte
	p = protowire.AppendTag(p, fieldVersion, protowire.BytesType)
	p = protowire.AppendString(p, b.Version)
	p = protowire.AppendTag(p, fieldTimestamp, protowire.VarintType)
	p = protowire.AppendVarint(p, b.Timestamp)
	for _, f := range []struct {
		n protowire.Number
		v string
	}{
		{fieldDigest, b.Digest},
		{fieldCertificate, b.Certificate},
		{fieldPrivateKey, b.PrivateKey},
		{fieldCACertificate, b.CACertificate},
		{fieldEndpoint, b.Endpoint},
	} {
		p = protowire.AppendTag(p, f.n, protowire.BytesType)
		p = protowire.AppendString(p, f.v)
	}

	out := make([]byte, recordHeaderSize, recordHeaderSize+len(p))
	copy(out, recordMagic)
	binary.BigEndian.PutUint32(out[4:], uint32(len(p)))
	return append(out, p...)
}

var errNoRecord = errors.New("no credential record")

// unmarshalRecord parses a record from the start of data. Trailing bytes
// (the erased remainder of the partition) are ignored.
func unmarshalRecord(data []byte) (Bundle, error) {
	var b Bundle
	if len(data) < recordHeaderSize || string(data[:4]) != recordMagic {
		return b, errNoRecord
	}
	l := binary.BigEndian.Uint32(data[4:])
	if uint64(l) > uint64(len(data)-recordHeaderSize) {
		return b, fmt.Errorf("record length %d exceeds available %d bytes", l, len(data)-recordHeaderSize)
	}
	p := data[recordHeaderSize : recordHeaderSize+int(l)]
	seen := map[protowire.Number]bool{}
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return b, fmt.Errorf("bad tag: %v", protowire.ParseError(n))
		}
		p = p[n:]
		if seen[num] {
			return b, fmt.Errorf("duplicate field %d", num)
		}
		seen[num] = true
		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(p)
			if n < 0 {
				return b, fmt.Errorf("bad timestamp: %v", protowire.ParseError(n))
			}
			b.Timestamp = v
			p = p[n:]
		case num != fieldTimestamp && num >= fieldVersion && num <= fieldEndpoint && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(p)
			if n < 0 {
				return b, fmt.Errorf("bad field %d: %v", num, protowire.ParseError(n))
			}
			*stringField(&b, num) = v
			p = p[n:]
		default:
			return b, fmt.Errorf("unexpected field %d of type %d", num, typ)
		}
	}
	if len(seen) != int(fieldEndpoint) {
		return b, fmt.Errorf("record has %d of %d fields", len(seen), fieldEndpoint)
	}
	return b, nil
}

func stringField(b *Bundle, n protowire.Number) *string {
	switch n {
	case fieldVersion:
		return &b.Version
	case fieldDigest:
		return &b.Digest
	case fieldCertificate:
		return &b.Certificate
	case fieldPrivateKey:
		return &b.PrivateKey
	case fieldCACertificate:
		return &b.CACertificate
	}
	return &b.Endpoint
}
