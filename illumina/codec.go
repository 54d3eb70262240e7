// elbasecalls: a high-performance tool for converting Illumina basecall files to SAM/BAM.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elbasecalls/blob/master/LICENSE.txt>.

package illumina

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/exascience/elbasecalls/sam"
)

// A Codec encodes and decodes record groups for spill files. A record
// group is encoded and decoded atomically: decoding a group with
// fewer records than the read structure's template count is an error,
// never a partial group.
//
// Codec instances must never share mutable encode/decode state, so
// that sort buffers can spill concurrently from different worker
// threads. Clone returns a fresh instance for one more concurrently
// active stream.
type Codec interface {
	SetWriter(w *bufio.Writer)
	SetReader(r *bufio.Reader)
	Encode(group *ClusterRecords) error
	Decode() (*ClusterRecords, error)
	Clone() Codec
}

// NewCodec returns a codec for record groups of exactly numRecords
// records. Groups are stored as consecutive plain-text SAM read
// alignment lines, numRecords lines per group.
func NewCodec(numRecords int) Codec {
	return &samTextCodec{numRecords: numRecords}
}

type samTextCodec struct {
	numRecords int
	writer     *bufio.Writer
	reader     *bufio.Reader
	buf        []byte
	sc         sam.StringScanner
}

func (codec *samTextCodec) SetWriter(w *bufio.Writer) { codec.writer = w }

func (codec *samTextCodec) SetReader(r *bufio.Reader) { codec.reader = r }

func (codec *samTextCodec) Encode(group *ClusterRecords) error {
	if len(group.Records) != codec.numRecords {
		return fmt.Errorf("expected number of records %v != actual %v", codec.numRecords, len(group.Records))
	}
	for _, record := range group.Records {
		buf, err := record.Format(codec.buf[:0])
		if err != nil {
			return err
		}
		codec.buf = buf
		if _, err := codec.writer.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// Decode returns the next record group, or nil at the end of the
// stream.
func (codec *samTextCodec) Decode() (*ClusterRecords, error) {
	group := &ClusterRecords{Records: make([]*sam.Alignment, 0, codec.numRecords)}
	for i := 0; i < codec.numRecords; i++ {
		line, err := codec.reader.ReadString('\n')
		if err == io.EOF && line == "" {
			if i == 0 {
				return nil, nil
			}
			return nil, fmt.Errorf("expected to read %v records but read only %v", codec.numRecords, i)
		} else if err != nil && err != io.EOF {
			return nil, err
		}
		codec.sc.Reset(strings.TrimSuffix(line, "\n"))
		record := codec.sc.ParseAlignment()
		if err := codec.sc.Err(); err != nil {
			return nil, fmt.Errorf("%v, while decoding a spilled record", err)
		}
		group.Records = append(group.Records, record)
	}
	return group, nil
}

func (codec *samTextCodec) Clone() Codec {
	return &samTextCodec{numRecords: codec.numRecords}
}
