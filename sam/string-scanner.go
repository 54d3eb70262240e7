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

package sam

import (
	"fmt"
	"strconv"

	"github.com/exascience/elbasecalls/utils"
)

// A StringScanner scans/parses ASCII strings representing read
// alignment lines in SAM files.
//
// The zero StringScanner is valid and empty.
type StringScanner struct {
	index int
	data  string
	err   error
}

// Err returns the error that occurred during scanning/parsing.
func (sc *StringScanner) Err() error {
	return sc.err
}

// Reset resets the scanner, and initializes it with the given string.
func (sc *StringScanner) Reset(s string) {
	sc.index = 0
	sc.data = s
	sc.err = nil
}

// Len returns the number of ASCII characters that still need to be
// scanned/parsed. Returns 0 if Err() would return a non-nil value.
func (sc *StringScanner) Len() int {
	if sc.err != nil {
		return 0
	}
	return len(sc.data) - sc.index
}

func (sc *StringScanner) readUntil(c byte) (s string, found bool) {
	if sc.err != nil {
		return "", false
	}
	start := sc.index
	for end := sc.index; end < len(sc.data); end++ {
		if sc.data[end] == c {
			sc.index = end + 1
			return sc.data[start:end], true
		}
	}
	sc.index = len(sc.data)
	return sc.data[start:], false
}

func (sc *StringScanner) doString() string {
	value, _ := sc.readUntil('\t')
	return value
}

func (sc *StringScanner) doInt32() int32 {
	value, err := strconv.ParseInt(sc.doString(), 10, 32)
	if err != nil && sc.err == nil {
		sc.err = err
	}
	return int32(value)
}

func (sc *StringScanner) doUint(bitSize int) uint64 {
	value, err := strconv.ParseUint(sc.doString(), 10, bitSize)
	if err != nil && sc.err == nil {
		sc.err = err
	}
	return value
}

// parseOptionalField parses an optional TAG:TYPE:VALUE field. Only
// the field types the cluster converter generates are supported.
func (sc *StringScanner) parseOptionalField() (tag utils.Symbol, value interface{}) {
	field, _ := sc.readUntil('\t')
	if len(field) < 5 || field[2] != ':' || field[4] != ':' {
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid optional field %v", field)
		}
		return nil, nil
	}
	tag = utils.Intern(field[:2])
	switch field[3] {
	case 'Z':
		value = field[5:]
	case 'A':
		value = field[5]
	case 'i':
		i, err := strconv.ParseInt(field[5:], 10, 64)
		if err != nil && sc.err == nil {
			sc.err = err
		}
		value = i
	default:
		if sc.err == nil {
			sc.err = fmt.Errorf("unsupported optional field type %c", field[3])
		}
	}
	return tag, value
}

// ParseAlignment parses a SAM read alignment line, and returns a
// freshly allocated alignment.
func (sc *StringScanner) ParseAlignment() *Alignment {
	aln := NewAlignment()

	aln.QNAME = sc.doString()
	aln.FLAG = uint16(sc.doUint(16))
	aln.RNAME = sc.doString()
	aln.POS = sc.doInt32()
	aln.MAPQ = byte(sc.doUint(8))
	aln.CIGAR = sc.doString()
	aln.RNEXT = sc.doString()
	aln.PNEXT = sc.doInt32()
	aln.TLEN = sc.doInt32()
	aln.SEQ = sc.doString()
	aln.QUAL, _ = sc.readUntil('\t')

	for sc.Len() > 0 {
		aln.TAGS.Set(sc.parseOptionalField())
	}

	return aln
}
