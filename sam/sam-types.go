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
	"github.com/exascience/elbasecalls/utils"
)

const (
	// FileFormatVersion is the version of the SAM file format
	// the sam package generates.
	FileFormatVersion = "1.5"
)

// SortingOrder represents the possible values of the SO tag in the
// @HD line of a header.
type SortingOrder string

// Sorting orders.
const (
	Queryname SortingOrder = "queryname"
)

// A Header represents the header of a SAM file.
type Header struct {
	HD utils.StringMap
	RG []utils.StringMap
	CO []string
}

// NewHeader allocates and initializes an empty header.
func NewHeader() *Header { return &Header{} }

// EnsureHD returns the @HD line of the header, adding one with
// default version number if it does not exist yet.
func (hdr *Header) EnsureHD() utils.StringMap {
	if hdr.HD == nil {
		hdr.HD = utils.StringMap{"VN": FileFormatVersion}
	}
	return hdr.HD
}

// SetHDSO sets the sorting order in the @HD line of the header.
func (hdr *Header) SetHDSO(value SortingOrder) {
	hd := hdr.EnsureHD()
	hd["SO"] = string(value)
}

// An Alignment represents a single read alignment line in a SAM file.
type Alignment struct {
	QNAME string
	FLAG  uint16
	RNAME string
	POS   int32
	MAPQ  byte
	CIGAR string
	RNEXT string
	PNEXT int32
	TLEN  int32
	SEQ   string
	QUAL  string
	TAGS  utils.SmallMap
}

// NewAlignment allocates and initializes an empty alignment.
func NewAlignment() *Alignment {
	return &Alignment{TAGS: make(utils.SmallMap, 0, 4)}
}

// FLAG values. See http://samtools.github.io/hts-specs/SAMv1.pdf - Section 1.4.2.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

// IsFirst checks if the alignment is the first read of a pair.
func (aln *Alignment) IsFirst() bool { return (aln.FLAG & First) != 0 }

// IsLast checks if the alignment is the last read of a pair.
func (aln *Alignment) IsLast() bool { return (aln.FLAG & Last) != 0 }

// IsQCFailed checks if the alignment failed platform quality checks.
func (aln *Alignment) IsQCFailed() bool { return (aln.FLAG & QCFailed) != 0 }

// QuerynameLess compares two alignments for queryname sorting order:
// by read name, with the first read of a pair ordering before the
// last read, and remaining ties broken on the flag value.
func QuerynameLess(aln1, aln2 *Alignment) bool {
	if aln1.QNAME != aln2.QNAME {
		return aln1.QNAME < aln2.QNAME
	}
	if aln1.IsFirst() != aln2.IsFirst() {
		return aln1.IsFirst()
	}
	return aln1.FLAG < aln2.FLAG
}
