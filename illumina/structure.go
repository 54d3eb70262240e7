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
	"fmt"

	"github.com/exascience/elbasecalls/qseq"
)

// SegmentType describes how a read segment of a cluster is used.
type SegmentType byte

// Segment types.
const (
	Template      SegmentType = 'T'
	SampleBarcode SegmentType = 'B'
	Skip          SegmentType = 'S'
)

// A Segment is one read segment of a read structure: a number of
// cycles and how they are used.
type Segment struct {
	Length int
	Type   SegmentType
}

// A ReadStructure describes the layout of the read segments of every
// cluster of a run, for example 36T8B36T for a paired-end run with
// one 8-base sample barcode. Segment i corresponds to the qseq
// segment files for read i+1.
type ReadStructure struct {
	Segments []Segment
}

// ParseReadStructure parses a read structure string such as 36T8B36T.
//
// A read structure must contain at least one template segment; all
// segment lengths must be positive.
func ParseReadStructure(s string) (*ReadStructure, error) {
	if s == "" {
		return nil, fmt.Errorf("empty read structure")
	}
	structure := &ReadStructure{}
	length := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			length = 10*length + int(c-'0')
		case byte(Template), byte(SampleBarcode), byte(Skip):
			if length <= 0 {
				return nil, fmt.Errorf("invalid segment length in read structure %v", s)
			}
			structure.Segments = append(structure.Segments, Segment{length, SegmentType(c)})
			length = 0
		default:
			return nil, fmt.Errorf("invalid character %c in read structure %v", c, s)
		}
	}
	if length != 0 {
		return nil, fmt.Errorf("read structure %v ends without a segment type", s)
	}
	if structure.TemplateCount() == 0 {
		return nil, fmt.Errorf("read structure %v has no template segment", s)
	}
	return structure, nil
}

// String formats the read structure the way ParseReadStructure
// parses it.
func (structure *ReadStructure) String() (s string) {
	for _, segment := range structure.Segments {
		s += fmt.Sprintf("%d%c", segment.Length, segment.Type)
	}
	return s
}

// TemplateCount returns the number of template segments. This is the
// fixed number of records in every record group.
func (structure *ReadStructure) TemplateCount() (n int) {
	for _, segment := range structure.Segments {
		if segment.Type == Template {
			n++
		}
	}
	return n
}

// BarcodeCount returns the number of sample barcode segments.
func (structure *ReadStructure) BarcodeCount() (n int) {
	for _, segment := range structure.Segments {
		if segment.Type == SampleBarcode {
			n++
		}
	}
	return n
}

// CheckCluster verifies that the cluster's read segments match the
// read structure.
func (structure *ReadStructure) CheckCluster(cluster *qseq.Cluster) error {
	if len(cluster.Reads) != len(structure.Segments) {
		return fmt.Errorf("cluster has %v read segments where read structure %v expects %v", len(cluster.Reads), structure, len(structure.Segments))
	}
	for i, segment := range structure.Segments {
		if len(cluster.Reads[i]) != segment.Length {
			return fmt.Errorf("read segment %v has %v bases where read structure %v expects %v", i+1, len(cluster.Reads[i]), structure, segment.Length)
		}
	}
	return nil
}

// BarcodeBases concatenates the bases of all sample barcode segments
// of a cluster, translating no-calls to N.
func (structure *ReadStructure) BarcodeBases(reads [][]byte) string {
	barcode := make([]byte, 0, 16)
	for i, segment := range structure.Segments {
		if segment.Type == SampleBarcode {
			for _, base := range reads[i] {
				if base == '.' {
					base = 'N'
				}
				barcode = append(barcode, base)
			}
		}
	}
	return string(barcode)
}
