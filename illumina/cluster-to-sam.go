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
	"strconv"

	"github.com/exascience/elbasecalls/qseq"
	"github.com/exascience/elbasecalls/sam"
	"github.com/exascience/elbasecalls/utils"
)

// A ClusterRecords groups the template records converted from one
// cluster. A record group is always produced and consumed as an
// atomic unit: it is never partially written or partially decoded.
type ClusterRecords struct {
	Records []*sam.Alignment
}

// clusterRecordsLess compares two record groups for queryname sorting
// order. All records of a group share the same read name, so the
// first record determines the order of the group.
func clusterRecordsLess(g1, g2 *ClusterRecords) bool {
	return sam.QuerynameLess(g1.Records[0], g2.Records[0])
}

// A ClusterConverter converts the raw sequencer output for one
// cluster into a record group.
type ClusterConverter func(cluster *qseq.Cluster) (*ClusterRecords, error)

var (
	rg = utils.Intern("RG")
	bc = utils.Intern("BC")
)

// NewClusterToSamConverter returns a ClusterConverter producing
// unmapped SAM records: one per template segment of the read
// structure, named <runBarcode>:<lane>:<tile>:<x>:<y>, with paired
// flags when the read structure has two template segments, the
// QC-failed flag for clusters that did not pass the sequencer's
// filter, and RG and BC tags. When adapter pairs are given, template
// bases are scanned for their adapter sequences and matches are
// marked in the XT field.
func NewClusterToSamConverter(runBarcode, readGroupID string, structure *ReadStructure, adapters []AdapterPair) ClusterConverter {
	numRecords := structure.TemplateCount()
	return func(cluster *qseq.Cluster) (*ClusterRecords, error) {
		name := runBarcode +
			":" + strconv.Itoa(cluster.Lane) +
			":" + strconv.Itoa(cluster.Tile) +
			":" + strconv.Itoa(cluster.X) +
			":" + strconv.Itoa(cluster.Y)
		barcode := structure.BarcodeBases(cluster.Reads)
		group := &ClusterRecords{Records: make([]*sam.Alignment, 0, numRecords)}
		for i, segment := range structure.Segments {
			if segment.Type != Template {
				continue
			}
			aln := sam.NewAlignment()
			aln.QNAME = name
			aln.FLAG = sam.Unmapped
			if numRecords == 2 {
				aln.FLAG |= sam.Multiple | sam.NextUnmapped
				if len(group.Records) == 0 {
					aln.FLAG |= sam.First
				} else {
					aln.FLAG |= sam.Last
				}
			}
			if !cluster.PassFilter {
				aln.FLAG |= sam.QCFailed
			}
			aln.RNAME = "*"
			aln.POS = 0
			aln.MAPQ = 0
			aln.CIGAR = "*"
			aln.RNEXT = "*"
			aln.PNEXT = 0
			aln.TLEN = 0
			aln.SEQ = templateBases(cluster.Reads[i])
			aln.QUAL = phredToSamQuality(cluster.Quals[i])
			aln.TAGS.Set(rg, readGroupID)
			if barcode != "" {
				aln.TAGS.Set(bc, barcode)
			}
			group.Records = append(group.Records, aln)
		}
		if len(adapters) > 0 {
			markAdapters(group.Records, adapters)
		}
		return group, nil
	}
}

// templateBases translates no-calls to N and lowercase basecalls to
// their uppercase SAM representation.
func templateBases(bases []byte) string {
	seq := make([]byte, len(bases))
	for i, base := range bases {
		switch {
		case base == '.':
			base = 'N'
		case 'a' <= base && base <= 'z':
			base -= 'a' - 'A'
		}
		seq[i] = base
	}
	return string(seq)
}

// phredToSamQuality encodes plain quality values as Phred+33 ASCII.
func phredToSamQuality(quals []byte) string {
	qual := make([]byte, len(quals))
	for i, q := range quals {
		qual[i] = q + 33
	}
	return string(qual)
}
