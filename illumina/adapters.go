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
	"strings"

	"github.com/exascience/elbasecalls/sam"
	"github.com/exascience/elbasecalls/utils"
)

// An AdapterPair holds the adapter sequences that an Illumina library
// preparation protocol ligates to the two ends of an insert. Short
// inserts read through into the three prime adapter, so its sequence
// can show up verbatim towards the end of a read. An N in an adapter
// sequence matches any base.
type AdapterPair struct {
	Name       string
	FivePrime  string
	ThreePrime string
}

var adapterPairs = map[string]AdapterPair{
	"paired-end": {
		Name:       "paired-end",
		FivePrime:  "AATGATACGGCGACCACCGAGATCTACACTCTTTCCCTACACGACGCTCTTCCGATCT",
		ThreePrime: "AGATCGGAAGAGCGGTTCAGCAGGAATGCCGAG",
	},
	"indexed": {
		Name:       "indexed",
		FivePrime:  "AATGATACGGCGACCACCGAGATCTACACTCTTTCCCTACACGACGCTCTTCCGATCT",
		ThreePrime: "AGATCGGAAGAGCACACGTCTGAACTCCAGTCACNNNNNNNNATCTCGTATGCCGTCTTCTGCTTG",
	},
	"single-end": {
		Name:       "single-end",
		FivePrime:  "AATGATACGGCGACCACCGA",
		ThreePrime: "AGATCGGAAGAGCTCGTATGCCGTCTTCTGCTTG",
	},
	"nextera-v2": {
		Name:       "nextera-v2",
		FivePrime:  "AATGATACGGCGACCACCGAGATCTACACNNNNNNNNTCGTCGGCAGCGTCAGATGTGTATAAGAGACAG",
		ThreePrime: "CTGTCTCTTATACACATCTCCGAGCCCACGAGACNNNNNNNNATCTCGTATGCCGTCTTCTGCTTG",
	},
	"dual-indexed": {
		Name:       "dual-indexed",
		FivePrime:  "AATGATACGGCGACCACCGAGATCTNNNNNNNNACACTCTTTCCCTACACGACGCTCTTCCGATCT",
		ThreePrime: "AGATCGGAAGAGCACACGTCTGAACTCCAGTCACNNNNNNNNATCTCGTATGCCGTCTTCTGCTTG",
	},
	"fluidigm": {
		Name:       "fluidigm",
		FivePrime:  "AATGATACGGCGACCACCGAGATCTACACTGACGACATGGTTCTACA",
		ThreePrime: "AGACCAAGTCTCTGCTACCGTANNNNNNNNNNATCTCGTATGCCGTCTTCTGCTTG",
	},
}

// DefaultAdapters names the adapter pairs that are marked when no
// other selection is configured.
const DefaultAdapters = "indexed,dual-indexed,nextera-v2,fluidigm"

// ParseAdapters resolves a comma-separated list of adapter pair
// names. An empty string selects no adapter pairs, which disables
// adapter marking.
func ParseAdapters(names string) ([]AdapterPair, error) {
	if names == "" {
		return nil, nil
	}
	split := strings.Split(names, ",")
	adapters := make([]AdapterPair, 0, len(split))
	for _, name := range split {
		pair, ok := adapterPairs[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown adapter pair %v", name)
		}
		adapters = append(adapters, pair)
	}
	return adapters, nil
}

// Matching thresholds for locating an adapter sequence in a read. The
// relaxed minimum overlap applies to read pairs, where the adapter
// must be found at the same position in both reads.
const (
	adapterMinMatchBases       = 12
	adapterMaxErrorRate        = 0.1
	adapterMinMatchBasesPaired = 6
	adapterMaxErrorRatePaired  = 0.1
)

// findAdapterIndex returns the leftmost index in seq where the given
// adapter sequence begins, or -1 if it does not occur. The adapter
// may run off the end of the read: at least minMatch bases must
// overlap, and the fraction of mismatching bases within the overlap
// must not exceed maxErrorRate.
func findAdapterIndex(seq, adapter string, minMatch int, maxErrorRate float64) int {
	for start := 0; start+minMatch <= len(seq); start++ {
		length := len(seq) - start
		if length > len(adapter) {
			length = len(adapter)
		}
		maxMismatches := int(float64(length) * maxErrorRate)
		mismatches := 0
		for i := 0; i < length; i++ {
			if a := adapter[i]; a != 'N' && a != seq[start+i] {
				if mismatches++; mismatches > maxMismatches {
					break
				}
			}
		}
		if mismatches <= maxMismatches {
			return start
		}
	}
	return -1
}

func reverseComplement(seq string) string {
	result := make([]byte, len(seq))
	for i := 0; i < len(seq); i++ {
		var base byte
		switch seq[len(seq)-1-i] {
		case 'A':
			base = 'T'
		case 'C':
			base = 'G'
		case 'G':
			base = 'C'
		case 'T':
			base = 'A'
		default:
			base = 'N'
		}
		result[i] = base
	}
	return string(result)
}

var xt = utils.Intern("XT")

// markAdapters looks for the given adapter sequences in the template
// records converted from one cluster, and records the 1-based
// position where the adapter sequence begins in the XT field of the
// matching records. The first read of a pair reads into the three
// prime adapter and the last read into the reverse complement of the
// five prime adapter, at the same position in both reads since the
// reads span the same insert; that agreement is required, with
// relaxed per-read thresholds.
func markAdapters(records []*sam.Alignment, adapters []AdapterPair) {
	if len(records) == 2 {
		first, last := records[0], records[1]
		for _, pair := range adapters {
			index := findAdapterIndex(first.SEQ, pair.ThreePrime, adapterMinMatchBasesPaired, adapterMaxErrorRatePaired)
			if index < 0 || index != findAdapterIndex(last.SEQ, reverseComplement(pair.FivePrime), adapterMinMatchBasesPaired, adapterMaxErrorRatePaired) {
				continue
			}
			first.TAGS.Set(xt, int64(index+1))
			last.TAGS.Set(xt, int64(index+1))
			return
		}
		return
	}
	for _, record := range records {
		for _, pair := range adapters {
			if index := findAdapterIndex(record.SEQ, pair.ThreePrime, adapterMinMatchBases, adapterMaxErrorRate); index >= 0 {
				record.TAGS.Set(xt, int64(index+1))
				break
			}
		}
	}
}
