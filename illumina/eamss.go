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

// eamssMaskingQuality is the quality that inappropriately scored
// bases towards the ends of reads are converted to.
const eamssMaskingQuality = 2

const (
	eamssHighQuality   = 30
	eamssMediumQuality = 15
)

// maskLowQualityEnds applies the EAMSS heuristic to one template
// read: scanning from the 3' end, low qualities raise a running score
// and high qualities lower it; if the score ever becomes positive,
// all qualities from the position of the maximum score to the end of
// the read are masked to Q2.
func maskLowQualityEnds(quals []byte) {
	score, maxScore, maxIndex := 0, 0, -1
	for i := len(quals) - 1; i >= 0; i-- {
		switch q := quals[i]; {
		case q >= eamssHighQuality:
			score -= 2
		case q >= eamssMediumQuality:
			score--
		default:
			score += 2
		}
		if score >= maxScore {
			maxScore = score
			maxIndex = i
		}
	}
	if maxScore > 0 {
		for i := maxIndex; i < len(quals); i++ {
			quals[i] = eamssMaskingQuality
		}
	}
}
