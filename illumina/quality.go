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

import "fmt"

// AllegedMinimumQuality is the minimum quality the Illumina
// specification describes, and the default quality floor. In practice
// lower values have been observed, which is why the floor is
// configurable.
const AllegedMinimumQuality = 2

// remapAndCheckQualities remaps zero qualities to 1, the minimum
// representable value, and then verifies that no quality is below the
// configured floor. A quality below the floor indicates corrupt
// basecall data and is always fatal.
func remapAndCheckQualities(quals []byte, minimum byte) error {
	for i, q := range quals {
		if q == 0 {
			q = 1
			quals[i] = q
		}
		if q < minimum {
			return fmt.Errorf("quality %v below the minimum quality %v", q, minimum)
		}
	}
	return nil
}
