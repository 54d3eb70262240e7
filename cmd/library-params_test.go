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

package cmd

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func writeParams(t *testing.T, contents string) string {
	dir, err := ioutil.TempDir("", "library-params")
	if err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(dir, "library_params.txt")
	if err := ioutil.WriteFile(name, []byte(contents), 0666); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestParseLibraryParams(t *testing.T) {
	name := writeParams(t,
		"OUTPUT\tSAMPLE_ALIAS\tLIBRARY_NAME\tBARCODE_1\tBARCODE_2\tDS\n"+
			"a.sam\tsampleA\tlibA\tACGT\tACGT\tfirst sample\n"+
			"b.sam\tsampleB\t\tGGCC\tTTAA\t\n"+
			"n.sam\tunmatched\tunmatchedlib\tN\tN\t\n")
	defer func() { _ = os.RemoveAll(filepath.Dir(name)) }()

	params, err := parseLibraryParams(name, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(params) != 3 {
		t.Fatal("expected 3 rows, got", len(params))
	}
	a := params[0]
	if a.barcode != "ACGTACGT" || a.output != "a.sam" || a.sample != "sampleA" || a.library != "libA" {
		t.Error("row 1 failed:", a)
	}
	if a.tags["DS"] != "first sample" {
		t.Error("read group tag column failed:", a.tags)
	}
	b := params[1]
	if b.barcode != "GGCCTTAA" || b.library != "sampleB" {
		t.Error("row 2 failed; the library name must default to the sample alias:", b)
	}
	if _, found := b.tags["DS"]; found {
		t.Error("empty tag cell must not produce a tag")
	}
	n := params[2]
	if n.barcode != "" || n.sample != "unmatched" {
		t.Error("no-match row failed:", n)
	}
}

func TestParseLibraryParamsSingleBarcodeColumn(t *testing.T) {
	name := writeParams(t,
		"OUTPUT\tSAMPLE_ALIAS\tBARCODE\n"+
			"a.sam\tsampleA\tACGTACGT\n")
	defer func() { _ = os.RemoveAll(filepath.Dir(name)) }()

	params, err := parseLibraryParams(name, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(params) != 1 || params[0].barcode != "ACGTACGT" {
		t.Error("single BARCODE column failed")
	}
}

func TestParseLibraryParamsErrors(t *testing.T) {
	invalid := []struct{ name, contents string }{
		{"missing mandatory columns", "SAMPLE_ALIAS\tBARCODE\nsampleA\tACGT\n"},
		{"unknown column", "OUTPUT\tSAMPLE_ALIAS\tBARCODE\tNONSENSE\na.sam\tsampleA\tACGT\tx\n"},
		{"too few barcode columns", "OUTPUT\tSAMPLE_ALIAS\na.sam\tsampleA\n"},
		{"duplicate barcode", "OUTPUT\tSAMPLE_ALIAS\tBARCODE\na.sam\tsampleA\tACGT\nb.sam\tsampleB\tACGT\n"},
		{"duplicate output", "OUTPUT\tSAMPLE_ALIAS\tBARCODE\na.sam\tsampleA\tACGT\na.sam\tsampleB\tGGCC\n"},
		{"duplicate no-match row", "OUTPUT\tSAMPLE_ALIAS\tBARCODE\na.sam\tsampleA\tN\nb.sam\tsampleB\tN\n"},
		{"partial no-match barcode", "OUTPUT\tSAMPLE_ALIAS\tBARCODE_1\tBARCODE_2\na.sam\tsampleA\tN\tACGT\n"},
		{"missing sample", "OUTPUT\tSAMPLE_ALIAS\tBARCODE\na.sam\t\tACGT\n"},
		{"no rows", "OUTPUT\tSAMPLE_ALIAS\tBARCODE\n"},
	}
	for _, c := range invalid {
		name := writeParams(t, c.contents)
		barcodeCount := 1
		if c.name == "too few barcode columns" || c.name == "partial no-match barcode" {
			barcodeCount = 2
		}
		if _, err := parseLibraryParams(name, barcodeCount); err == nil {
			t.Error("expected an error for", c.name)
		}
		_ = os.RemoveAll(filepath.Dir(name))
	}
}
