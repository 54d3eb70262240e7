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
	"bufio"
	"fmt"
	"os"
	"strings"
)

// A libraryParams row describes the output for one sample barcode: a
// row whose barcode cells are all N describes the output for clusters
// whose barcode matches no sample.
type libraryParams struct {
	barcode string
	output  string
	sample  string
	library string
	tags    map[string]string
}

// isReadGroupTag reports whether a column header names an additional
// read group attribute, as a two-letter tag.
func isReadGroupTag(column string) bool {
	if len(column) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := column[i]
		if !('A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}

// parseLibraryParams parses a tab-separated library parameters table
// with one row per sample barcode. The mandatory columns are OUTPUT
// and SAMPLE_ALIAS; LIBRARY_NAME is optional, and any two-letter
// column adds the corresponding attribute to the read group of that
// output. Barcodes are given in BARCODE_1 up to BARCODE_<n> columns,
// or a single BARCODE column, matching the barcode segments of the
// read structure; with no barcode segments, the table has exactly one
// row and no barcode columns.
func parseLibraryParams(filename string, barcodeCount int) (params []*libraryParams, funcErr error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); funcErr == nil {
			funcErr = err
		}
	}()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%v, while reading %v", err, filename)
		}
		return nil, fmt.Errorf("library parameters file %v is empty", filename)
	}
	columns := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")
	var outputCol, sampleCol, libraryCol = -1, -1, -1
	barcodeCols := make([]int, 0, barcodeCount)
	tagCols := make(map[int]string)
	for i, column := range columns {
		switch {
		case column == "OUTPUT":
			outputCol = i
		case column == "SAMPLE_ALIAS":
			sampleCol = i
		case column == "LIBRARY_NAME":
			libraryCol = i
		case column == "BARCODE" && barcodeCount == 1:
			barcodeCols = append(barcodeCols, i)
		case strings.HasPrefix(column, "BARCODE_"):
			index := len(barcodeCols) + 1
			if column != fmt.Sprintf("BARCODE_%v", index) || index > barcodeCount {
				return nil, fmt.Errorf("unexpected column %v in %v; expected BARCODE_1 up to BARCODE_%v in order", column, filename, barcodeCount)
			}
			barcodeCols = append(barcodeCols, i)
		case isReadGroupTag(column):
			tagCols[i] = column
		default:
			return nil, fmt.Errorf("unknown column %v in library parameters file %v", column, filename)
		}
	}
	if outputCol < 0 || sampleCol < 0 {
		return nil, fmt.Errorf("library parameters file %v lacks the mandatory OUTPUT and SAMPLE_ALIAS columns", filename)
	}
	if len(barcodeCols) != barcodeCount {
		return nil, fmt.Errorf("library parameters file %v has %v barcode columns where the read structure has %v barcode segments", filename, len(barcodeCols), barcodeCount)
	}
	barcodes := make(map[string]bool)
	outputs := make(map[string]bool)
	line := 1
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n")
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != len(columns) {
			return nil, fmt.Errorf("%v:%v: expected %v fields, got %v", filename, line, len(columns), len(fields))
		}
		row := &libraryParams{
			output: fields[outputCol],
			sample: fields[sampleCol],
			tags:   make(map[string]string),
		}
		if libraryCol >= 0 {
			row.library = fields[libraryCol]
		}
		if row.library == "" {
			row.library = row.sample
		}
		noMatch := true
		var barcode strings.Builder
		for _, col := range barcodeCols {
			cell := fields[col]
			if cell != "N" {
				noMatch = false
			}
			barcode.WriteString(cell)
		}
		if !noMatch {
			row.barcode = barcode.String()
			if strings.Contains(row.barcode, "N") {
				return nil, fmt.Errorf("%v:%v: barcode cells must either spell a sample barcode or all be N", filename, line)
			}
		}
		for col, tag := range tagCols {
			if cell := fields[col]; cell != "" {
				row.tags[tag] = cell
			}
		}
		if row.output == "" {
			return nil, fmt.Errorf("%v:%v: missing output filename", filename, line)
		}
		if row.sample == "" {
			return nil, fmt.Errorf("%v:%v: missing sample alias", filename, line)
		}
		if barcodes[row.barcode] {
			if row.barcode == "" {
				return nil, fmt.Errorf("%v:%v: more than one no-match row", filename, line)
			}
			return nil, fmt.Errorf("%v:%v: duplicate barcode %v", filename, line, row.barcode)
		}
		barcodes[row.barcode] = true
		if outputs[row.output] {
			return nil, fmt.Errorf("%v:%v: duplicate output filename %v", filename, line, row.output)
		}
		outputs[row.output] = true
		params = append(params, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%v, while reading %v", err, filename)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("library parameters file %v has no rows", filename)
	}
	if barcodeCount == 0 && len(params) > 1 {
		return nil, fmt.Errorf("library parameters file %v has %v rows, but the read structure has no sample barcodes", filename, len(params))
	}
	return params, nil
}
