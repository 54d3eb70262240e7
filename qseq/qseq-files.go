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

// Package qseq reads per-tile Illumina qseq basecall files.
//
// A lane consists of one file per read segment per tile, named
// s_<lane>_<read>_<tile>_qseq.txt, optionally gzip-compressed. Each
// line describes one read of one cluster with 11 tab-separated
// fields: machine, run, lane, tile, x, y, index, read number, bases,
// qualities (Phred+64), and the pass-filter flag. The reads of a
// cluster appear on the same line number in every segment file of a
// tile.
package qseq

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/exascience/elbasecalls/internal"
)

// A Cluster is the raw sequencer output for one cluster of a tile:
// the bases and qualities of all its read segments, plus its
// identifying coordinates and the pass-filter flag.
//
// Bases are reported as in the qseq file, with '.' for no-calls.
// Qualities are decoded from their Phred+64 representation to plain
// quality values.
type Cluster struct {
	Machine    string
	Run        int
	Lane       int
	Tile       int
	X, Y       int
	Reads      [][]byte
	Quals      [][]byte
	PassFilter bool
}

var qseqName = regexp.MustCompile(`^s_(\d+)_(\d+)_(\d+)_qseq\.txt(\.gz)?$`)

// FileName returns the qseq file name for the given lane, read
// segment, and tile.
func FileName(lane, read, tile int) string {
	return fmt.Sprintf("s_%d_%d_%d_qseq.txt", lane, read, tile)
}

// Tiles scans a basecalls directory for the qseq files of the given
// lane. It returns the tile numbers in ascending order and the number
// of read segments per cluster.
//
// Every tile must provide the same contiguous range of read segments
// 1..n; anything else indicates an incomplete basecalls directory.
func Tiles(dir string, lane int) (tiles []int, numReads int, err error) {
	files, err := internal.Directory(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("%v, while scanning basecalls directory %v", err, dir)
	}
	reads := make(map[int]map[int]bool)
	for _, name := range files {
		match := qseqName.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		l, _ := strconv.Atoi(match[1])
		if l != lane {
			continue
		}
		read, _ := strconv.Atoi(match[2])
		tile, _ := strconv.Atoi(match[3])
		if reads[tile] == nil {
			reads[tile] = make(map[int]bool)
		}
		reads[tile][read] = true
	}
	if len(reads) == 0 {
		return nil, 0, fmt.Errorf("no qseq files for lane %v in basecalls directory %v", lane, dir)
	}
	for tile := range reads {
		tiles = append(tiles, tile)
	}
	sort.Ints(tiles)
	numReads = len(reads[tiles[0]])
	for _, tile := range tiles {
		if len(reads[tile]) != numReads {
			return nil, 0, fmt.Errorf("tile %v has %v read segment files where tile %v has %v", tile, len(reads[tile]), tiles[0], numReads)
		}
		for read := 1; read <= numReads; read++ {
			if !reads[tile][read] {
				return nil, 0, fmt.Errorf("missing qseq file for lane %v read %v tile %v", lane, read, tile)
			}
		}
	}
	return tiles, numReads, nil
}

type segmentFile struct {
	name string
	file *os.File
	gz   *gzip.Reader
	*bufio.Reader
}

func openSegmentFile(name string) (*segmentFile, error) {
	plain := name
	if _, err := os.Stat(name); os.IsNotExist(err) {
		name = name + ".gz"
	}
	file, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("qseq file %v does not exist", plain)
		}
		return nil, err
	}
	sf := &segmentFile{name: name, file: file}
	if strings.HasSuffix(name, ".gz") {
		if sf.gz, err = gzip.NewReader(file); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%v, while opening %v", err, name)
		}
		sf.Reader = bufio.NewReader(sf.gz)
	} else {
		sf.Reader = bufio.NewReader(file)
	}
	return sf, nil
}

func (sf *segmentFile) close() error {
	if sf.gz != nil {
		if err := sf.gz.Close(); err != nil {
			_ = sf.file.Close()
			return err
		}
	}
	return sf.file.Close()
}

// A TileReader reads the clusters of one tile by zipping the tile's
// per-segment qseq files line by line.
type TileReader struct {
	lane, tile int
	line       int
	files      []*segmentFile
}

// OpenTile opens the numReads qseq segment files of the given tile.
func OpenTile(dir string, lane, tile, numReads int) (*TileReader, error) {
	t := &TileReader{lane: lane, tile: tile}
	for read := 1; read <= numReads; read++ {
		sf, err := openSegmentFile(filepath.Join(dir, FileName(lane, read, tile)))
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		t.files = append(t.files, sf)
	}
	return t, nil
}

// Close closes all segment files of the tile.
func (t *TileReader) Close() error {
	var err error
	for _, sf := range t.files {
		if nerr := sf.close(); err == nil {
			err = nerr
		}
	}
	return err
}

func (t *TileReader) parseLine(sf *segmentFile, line string, read int, cluster *Cluster) error {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) != 11 {
		return fmt.Errorf("%v:%v: expected 11 fields, got %v", sf.name, t.line, len(fields))
	}
	run, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("%v:%v: invalid run number %v", sf.name, t.line, fields[1])
	}
	lane, err := strconv.Atoi(fields[2])
	if err != nil || lane != t.lane {
		return fmt.Errorf("%v:%v: unexpected lane %v", sf.name, t.line, fields[2])
	}
	tile, err := strconv.Atoi(fields[3])
	if err != nil || tile != t.tile {
		return fmt.Errorf("%v:%v: unexpected tile %v", sf.name, t.line, fields[3])
	}
	x, err := strconv.Atoi(fields[4])
	if err != nil {
		return fmt.Errorf("%v:%v: invalid x coordinate %v", sf.name, t.line, fields[4])
	}
	y, err := strconv.Atoi(fields[5])
	if err != nil {
		return fmt.Errorf("%v:%v: invalid y coordinate %v", sf.name, t.line, fields[5])
	}
	bases := []byte(fields[8])
	quals := []byte(fields[9])
	if len(bases) != len(quals) {
		return fmt.Errorf("%v:%v: %v bases but %v qualities", sf.name, t.line, len(bases), len(quals))
	}
	for i, q := range quals {
		if q < 64 {
			return fmt.Errorf("%v:%v: invalid Phred+64 quality character %q", sf.name, t.line, q)
		}
		quals[i] = q - 64
	}
	if read == 0 {
		cluster.Machine = fields[0]
		cluster.Run = run
		cluster.Lane = lane
		cluster.Tile = tile
		cluster.X = x
		cluster.Y = y
		cluster.PassFilter = fields[10] == "1"
	} else if x != cluster.X || y != cluster.Y {
		return fmt.Errorf("%v:%v: cluster coordinates %v:%v do not match %v:%v in the first segment file", sf.name, t.line, x, y, cluster.X, cluster.Y)
	}
	cluster.Reads = append(cluster.Reads, bases)
	cluster.Quals = append(cluster.Quals, quals)
	return nil
}

// Read returns the next cluster of the tile, or io.EOF when all
// segment files are exhausted. Segment files running out of lines at
// different points are reported as an error, never silently skipped.
func (t *TileReader) Read() (*Cluster, error) {
	t.line++
	cluster := &Cluster{
		Reads: make([][]byte, 0, len(t.files)),
		Quals: make([][]byte, 0, len(t.files)),
	}
	for read, sf := range t.files {
		line, err := sf.ReadString('\n')
		if err == io.EOF && line == "" {
			if read > 0 {
				return nil, fmt.Errorf("%v ends at line %v before its sibling segment files", sf.name, t.line)
			}
			for _, other := range t.files[1:] {
				if _, err := other.ReadString('\n'); err != io.EOF {
					return nil, fmt.Errorf("%v has more lines than %v", other.name, sf.name)
				}
			}
			return nil, io.EOF
		} else if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%v, while reading %v", err, sf.name)
		}
		if err := t.parseLine(sf, line, read, cluster); err != nil {
			return nil, err
		}
	}
	return cluster, nil
}
