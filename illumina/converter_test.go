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
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/exascience/elbasecalls/qseq"
)

type testCluster struct {
	x, y  int
	reads []string
	quals [][]byte
	pf    bool
}

// writeQseqTile writes the per-segment qseq files for one tile.
func writeQseqTile(t *testing.T, dir string, lane, tile int, clusters []testCluster) {
	if len(clusters) == 0 {
		t.Fatal("a test tile needs at least one cluster")
	}
	for read := 1; read <= len(clusters[0].reads); read++ {
		var lines strings.Builder
		for _, cluster := range clusters {
			pf := "0"
			if cluster.pf {
				pf = "1"
			}
			quals := make([]byte, len(cluster.quals[read-1]))
			for i, q := range cluster.quals[read-1] {
				quals[i] = q + 64
			}
			fmt.Fprintf(&lines, "machine\t7\t%d\t%d\t%d\t%d\t0\t%d\t%s\t%s\t%s\n",
				lane, tile, cluster.x, cluster.y, read, cluster.reads[read-1], quals, pf)
		}
		name := filepath.Join(dir, qseq.FileName(lane, read, tile))
		if err := ioutil.WriteFile(name, []byte(lines.String()), 0666); err != nil {
			t.Fatal(err)
		}
	}
}

func goodQuals(reads []string) [][]byte {
	quals := make([][]byte, len(reads))
	for i, read := range reads {
		q := make([]byte, len(read))
		for j := range q {
			q[j] = 30
		}
		quals[i] = q
	}
	return quals
}

func pfCluster(x, y int, reads ...string) testCluster {
	return testCluster{x: x, y: y, reads: reads, quals: goodQuals(reads), pf: true}
}

// A recordingWriter collects the record groups written to one
// barcode output.
type recordingWriter struct {
	mutex  sync.Mutex
	groups []*ClusterRecords
	closed bool
}

func (writer *recordingWriter) Write(group *ClusterRecords) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return fmt.Errorf("write after close")
	}
	writer.groups = append(writer.groups, group)
	return nil
}

func (writer *recordingWriter) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return fmt.Errorf("closed twice")
	}
	writer.closed = true
	return nil
}

func groupTile(t *testing.T, group *ClusterRecords) int {
	parts := strings.Split(group.Records[0].QNAME, ":")
	if len(parts) != 5 {
		t.Fatal("unexpected read name:", group.Records[0].QNAME)
	}
	tile, err := strconv.Atoi(parts[2])
	if err != nil {
		t.Fatal(err)
	}
	return tile
}

// checkOrdered verifies the output invariant of one barcode stream:
// tiles in ascending order, record groups in queryname sorting order
// within each tile.
func checkOrdered(t *testing.T, name string, writer *recordingWriter) {
	if !writer.closed {
		t.Error(name, "not closed")
	}
	for i := 1; i < len(writer.groups); i++ {
		prev := writer.groups[i-1]
		cur := writer.groups[i]
		prevTile, curTile := groupTile(t, prev), groupTile(t, cur)
		if prevTile > curTile {
			t.Fatal(name, "tiles out of order:", prevTile, curTile)
		}
		if prevTile == curTile && clusterRecordsLess(cur, prev) {
			t.Fatal(name, "groups out of order within tile", curTile)
		}
	}
}

const (
	barcodeA = "ACGTACGT"
	barcodeB = "GGGGCCCC"
)

func testLane(t *testing.T) string {
	dir, err := ioutil.TempDir("", "basecalls")
	if err != nil {
		t.Fatal(err)
	}
	// Tile 1102 has no clusters for barcode B, so its write
	// frontier must advance without a write there.
	writeQseqTile(t, dir, 1, 1101, []testCluster{
		pfCluster(10, 1, "ACGT", barcodeA, "TTTT"),
		pfCluster(2, 1, "CGTA", barcodeB, "AAAA"),
		pfCluster(9, 3, "GTAC", barcodeA, "CCCC"),
		pfCluster(4, 2, "TACG", barcodeB, "GGGG"),
	})
	writeQseqTile(t, dir, 1, 1102, []testCluster{
		pfCluster(7, 7, "AAGG", barcodeA, "CCTT"),
		pfCluster(3, 2, "GGAA", barcodeA, "TTCC"),
	})
	writeQseqTile(t, dir, 1, 1103, []testCluster{
		pfCluster(1, 1, "ACAC", barcodeA, "GTGT"),
		pfCluster(12, 5, "CACA", barcodeB, "TGTG"),
		pfCluster(2, 8, "AGAG", barcodeB, "TCTC"),
	})
	return dir
}

func testBasecallsConverter(dir string, outputs map[string]*BarcodeOutput) *BasecallsConverter {
	structure, _ := ParseReadStructure("4T8B4T")
	return &BasecallsConverter{
		BasecallsDir:   dir,
		Lane:           1,
		RunBarcode:     "TESTRUN",
		Structure:      structure,
		Outputs:        outputs,
		MinimumQuality: AllegedMinimumQuality,
		MaxReadsInRAM:  4,
		NumWorkers:     3,
		TmpDir:         os.TempDir(),
	}
}

func TestBasecallsConverter(t *testing.T) {
	dir := testLane(t)
	defer func() { _ = os.RemoveAll(dir) }()

	writerA := new(recordingWriter)
	writerB := new(recordingWriter)
	conv := testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: writerA},
		barcodeB: {ReadGroupID: "TESTRUN.1", Writer: writerB},
	})
	if err := conv.Run(); err != nil {
		t.Fatal(err)
	}
	if len(writerA.groups) != 5 {
		t.Error("expected 5 groups for barcode A, got", len(writerA.groups))
	}
	if len(writerB.groups) != 4 {
		t.Error("expected 4 groups for barcode B, got", len(writerB.groups))
	}
	checkOrdered(t, "barcode A", writerA)
	checkOrdered(t, "barcode B", writerB)
	for _, group := range writerA.groups {
		if len(group.Records) != 2 {
			t.Fatal("expected 2 records per group, got", len(group.Records))
		}
		if value, found := group.Records[0].TAGS.Get(bc); !found || value != barcodeA {
			t.Error("BC tag failed for barcode A")
		}
	}
}

func TestBasecallsConverterNonPF(t *testing.T) {
	dir, err := ioutil.TempDir("", "basecalls")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	nonPF := pfCluster(5, 5, "ACGT", barcodeA, "TTTT")
	nonPF.pf = false
	writeQseqTile(t, dir, 1, 1101, []testCluster{
		pfCluster(1, 1, "ACGT", barcodeA, "TTTT"),
		nonPF,
	})

	// Excluded by default.
	writer := new(recordingWriter)
	conv := testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: writer},
	})
	if err := conv.Run(); err != nil {
		t.Fatal(err)
	}
	if len(writer.groups) != 1 {
		t.Error("expected the non-PF cluster to be excluded, got", len(writer.groups), "groups")
	}

	// Included and marked QC failed when requested.
	writer = new(recordingWriter)
	conv = testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: writer},
	})
	conv.IncludeNonPF = true
	if err := conv.Run(); err != nil {
		t.Fatal(err)
	}
	if len(writer.groups) != 2 {
		t.Fatal("expected 2 groups, got", len(writer.groups))
	}
	failed := 0
	for _, group := range writer.groups {
		if group.Records[0].IsQCFailed() {
			failed++
		}
	}
	if failed != 1 {
		t.Error("expected exactly one QC-failed group, got", failed)
	}
}

func TestBasecallsConverterUnexpectedBarcode(t *testing.T) {
	dir := testLane(t)
	defer func() { _ = os.RemoveAll(dir) }()

	conv := testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: new(recordingWriter)},
	})
	if err := conv.Run(); err == nil {
		t.Error("expected an error for the unregistered barcode")
	}

	writer := new(recordingWriter)
	conv = testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: writer},
	})
	conv.IgnoreUnexpectedBarcodes = true
	if err := conv.Run(); err != nil {
		t.Fatal(err)
	}
	if len(writer.groups) != 5 {
		t.Error("expected 5 groups for barcode A, got", len(writer.groups))
	}
	checkOrdered(t, "barcode A", writer)
}

func TestBasecallsConverterNoMatchOutput(t *testing.T) {
	dir := testLane(t)
	defer func() { _ = os.RemoveAll(dir) }()

	writerA := new(recordingWriter)
	writerNoMatch := new(recordingWriter)
	conv := testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA:   {ReadGroupID: "TESTRUN.1", Writer: writerA},
		NoMatchKey: {ReadGroupID: "TESTRUN.1", Writer: writerNoMatch},
	})
	if err := conv.Run(); err != nil {
		t.Fatal(err)
	}
	if len(writerA.groups) != 5 {
		t.Error("expected 5 groups for barcode A, got", len(writerA.groups))
	}
	if len(writerNoMatch.groups) != 4 {
		t.Error("expected 4 groups for the no-match output, got", len(writerNoMatch.groups))
	}
	for _, group := range writerNoMatch.groups {
		if value, found := group.Records[0].TAGS.Get(bc); !found || value != barcodeB {
			t.Error("the no-match output must carry the barcode as read, got", value)
		}
	}
	checkOrdered(t, "barcode A", writerA)
	checkOrdered(t, "no-match output", writerNoMatch)
}

func TestBasecallsConverterMinimumQuality(t *testing.T) {
	dir, err := ioutil.TempDir("", "basecalls")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	cluster := pfCluster(1, 1, "ACGT", barcodeA, "TTTT")
	cluster.quals[0][2] = 0
	writeQseqTile(t, dir, 1, 1101, []testCluster{cluster})

	conv := testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: new(recordingWriter)},
	})
	if err := conv.Run(); err == nil || !strings.Contains(err.Error(), "below the minimum quality") {
		t.Error("expected a minimum quality error, got:", err)
	}

	// With the floor lowered, the zero quality is remapped to 1.
	writer := new(recordingWriter)
	conv = testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: writer},
	})
	conv.MinimumQuality = 1
	if err := conv.Run(); err != nil {
		t.Fatal(err)
	}
	if len(writer.groups) != 1 {
		t.Fatal("expected 1 group, got", len(writer.groups))
	}
	if qual := writer.groups[0].Records[0].QUAL; qual[2] != 1+33 {
		t.Error("zero quality not remapped to 1:", qual)
	}
}

func TestBasecallsConverterTileSelection(t *testing.T) {
	dir := testLane(t)
	defer func() { _ = os.RemoveAll(dir) }()

	writer := new(recordingWriter)
	conv := testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: writer},
	})
	conv.IgnoreUnexpectedBarcodes = true
	conv.FirstTile = 1102
	conv.TileLimit = 1
	if err := conv.Run(); err != nil {
		t.Fatal(err)
	}
	if len(writer.groups) != 2 {
		t.Fatal("expected 2 groups from tile 1102, got", len(writer.groups))
	}
	for _, group := range writer.groups {
		if groupTile(t, group) != 1102 {
			t.Error("unexpected tile:", group.Records[0].QNAME)
		}
	}

	conv = testBasecallsConverter(dir, map[string]*BarcodeOutput{
		barcodeA: {ReadGroupID: "TESTRUN.1", Writer: new(recordingWriter)},
	})
	conv.FirstTile = 1199
	if err := conv.Run(); err == nil {
		t.Error("expected an error for a first tile that does not exist")
	}
}
