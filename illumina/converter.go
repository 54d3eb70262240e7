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
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/exascience/elbasecalls/qseq"
	"github.com/exascience/pargo/pipeline"
)

// NoMatchKey is the barcode key under which the output for clusters
// without a sample barcode is registered.
const NoMatchKey = ""

// A ClusterWriter receives the record groups of one barcode, in
// queryname sorting order across the whole lane.
type ClusterWriter interface {
	Write(group *ClusterRecords) error
	Close() error
}

// A BarcodeOutput is the destination for one sample barcode.
type BarcodeOutput struct {
	ReadGroupID string
	Writer      ClusterWriter
}

// A BasecallsConverter converts the basecalls of one lane into
// per-barcode streams of queryname-sorted record groups.
//
// Tiles are read concurrently, each tile's record groups are sorted
// per barcode in a bounded-memory sort buffer, and the buffers are
// written out strictly in ascending tile order per barcode, so that
// every output stream is sorted across the whole lane. Writing always
// takes precedence over reading further tiles, and the number of
// tiles resident in memory is capped, so memory use stays bounded no
// matter how far reading runs ahead of the slowest output.
type BasecallsConverter struct {
	BasecallsDir string
	Lane         int
	RunBarcode   string
	Structure    *ReadStructure
	Outputs      map[string]*BarcodeOutput

	// Adapters lists the adapter pairs whose sequences are marked
	// in the template records. Empty disables adapter marking.
	Adapters []AdapterPair

	// IgnoreUnexpectedBarcodes drops clusters whose sample barcode
	// has no registered output instead of treating them as an
	// error. It only applies when no output is registered under
	// NoMatchKey, which otherwise receives those clusters.
	IgnoreUnexpectedBarcodes bool

	// MinimumQuality is the lowest quality value accepted in the
	// input, after raw zero qualities have been remapped to one.
	MinimumQuality byte

	// ApplyEamss masks low-quality read ends with the EAMSS
	// heuristic.
	ApplyEamss bool

	// IncludeNonPF includes clusters that did not pass the
	// sequencer's chastity filter, marked as QC failed.
	IncludeNonPF bool

	// FirstTile skips all tiles before the given tile number, and
	// TileLimit caps the number of tiles processed. Zero means
	// no restriction.
	FirstTile int
	TileLimit int

	// NumWorkers is the number of worker goroutines: if zero, one
	// per CPU; if negative, that many fewer than the number of
	// CPUs, with a minimum of one.
	NumWorkers int

	// MaxResidentTiles caps the number of tiles buffered in
	// memory at any time. Zero selects the number of workers.
	MaxResidentTiles int

	// MaxReadsInRAM is the number of cluster reads a tile may
	// buffer in memory before its sort buffers spill to disk.
	// Each buffer holds this many reads divided by the records
	// per cluster.
	MaxReadsInRAM int

	// TmpDir receives the sort buffer spill files.
	TmpDir string

	pool       *workPool
	converters map[string]ClusterConverter
	tiles      []int
	perBuffer  int

	// mutex protects the write frontier; it is never held while
	// blocking, and may be acquired before, but never after, the
	// pool's internal lock.
	mutex     sync.Mutex
	tileDone  *bitset.BitSet
	completed map[int]map[string]*SortingCollection
	nextWrite map[string]int
	writing   map[string]bool
	closing   map[string]bool
	closeDone map[string]bool
	released  int
	firstErr  error
}

func (conv *BasecallsConverter) workers() int {
	n := conv.NumWorkers
	if n <= 0 {
		n += runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}

// selectTiles applies FirstTile and TileLimit to the ascending tile
// numbers of the lane.
func (conv *BasecallsConverter) selectTiles(tiles []int) ([]int, error) {
	if conv.FirstTile != 0 {
		index := -1
		for i, tile := range tiles {
			if tile == conv.FirstTile {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, fmt.Errorf("tile %v not found in basecalls directory %v", conv.FirstTile, conv.BasecallsDir)
		}
		tiles = tiles[index:]
	}
	if conv.TileLimit > 0 && conv.TileLimit < len(tiles) {
		tiles = tiles[:conv.TileLimit]
	}
	return tiles, nil
}

// fail records the first error, signals completion, and discards all
// pending work.
func (conv *BasecallsConverter) fail(err error) {
	conv.mutex.Lock()
	if conv.firstErr == nil {
		conv.firstErr = err
	}
	conv.mutex.Unlock()
	conv.pool.stop()
}

// guard runs f and funnels its error into the first-error slot.
func (conv *BasecallsConverter) guard(f func() error) bool {
	if err := f(); err != nil {
		conv.fail(err)
		return false
	}
	return true
}

// Run processes all selected tiles of the lane and closes every
// registered output. It returns the first error encountered.
func (conv *BasecallsConverter) Run() error {
	if len(conv.Outputs) == 0 {
		return fmt.Errorf("no outputs registered for lane %v", conv.Lane)
	}
	tiles, numReads, err := qseq.Tiles(conv.BasecallsDir, conv.Lane)
	if err != nil {
		return err
	}
	if numReads != len(conv.Structure.Segments) {
		return fmt.Errorf("read structure %v has %v segments, but lane %v provides %v read segment files per tile", conv.Structure, len(conv.Structure.Segments), conv.Lane, numReads)
	}
	if conv.tiles, err = conv.selectTiles(tiles); err != nil {
		return err
	}
	conv.converters = make(map[string]ClusterConverter, len(conv.Outputs))
	conv.nextWrite = make(map[string]int, len(conv.Outputs))
	conv.writing = make(map[string]bool, len(conv.Outputs))
	conv.closing = make(map[string]bool, len(conv.Outputs))
	conv.closeDone = make(map[string]bool, len(conv.Outputs))
	for key, out := range conv.Outputs {
		conv.converters[key] = NewClusterToSamConverter(conv.RunBarcode, out.ReadGroupID, conv.Structure, conv.Adapters)
		conv.nextWrite[key] = 0
	}
	conv.tileDone = bitset.New(uint(len(conv.tiles)))
	conv.completed = make(map[int]map[string]*SortingCollection)
	conv.perBuffer = conv.MaxReadsInRAM / conv.Structure.TemplateCount()
	if conv.perBuffer < 1 {
		conv.perBuffer = 1
	}
	workers := conv.workers()
	resident := conv.MaxResidentTiles
	if resident < 1 {
		resident = workers
	}
	conv.pool = newWorkPool(workers, resident)
	for index, tile := range conv.tiles {
		index, tile := index, tile
		if !conv.pool.submitRead(func() {
			conv.guard(func() error { return conv.readTile(index, tile) })
		}) {
			break
		}
	}
	conv.pool.shutdown()
	// Close jobs discarded on an error never ran; close those
	// outputs here.
	for key, out := range conv.Outputs {
		if !conv.closeDone[key] {
			if err := out.Writer.Close(); err != nil && conv.firstErr == nil {
				conv.firstErr = err
			}
		}
	}
	return conv.firstErr
}

// clusterSource reads batches of clusters from a tile for a pargo
// pipeline.
type clusterSource struct {
	reader *qseq.TileReader
	err    error
	data   []*qseq.Cluster
}

// Err implements the corresponding method of pipeline.Source
func (source *clusterSource) Err() error {
	return source.err
}

// Prepare implements the corresponding method of pipeline.Source
func (source *clusterSource) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (source *clusterSource) Fetch(size int) (fetched int) {
	if source.err != nil {
		source.data = nil
		return 0
	}
	if cap(source.data) < size {
		source.data = make([]*qseq.Cluster, 0, size)
	} else {
		source.data = source.data[:0]
	}
	for len(source.data) < size {
		cluster, err := source.reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			source.err = err
			source.data = nil
			return 0
		}
		source.data = append(source.data, cluster)
	}
	return len(source.data)
}

// Data implements the corresponding method of pipeline.Source
func (source *clusterSource) Data() interface{} {
	return source.data
}

// A routedGroup is a converted record group together with the barcode
// key of the output it belongs to.
type routedGroup struct {
	key   string
	group *ClusterRecords
}

// convertCluster checks and prepares one cluster and converts it to a
// routed record group. It returns a nil group for clusters that are
// filtered out.
func (conv *BasecallsConverter) convertCluster(cluster *qseq.Cluster) (routedGroup, error) {
	if err := conv.Structure.CheckCluster(cluster); err != nil {
		return routedGroup{}, err
	}
	if !cluster.PassFilter && !conv.IncludeNonPF {
		return routedGroup{}, nil
	}
	for i, segment := range conv.Structure.Segments {
		if err := remapAndCheckQualities(cluster.Quals[i], conv.MinimumQuality); err != nil {
			return routedGroup{}, fmt.Errorf("%v, in cluster %v:%v of tile %v", err, cluster.X, cluster.Y, cluster.Tile)
		}
		if conv.ApplyEamss && segment.Type == Template {
			maskLowQualityEnds(cluster.Quals[i])
		}
	}
	key := conv.Structure.BarcodeBases(cluster.Reads)
	converter, ok := conv.converters[key]
	if !ok {
		// Clusters whose barcode matches no registered output go
		// to the no-match output, with the BC field carrying the
		// barcode as read.
		if converter, ok = conv.converters[NoMatchKey]; ok {
			key = NoMatchKey
		} else if conv.IgnoreUnexpectedBarcodes {
			return routedGroup{}, nil
		} else {
			return routedGroup{}, fmt.Errorf("unexpected barcode %v in cluster %v:%v of tile %v; no output registered for it", key, cluster.X, cluster.Y, cluster.Tile)
		}
	}
	group, err := converter(cluster)
	if err != nil {
		return routedGroup{}, err
	}
	return routedGroup{key: key, group: group}, nil
}

// readTile converts all clusters of one tile into per-barcode sort
// buffers. Cluster conversion runs in parallel; the buffers are
// filled in a sequential pipeline stage.
func (conv *BasecallsConverter) readTile(index, tile int) (funcErr error) {
	reader, err := qseq.OpenTile(conv.BasecallsDir, conv.Lane, tile, len(conv.Structure.Segments))
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(); funcErr == nil {
			funcErr = err
		}
	}()
	collections := make(map[string]*SortingCollection, len(conv.Outputs))
	numRecords := conv.Structure.TemplateCount()
	var p pipeline.Pipeline
	p.Source(&clusterSource{reader: reader})
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			clusters := data.([]*qseq.Cluster)
			groups := make([]routedGroup, 0, len(clusters))
			for _, cluster := range clusters {
				routed, err := conv.convertCluster(cluster)
				if err != nil {
					p.SetErr(err)
					return groups
				}
				if routed.group != nil {
					groups = append(groups, routed)
				}
			}
			return groups
		})),
		pipeline.Seq(pipeline.Receive(func(_ int, data interface{}) interface{} {
			for _, routed := range data.([]routedGroup) {
				col := collections[routed.key]
				if col == nil {
					col = NewSortingCollection(clusterRecordsLess, NewCodec(numRecords), conv.perBuffer, conv.TmpDir)
					collections[routed.key] = col
				}
				if err := col.Add(routed.group); err != nil {
					p.SetErr(err)
					break
				}
			}
			return data
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return err
	}
	conv.finishTile(index, collections)
	return nil
}

// finishTile marks a tile as fully read and schedules any write work
// this enables.
func (conv *BasecallsConverter) finishTile(index int, collections map[string]*SortingCollection) {
	conv.mutex.Lock()
	defer conv.mutex.Unlock()
	conv.completed[index] = collections
	conv.tileDone.Set(uint(index))
	conv.dispatch()
}

// dispatch schedules write jobs for every output whose next tile in
// ascending order has been fully read, advances past tiles that
// buffered nothing for an output, closes outputs that have consumed
// all tiles, and releases the read slots of tiles that every output
// has written. Called with conv.mutex held.
func (conv *BasecallsConverter) dispatch() {
	for key := range conv.Outputs {
		conv.dispatchOutput(key)
	}
	minNext := len(conv.tiles)
	for _, next := range conv.nextWrite {
		if next < minNext {
			minNext = next
		}
	}
	for conv.released < minNext {
		delete(conv.completed, conv.released)
		conv.released++
		conv.pool.releaseRead()
	}
}

func (conv *BasecallsConverter) dispatchOutput(key string) {
	if conv.writing[key] {
		return
	}
	for conv.nextWrite[key] < len(conv.tiles) && conv.tileDone.Test(uint(conv.nextWrite[key])) {
		index := conv.nextWrite[key]
		col := conv.completed[index][key]
		if col == nil {
			// The tile buffered nothing for this barcode;
			// the frontier advances without a write.
			conv.nextWrite[key]++
			continue
		}
		delete(conv.completed[index], key)
		conv.writing[key] = true
		conv.pool.submitWrite(func() {
			conv.guard(func() error { return conv.writeTile(key, col) })
			conv.mutex.Lock()
			defer conv.mutex.Unlock()
			conv.writing[key] = false
			conv.nextWrite[key]++
			conv.dispatch()
		})
		return
	}
	if conv.nextWrite[key] == len(conv.tiles) && !conv.closing[key] {
		conv.closing[key] = true
		out := conv.Outputs[key]
		conv.pool.submitWrite(func() {
			conv.guard(out.Writer.Close)
			conv.mutex.Lock()
			conv.closeDone[key] = true
			conv.mutex.Unlock()
		})
	}
}

// writeTile drains one sort buffer to its output in queryname sorting
// order.
func (conv *BasecallsConverter) writeTile(key string, col *SortingCollection) (funcErr error) {
	it, err := col.Iterator()
	if err != nil {
		return err
	}
	defer func() {
		if err := it.Close(); funcErr == nil {
			funcErr = err
		}
	}()
	writer := conv.Outputs[key].Writer
	for {
		group, err := it.Next()
		if err != nil {
			return err
		}
		if group == nil {
			return nil
		}
		if err := writer.Write(group); err != nil {
			return err
		}
	}
}
