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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	psort "github.com/exascience/pargo/sort"
	"github.com/google/uuid"
)

type (
	groupBy func(g1, g2 *ClusterRecords) bool

	groupSorter struct {
		groups []*ClusterRecords
		by     groupBy
	}
)

func (s groupSorter) SequentialSort(i, j int) {
	groups, by := s.groups[i:j], s.by
	sort.Slice(groups, func(i, j int) bool {
		return by(groups[i], groups[j])
	})
}

func (s groupSorter) NewTemp() psort.StableSorter {
	return groupSorter{make([]*ClusterRecords, len(s.groups)), s.by}
}

func (s groupSorter) Len() int {
	return len(s.groups)
}

func (s groupSorter) Less(i, j int) bool {
	return s.by(s.groups[i], s.groups[j])
}

func (s groupSorter) Assign(p psort.StableSorter) func(i, j, len int) {
	dst, src := s.groups, p.(groupSorter).groups
	return func(i, j, len int) {
		for k := 0; k < len; k++ {
			dst[i+k] = src[j+k]
		}
	}
}

func (by groupBy) parallelStableSort(groups []*ClusterRecords) {
	psort.StableSort(groupSorter{groups, by})
}

// A SortingCollection accepts the record groups of one (tile,
// barcode) pair in arbitrary arrival order and holds at most maxInRAM
// of them in memory. When the bound is exceeded, the buffered groups
// are sorted and spilled to a temporary file as one externally
// mergeable chunk. Iterator merges all chunks into a single fully
// ordered stream.
//
// A SortingCollection is owned by a single goroutine at any time:
// first the tile reader that fills it, then, through its iterator,
// the write task that drains it. Each collection clones its own codec
// instances so that collections on different worker threads never
// share encode/decode state.
type SortingCollection struct {
	less     groupBy
	codec    Codec
	maxInRAM int
	tmpDir   string
	groups   []*ClusterRecords
	spills   []string
}

// NewSortingCollection allocates a sort buffer that spills to tmpDir
// once more than maxInRAM record groups are buffered.
func NewSortingCollection(less groupBy, codec Codec, maxInRAM int, tmpDir string) *SortingCollection {
	if maxInRAM < 1 {
		maxInRAM = 1
	}
	return &SortingCollection{
		less:     less,
		codec:    codec,
		maxInRAM: maxInRAM,
		tmpDir:   tmpDir,
	}
}

// Add buffers one record group, spilling to a temporary file when the
// in-memory bound is reached.
func (col *SortingCollection) Add(group *ClusterRecords) error {
	col.groups = append(col.groups, group)
	if len(col.groups) >= col.maxInRAM {
		return col.spill()
	}
	return nil
}

func (col *SortingCollection) spill() (funcErr error) {
	col.less.parallelStableSort(col.groups)
	name := filepath.Join(col.tmpDir, fmt.Sprintf("elbasecalls-spill-%v.sam", uuid.New()))
	file, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("%v, while creating spill file %v", err, name)
	}
	defer func() {
		if err := file.Close(); funcErr == nil {
			funcErr = err
		}
		if funcErr != nil {
			_ = os.Remove(name)
		}
	}()
	writer := bufio.NewWriter(file)
	codec := col.codec.Clone()
	codec.SetWriter(writer)
	for _, group := range col.groups {
		if err := codec.Encode(group); err != nil {
			return fmt.Errorf("%v, while spilling to %v", err, name)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%v, while spilling to %v", err, name)
	}
	col.spills = append(col.spills, name)
	col.groups = col.groups[:0]
	return nil
}

// groupStream is one sorted chunk feeding the merge: either the
// in-memory tail of the collection or a spill file.
type groupStream struct {
	head  *ClusterRecords
	fetch func() (*ClusterRecords, error)
	close func() error
}

func (stream *groupStream) advance() error {
	head, err := stream.fetch()
	if err != nil {
		return err
	}
	stream.head = head
	return nil
}

// A GroupIterator is the single merged, fully ordered sequence over
// everything added to a SortingCollection.
type GroupIterator struct {
	less    groupBy
	streams []*groupStream
}

// Iterator sorts the remaining in-memory groups and merges them with
// all spilled chunks. The collection must not be added to afterwards.
// Closing the iterator removes the spill files.
func (col *SortingCollection) Iterator() (*GroupIterator, error) {
	col.less.parallelStableSort(col.groups)
	it := &GroupIterator{less: col.less}
	if len(col.groups) > 0 {
		groups, index := col.groups, 0
		stream := &groupStream{
			fetch: func() (*ClusterRecords, error) {
				if index >= len(groups) {
					return nil, nil
				}
				group := groups[index]
				index++
				return group, nil
			},
			close: func() error { return nil },
		}
		it.streams = append(it.streams, stream)
	}
	col.groups = nil
	for _, name := range col.spills {
		file, err := os.Open(name)
		if err != nil {
			_ = it.Close()
			return nil, fmt.Errorf("%v, while opening spill file %v", err, name)
		}
		codec := col.codec.Clone()
		codec.SetReader(bufio.NewReader(file))
		name := name
		stream := &groupStream{
			fetch: codec.Decode,
			close: func() error {
				err := file.Close()
				if nerr := os.Remove(name); err == nil {
					err = nerr
				}
				return err
			},
		}
		it.streams = append(it.streams, stream)
	}
	col.spills = nil
	for _, stream := range it.streams {
		if err := stream.advance(); err != nil {
			_ = it.Close()
			return nil, err
		}
	}
	return it, nil
}

// Next returns the smallest remaining record group, or nil when the
// iterator is exhausted.
func (it *GroupIterator) Next() (*ClusterRecords, error) {
	minIndex := -1
	for i := 0; i < len(it.streams); {
		stream := it.streams[i]
		if stream.head == nil {
			if err := stream.close(); err != nil {
				return nil, err
			}
			it.streams = append(it.streams[:i], it.streams[i+1:]...)
			continue
		}
		if minIndex < 0 || it.less(stream.head, it.streams[minIndex].head) {
			minIndex = i
		}
		i++
	}
	if minIndex < 0 {
		return nil, nil
	}
	stream := it.streams[minIndex]
	group := stream.head
	if err := stream.advance(); err != nil {
		return nil, err
	}
	return group, nil
}

// Close releases all remaining streams and removes their spill files.
func (it *GroupIterator) Close() error {
	var err error
	for _, stream := range it.streams {
		if nerr := stream.close(); err == nil {
			err = nerr
		}
	}
	it.streams = nil
	return err
}
