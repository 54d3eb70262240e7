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
	"container/heap"
	"sync"
)

// Job priorities. Write jobs always outrank read jobs so that
// buffered tiles drain to the output files before new tiles are
// pulled into memory.
const (
	readPriority = iota
	writePriority
)

type job struct {
	priority int
	seq      uint64
	run      func()
}

type jobQueue []*job

func (q jobQueue) Len() int {
	return len(q)
}

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *jobQueue) Push(x interface{}) {
	*q = append(*q, x.(*job))
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

// A workPool runs jobs on a fixed number of worker goroutines,
// dispatching pending jobs by priority: all queued write jobs before
// any queued read job, equal priorities in submission order.
//
// Read jobs are additionally subject to a slot bound: submitRead
// blocks until one of readSlots slots is free, and the slot is not
// returned when the job finishes, but only when releaseRead is called
// for it. The converter calls releaseRead once the tile a read job
// loaded has been fully written out, so the slot bound caps the
// number of tiles resident in memory, not merely the number of
// concurrently running read jobs. Write jobs are submitted from
// within worker goroutines and therefore never block.
type workPool struct {
	mutex    sync.Mutex
	cond     *sync.Cond
	queue    jobQueue
	seq      uint64
	free     int
	stopped  bool
	waitTask sync.WaitGroup
	waitWork sync.WaitGroup
}

func newWorkPool(workers, readSlots int) *workPool {
	pool := &workPool{free: readSlots}
	pool.cond = sync.NewCond(&pool.mutex)
	pool.waitWork.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.work()
	}
	return pool
}

func (pool *workPool) work() {
	defer pool.waitWork.Done()
	for {
		pool.mutex.Lock()
		for len(pool.queue) == 0 && !pool.stopped {
			pool.cond.Wait()
		}
		if len(pool.queue) == 0 {
			pool.mutex.Unlock()
			return
		}
		j := heap.Pop(&pool.queue).(*job)
		pool.mutex.Unlock()
		j.run()
		pool.waitTask.Done()
	}
}

func (pool *workPool) submit(priority int, run func()) {
	pool.waitTask.Add(1)
	pool.mutex.Lock()
	if pool.stopped {
		pool.mutex.Unlock()
		pool.waitTask.Done()
		return
	}
	heap.Push(&pool.queue, &job{priority: priority, seq: pool.seq, run: run})
	pool.seq++
	pool.mutex.Unlock()
	pool.cond.Broadcast()
}

// submitRead blocks until a read slot is free, then queues run at
// read priority. It returns false when the pool has been stopped.
func (pool *workPool) submitRead(run func()) bool {
	pool.mutex.Lock()
	for pool.free == 0 && !pool.stopped {
		pool.cond.Wait()
	}
	if pool.stopped {
		pool.mutex.Unlock()
		return false
	}
	pool.free--
	pool.waitTask.Add(1)
	heap.Push(&pool.queue, &job{priority: readPriority, seq: pool.seq, run: run})
	pool.seq++
	pool.mutex.Unlock()
	pool.cond.Broadcast()
	return true
}

// submitWrite queues run at write priority. Never blocks.
func (pool *workPool) submitWrite(run func()) {
	pool.submit(writePriority, run)
}

// releaseRead returns one read slot, unblocking a pending submitRead.
func (pool *workPool) releaseRead() {
	pool.mutex.Lock()
	pool.free++
	pool.mutex.Unlock()
	pool.cond.Broadcast()
}

// stop discards all queued jobs and refuses new ones. Jobs already
// running are left to finish. Used to cut the pipeline short when a
// job has failed.
func (pool *workPool) stop() {
	pool.mutex.Lock()
	if pool.stopped {
		pool.mutex.Unlock()
		return
	}
	pool.stopped = true
	discarded := len(pool.queue)
	pool.queue = nil
	pool.mutex.Unlock()
	pool.cond.Broadcast()
	for i := 0; i < discarded; i++ {
		pool.waitTask.Done()
	}
}

// shutdown stops accepting jobs and joins the worker goroutines. All
// previously submitted jobs are run first unless stop was called.
func (pool *workPool) shutdown() {
	pool.waitTask.Wait()
	pool.mutex.Lock()
	pool.stopped = true
	pool.mutex.Unlock()
	pool.cond.Broadcast()
	pool.waitWork.Wait()
}
