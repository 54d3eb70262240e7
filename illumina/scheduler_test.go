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
	"sync"
	"testing"
	"time"
)

func TestWorkPoolPriority(t *testing.T) {
	pool := newWorkPool(1, 10)
	var mutex sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mutex.Lock()
			order = append(order, name)
			mutex.Unlock()
		}
	}
	// Block the single worker so that all further jobs queue up.
	gate := make(chan struct{})
	queued := make(chan struct{})
	pool.submit(readPriority, func() {
		close(queued)
		<-gate
	})
	<-queued
	pool.submitRead(record("read 1"))
	pool.submitWrite(record("write 1"))
	pool.submitRead(record("read 2"))
	pool.submitWrite(record("write 2"))
	close(gate)
	pool.shutdown()
	expected := []string{"write 1", "write 2", "read 1", "read 2"}
	if len(order) != len(expected) {
		t.Fatal("expected", len(expected), "jobs, got", len(order))
	}
	for i, name := range expected {
		if order[i] != name {
			t.Error("jobs ran in order", order)
			break
		}
	}
}

func TestWorkPoolReadSlots(t *testing.T) {
	pool := newWorkPool(2, 2)
	gate := make(chan struct{})
	for i := 0; i < 2; i++ {
		if !pool.submitRead(func() { <-gate }) {
			t.Fatal("read job refused")
		}
	}
	// Both slots are taken; the next submitRead must block until a
	// slot is released, not merely until a job finishes.
	submitted := make(chan bool, 1)
	go func() {
		submitted <- pool.submitRead(func() {})
	}()
	select {
	case <-submitted:
		t.Fatal("submitRead did not block on a full pool")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	select {
	case <-submitted:
		t.Fatal("submitRead unblocked by job completion instead of slot release")
	case <-time.After(50 * time.Millisecond):
	}
	pool.releaseRead()
	select {
	case ok := <-submitted:
		if !ok {
			t.Fatal("submitRead refused after slot release")
		}
	case <-time.After(time.Second):
		t.Fatal("submitRead still blocked after slot release")
	}
	pool.releaseRead()
	pool.releaseRead()
	pool.shutdown()
}

func TestWorkPoolStop(t *testing.T) {
	pool := newWorkPool(1, 10)
	gate := make(chan struct{})
	queued := make(chan struct{})
	pool.submit(readPriority, func() {
		close(queued)
		<-gate
	})
	<-queued
	ran := false
	pool.submitWrite(func() { ran = true })
	pool.stop()
	close(gate)
	pool.shutdown()
	if ran {
		t.Error("queued job ran after stop")
	}
	if pool.submitRead(func() {}) {
		t.Error("submitRead accepted after stop")
	}
}
