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

package utils

import (
	"github.com/exascience/pargo/sync"

	"github.com/exascience/elbasecalls/internal"
)

type symbolName string

// A Symbol is a unique pointer to a string.
type Symbol *string

func (s symbolName) Hash() uint64 {
	return internal.StringHash(string(s))
}

var symbolTable = sync.NewMap(0)

// Intern returns a Symbol for the given string.
//
// It always returns the same pointer for strings that are equal, and
// different pointers for strings that are not equal, so Intern(s1) ==
// Intern(s2) if and only if s1 == s2. Dereferencing the pointer always
// yields a string equal to the original string.
//
// It is safe for multiple goroutines to call Intern concurrently.
func Intern(s string) Symbol {
	entry, _ := symbolTable.LoadOrStore(symbolName(s), Symbol(&s))
	return entry.(Symbol)
}
