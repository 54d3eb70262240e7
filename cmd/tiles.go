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
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/exascience/elbasecalls/qseq"
)

// TilesHelp is the help string for this command.
const TilesHelp = "Tiles parameters:\n" +
	"elbasecalls tiles /path/to/basecalls/\n" +
	"--lane nr\n" +
	"[--files]\n"

// Tiles implements the elbasecalls tiles command. It lists the tiles
// of a lane found in a basecalls directory, for debugging tile
// discovery.
func Tiles() error {
	var (
		lane  int
		files bool
	)

	var flags flag.FlagSet

	flags.IntVar(&lane, "lane", 0, "lane number to scan")
	flags.BoolVar(&files, "files", false, "also list the qseq files of every tile")

	parseFlags(flags, 3, TilesHelp)

	basecallsDir := getFilename(os.Args[2], TilesHelp)

	if !checkExist("", basecallsDir) || lane < 1 {
		log.Println("Error: Invalid or missing basecalls directory or lane number.")
		fmt.Fprint(os.Stderr, TilesHelp)
		os.Exit(1)
	}

	tiles, numReads, err := qseq.Tiles(basecallsDir, lane)
	if err != nil {
		return err
	}
	fmt.Println("Lane", lane, "has", len(tiles), "tiles with", numReads, "read segments each.")
	for _, tile := range tiles {
		fmt.Println(tile)
		if files {
			for read := 1; read <= numReads; read++ {
				fmt.Println("  ", qseq.FileName(lane, read, tile))
			}
		}
	}
	return nil
}
