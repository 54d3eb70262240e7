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
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/exascience/elbasecalls/illumina"
	"github.com/exascience/elbasecalls/internal"
	"github.com/exascience/elbasecalls/sam"
	"github.com/exascience/elbasecalls/utils"
)

// ConvertHelp is the help string for this command.
const ConvertHelp = "Convert parameters:\n" +
	"elbasecalls convert /path/to/basecalls/\n" +
	"--lane nr\n" +
	"--run-barcode barcode\n" +
	"--read-structure structure\n" +
	"(--library-params file | --output sam-file --sample name)\n" +
	"[--read-group-id id]\n" +
	"[--library name]\n" +
	"[--nr-of-threads nr]\n" +
	"[--max-reads-in-ram-per-tile nr]\n" +
	"[--first-tile nr]\n" +
	"[--tile-limit nr]\n" +
	"[--adapters-to-check names]\n" +
	"[--minimum-quality nr]\n" +
	"[--include-non-pf-reads true/false]\n" +
	"[--ignore-unexpected-barcodes]\n" +
	"[--apply-eamss-filter true/false]\n" +
	"[--tmp-dir path]\n" +
	"[--log-path path]\n" +
	"[--timed]\n"

// samClusterWriter writes record groups to a SAM or BAM output file.
type samClusterWriter struct {
	out *sam.OutputFile
	buf []byte
}

func (writer *samClusterWriter) Write(group *illumina.ClusterRecords) error {
	for _, aln := range group.Records {
		var err error
		if writer.buf, err = writer.out.FormatAlignment(aln, writer.buf); err != nil {
			return err
		}
	}
	return nil
}

func (writer *samClusterWriter) Close() error {
	return writer.out.Close()
}

// buildHeader composes the header of one output file: queryname
// sorting order and a single read group.
func buildHeader(readGroupID, runBarcode, barcode, sample, library string, tags map[string]string) *sam.Header {
	header := sam.NewHeader()
	header.SetHDSO(sam.Queryname)
	rg := utils.StringMap{
		"ID": readGroupID,
		"PL": "ILLUMINA",
		"SM": sample,
		"LB": library,
	}
	pu := runBarcode
	if barcode != "" {
		pu += "." + barcode
	}
	rg["PU"] = pu
	// Table columns never override the computed read group fields.
	for tag, value := range tags {
		rg.SetUniqueEntry(tag, value)
	}
	header.RG = append(header.RG, rg)
	return header
}

// Convert implements the elbasecalls convert command.
func Convert() error {
	var (
		lane, nrOfThreads, maxReadsInRAMPerTile, firstTile, tileLimit, minimumQuality int
		runBarcode, readStructure, readGroupID, libraryParamsFile                     string
		output, sample, library, adaptersToCheck, tmpDir, logPath                     string
		includeNonPF, applyEamss, ignoreUnexpectedBarcodes, timed                     bool
	)

	var flags flag.FlagSet

	flags.IntVar(&lane, "lane", 0, "lane number to convert")
	flags.StringVar(&runBarcode, "run-barcode", "", "the barcode of the sequencer run")
	flags.StringVar(&readStructure, "read-structure", "", "read structure, for example 76T8B76T")
	flags.StringVar(&libraryParamsFile, "library-params", "", "tab-separated table with per-barcode output parameters")
	flags.StringVar(&output, "output", "", "output file when the read structure has no sample barcodes")
	flags.StringVar(&sample, "sample", "", "sample alias for the --output file")
	flags.StringVar(&library, "library", "", "library name for the --output file")
	flags.StringVar(&readGroupID, "read-group-id", "", "read group ID (default: first five characters of the run barcode, a dot, and the lane number)")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads; 0 for one per CPU, negative for that many fewer than the number of CPUs")
	flags.IntVar(&maxReadsInRAMPerTile, "max-reads-in-ram-per-tile", 1200000, "number of cluster reads a tile may buffer in memory before spilling to disk")
	flags.IntVar(&firstTile, "first-tile", 0, "skip all tiles before this tile number")
	flags.IntVar(&tileLimit, "tile-limit", 0, "process at most this many tiles")
	flags.StringVar(&adaptersToCheck, "adapters-to-check", illumina.DefaultAdapters, "comma-separated adapter pairs to mark in the reads; empty disables adapter marking")
	flags.IntVar(&minimumQuality, "minimum-quality", int(illumina.AllegedMinimumQuality), "lowest base quality accepted in the input")
	flags.BoolVar(&includeNonPF, "include-non-pf-reads", true, "include clusters that did not pass the chastity filter")
	flags.BoolVar(&ignoreUnexpectedBarcodes, "ignore-unexpected-barcodes", false, "drop clusters whose barcode has no output instead of failing")
	flags.BoolVar(&applyEamss, "apply-eamss-filter", true, "mask low-quality read ends with the EAMSS heuristic")
	flags.StringVar(&tmpDir, "tmp-dir", os.TempDir(), "directory for temporary spill files")
	flags.StringVar(&logPath, "log-path", "", "write log files to this directory")
	flags.BoolVar(&timed, "timed", false, "report runtime of the conversion")

	parseFlags(flags, 3, ConvertHelp)

	basecallsDir := getFilename(os.Args[2], ConvertHelp)

	setLogOutput(logPath)

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", basecallsDir) {
		sanityChecksFailed = true
	}
	if lane < 1 {
		log.Println("Error: Invalid or missing lane number: ", lane)
		sanityChecksFailed = true
	}
	if runBarcode == "" {
		log.Println("Error: Missing --run-barcode.")
		sanityChecksFailed = true
	}
	structure, err := illumina.ParseReadStructure(readStructure)
	if err != nil {
		log.Printf("Error: Invalid --read-structure: %v.\n", err)
		sanityChecksFailed = true
	}
	adapters, err := illumina.ParseAdapters(adaptersToCheck)
	if err != nil {
		log.Printf("Error: Invalid --adapters-to-check: %v.\n", err)
		sanityChecksFailed = true
	}
	if minimumQuality < 0 || minimumQuality > 93 {
		log.Println("Error: Invalid --minimum-quality: ", minimumQuality)
		sanityChecksFailed = true
	}
	if maxReadsInRAMPerTile < 1 {
		log.Println("Error: Invalid --max-reads-in-ram-per-tile: ", maxReadsInRAMPerTile)
		sanityChecksFailed = true
	}
	if firstTile < 0 || tileLimit < 0 {
		log.Println("Error: Invalid --first-tile or --tile-limit.")
		sanityChecksFailed = true
	}
	if libraryParamsFile != "" {
		if output != "" || sample != "" || library != "" {
			log.Println("Error: Cannot combine --library-params with --output, --sample, or --library.")
			sanityChecksFailed = true
		}
		if !checkExist("--library-params", libraryParamsFile) {
			sanityChecksFailed = true
		}
	} else {
		if output == "" || sample == "" {
			log.Println("Error: Missing --library-params, or --output and --sample.")
			sanityChecksFailed = true
		} else if structure != nil && structure.BarcodeCount() > 0 {
			log.Println("Error: The read structure has sample barcodes; per-barcode outputs require --library-params.")
			sanityChecksFailed = true
		}
		if output != "" && !checkCreate("--output", output) {
			sanityChecksFailed = true
		}
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, ConvertHelp)
		os.Exit(1)
	}

	if readGroupID == "" {
		prefix := runBarcode
		if len(prefix) > 5 {
			prefix = prefix[:5]
		}
		readGroupID = prefix + "." + strconv.Itoa(lane)
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " convert ", basecallsDir)
	fmt.Fprint(&command, " --lane ", lane)
	fmt.Fprint(&command, " --run-barcode ", runBarcode)
	fmt.Fprint(&command, " --read-structure ", readStructure)
	if libraryParamsFile != "" {
		fmt.Fprint(&command, " --library-params ", libraryParamsFile)
	} else {
		fmt.Fprint(&command, " --output ", output, " --sample ", sample)
		if library != "" {
			fmt.Fprint(&command, " --library ", library)
		}
	}
	fmt.Fprint(&command, " --read-group-id ", readGroupID)
	if nrOfThreads != 0 {
		fmt.Fprint(&command, " --nr-of-threads ", nrOfThreads)
	}
	fmt.Fprint(&command, " --max-reads-in-ram-per-tile ", maxReadsInRAMPerTile)
	if firstTile > 0 {
		fmt.Fprint(&command, " --first-tile ", firstTile)
	}
	if tileLimit > 0 {
		fmt.Fprint(&command, " --tile-limit ", tileLimit)
	}
	fmt.Fprint(&command, " --adapters-to-check ", adaptersToCheck)
	fmt.Fprint(&command, " --minimum-quality ", minimumQuality)
	fmt.Fprint(&command, " --include-non-pf-reads ", includeNonPF)
	if ignoreUnexpectedBarcodes {
		fmt.Fprint(&command, " --ignore-unexpected-barcodes ")
	}
	fmt.Fprint(&command, " --apply-eamss-filter ", applyEamss)
	fmt.Fprint(&command, " --tmp-dir ", tmpDir)
	if logPath != "" {
		fmt.Fprint(&command, " --log-path ", logPath)
	}
	if timed {
		fmt.Fprint(&command, " --timed ")
	}

	// executing command

	log.Println("Executing command:\n", command.String())

	fullBasecallsDir, err := internal.FullPathname(basecallsDir)
	if err != nil {
		return err
	}
	fullTmpDir, err := internal.FullPathname(tmpDir)
	if err != nil {
		return err
	}

	var params []*libraryParams
	if libraryParamsFile != "" {
		if params, err = parseLibraryParams(libraryParamsFile, structure.BarcodeCount()); err != nil {
			return err
		}
	} else {
		if library == "" {
			library = sample
		}
		params = []*libraryParams{{output: output, sample: sample, library: library}}
	}

	outputs := make(map[string]*illumina.BarcodeOutput, len(params))
	for _, row := range params {
		header := buildHeader(readGroupID, runBarcode, row.barcode, row.sample, row.library, row.tags)
		file, err := sam.Create(row.output, header)
		if err != nil {
			for _, out := range outputs {
				_ = out.Writer.Close()
			}
			return fmt.Errorf("%v, while creating output file %v", err, row.output)
		}
		outputs[row.barcode] = &illumina.BarcodeOutput{
			ReadGroupID: readGroupID,
			Writer:      &samClusterWriter{out: file},
		}
	}

	conv := &illumina.BasecallsConverter{
		BasecallsDir:             fullBasecallsDir,
		Lane:                     lane,
		RunBarcode:               runBarcode,
		Structure:                structure,
		Outputs:                  outputs,
		Adapters:                 adapters,
		IgnoreUnexpectedBarcodes: ignoreUnexpectedBarcodes,
		MinimumQuality:           byte(minimumQuality),
		ApplyEamss:               applyEamss,
		IncludeNonPF:             includeNonPF,
		FirstTile:                firstTile,
		TileLimit:                tileLimit,
		NumWorkers:               nrOfThreads,
		MaxReadsInRAM:            maxReadsInRAMPerTile,
		TmpDir:                   fullTmpDir,
	}

	start := time.Now()
	err = conv.Run()
	elapsed := time.Since(start)
	if timed {
		log.Println("Converted lane", lane, "in", elapsed)
	}
	return err
}
