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

package sam

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/exascience/elbasecalls/utils"
)

// File name extensions.
const (
	SamExt = ".sam"
	BamExt = ".bam"
)

// FormatString writes a tab, a tag, a colon, and a value.
func FormatString(out *bufio.Writer, tag, value string) {
	out.WriteByte('\t')
	out.WriteString(tag)
	out.WriteByte(':')
	out.WriteString(value)
}

// FormatHeaderLine writes a @CODE header line for the given record.
func FormatHeaderLine(out *bufio.Writer, code string, record utils.StringMap) {
	out.WriteString(code)
	for key, value := range record {
		FormatString(out, key, value)
	}
	out.WriteByte('\n')
}

// Format writes the header in the plain-text SAM format.
func (hdr *Header) Format(out *bufio.Writer) {
	if hdr.HD != nil {
		FormatHeaderLine(out, "@HD", hdr.HD)
	}
	for _, rg := range hdr.RG {
		FormatHeaderLine(out, "@RG", rg)
	}
	for _, co := range hdr.CO {
		out.WriteString("@CO")
		out.WriteByte('\t')
		out.WriteString(co)
		out.WriteByte('\n')
	}
}

// FormatTag appends an optional TAG:TYPE:VALUE field.
func FormatTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	out = append(append(out, '\t'), *tag...)
	switch v := value.(type) {
	case string:
		out = append(append(out, ":Z:"...), v...)
	case byte:
		out = append(append(out, ":A:"...), v)
	case int64:
		out = strconv.AppendInt(append(out, ":i:"...), v, 10)
	default:
		return nil, fmt.Errorf("unsupported optional field value %v for tag %v", value, *tag)
	}
	return out, nil
}

// Format appends the read alignment line for this alignment,
// including a trailing newline.
func (aln *Alignment) Format(out []byte) ([]byte, error) {
	out = append(append(out, aln.QNAME...), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.FLAG), 10), '\t')
	out = append(append(out, aln.RNAME...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.POS), 10), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.MAPQ), 10), '\t')
	out = append(append(out, aln.CIGAR...), '\t')
	out = append(append(out, aln.RNEXT...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.PNEXT), 10), '\t')
	out = append(strconv.AppendInt(out, int64(aln.TLEN), 10), '\t')
	out = append(append(out, aln.SEQ...), '\t')
	out = append(out, aln.QUAL...)

	var err error
	for _, entry := range aln.TAGS {
		if out, err = FormatTag(out, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}

	return append(out, '\n'), nil
}

// An OutputFile represents a SAM or BAM file for output. BAM output
// is produced by piping the plain-text representation through
// samtools.
type OutputFile struct {
	wc io.WriteCloser
	*bufio.Writer
	*exec.Cmd
}

// Create opens a SAM or BAM file for output, and writes the given
// header to it. The format is determined by the file name extension.
func Create(name string, header *Header) (*OutputFile, error) {
	var out *OutputFile
	switch filepath.Ext(name) {
	case BamExt:
		args := append([]string{"view", "-Sb", "-@"}, strconv.FormatInt(int64(runtime.GOMAXPROCS(0)), 10))
		args = append(args, []string{"-o", name, "-"}...)
		cmd := exec.Command("samtools", args...)
		inPipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		out = &OutputFile{inPipe, bufio.NewWriter(inPipe), cmd}
	case SamExt:
		file, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		out = &OutputFile{file, bufio.NewWriter(file), nil}
	default:
		return nil, fmt.Errorf("invalid output file name %v, must end in %v or %v", name, SamExt, BamExt)
	}
	if header != nil {
		header.Format(out.Writer)
		if err := out.Flush(); err != nil {
			_ = out.wc.Close()
			return nil, fmt.Errorf("%v, while writing header to %v", err, name)
		}
	}
	return out, nil
}

// FormatAlignment writes the read alignment line for the given
// alignment to the output file.
func (out *OutputFile) FormatAlignment(aln *Alignment, buf []byte) ([]byte, error) {
	buf, err := aln.Format(buf[:0])
	if err != nil {
		return buf, err
	}
	_, err = out.Write(buf)
	return buf, err
}

// Close closes the output file, waiting for samtools to finish when
// writing BAM output.
func (out *OutputFile) Close() error {
	if err := out.Flush(); err != nil {
		return err
	}
	if out.wc != os.Stdout {
		if err := out.wc.Close(); err != nil {
			return err
		}
	}
	if out.Cmd != nil {
		if err := out.Wait(); err != nil {
			return err
		}
	}
	return nil
}
