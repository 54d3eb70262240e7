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
	"bytes"
	"testing"
)

func encodeGroups(t *testing.T, codec Codec, groups ...*ClusterRecords) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	codec.SetWriter(w)
	for _, group := range groups {
		if err := codec.Encode(group); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCodecRoundTrip(t *testing.T) {
	_, convert := testConverter(t, "4T8B4T")
	groups := []*ClusterRecords{
		makePairedGroup(t, convert, 1101, 1, 2),
		makePairedGroup(t, convert, 1101, 3, 4),
	}
	codec := NewCodec(2)
	encoded := encodeGroups(t, codec, groups...)

	decoder := codec.Clone()
	decoder.SetReader(bufio.NewReader(bytes.NewReader(encoded)))
	for _, group := range groups {
		decoded, err := decoder.Decode()
		if err != nil {
			t.Fatal(err)
		}
		if decoded == nil || len(decoded.Records) != len(group.Records) {
			t.Fatal("decoded group does not have the expected number of records")
		}
		for i, record := range group.Records {
			decodedRecord := decoded.Records[i]
			if decodedRecord.QNAME != record.QNAME ||
				decodedRecord.FLAG != record.FLAG ||
				decodedRecord.SEQ != record.SEQ ||
				decodedRecord.QUAL != record.QUAL {
				t.Error("decoded record differs:", decodedRecord, record)
			}
		}
	}
	if group, err := decoder.Decode(); group != nil || err != nil {
		t.Error("expected the end of the stream, got", group, err)
	}
}

func TestCodecWrongGroupSize(t *testing.T) {
	_, convert := testConverter(t, "4T8B4T")
	group := makePairedGroup(t, convert, 1101, 1, 2)
	codec := NewCodec(3)
	var buf bytes.Buffer
	codec.SetWriter(bufio.NewWriter(&buf))
	if err := codec.Encode(group); err == nil {
		t.Error("expected an error for a group with the wrong number of records")
	}
}

func TestCodecTruncatedGroup(t *testing.T) {
	_, convert := testConverter(t, "4T8B4T")
	group := makePairedGroup(t, convert, 1101, 1, 2)
	codec := NewCodec(2)
	encoded := encodeGroups(t, codec, group)

	// Cut the stream after the first record of the group.
	cut := encoded[:bytes.IndexByte(encoded, '\n')+1]
	decoder := codec.Clone()
	decoder.SetReader(bufio.NewReader(bytes.NewReader(cut)))
	if _, err := decoder.Decode(); err == nil {
		t.Error("expected an error for a truncated record group")
	}
}
