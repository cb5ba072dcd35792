package plan

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/montanafw/trimcal/pkg/calibration"
)

func TestMarshalRecords(t *testing.T) {
	recs := []TrimRecord{
		{Block: calibration.BlockVDDFLASH, Target: 160, Trim: 36, Measured: 1600},
		{Block: calibration.BlockRC32K, Target: 32768, Trim: 25, Measured: 32771},
	}

	b, err := MarshalRecords(recs)
	if err != nil {
		t.Fatalf("MarshalRecords() error = %v", err)
	}
	again, err := MarshalRecords(recs)
	if err != nil {
		t.Fatalf("MarshalRecords() error = %v", err)
	}
	if !bytes.Equal(b, again) {
		t.Errorf("MarshalRecords() is not deterministic")
	}

	got, err := UnmarshalRecords(b)
	if err != nil {
		t.Fatalf("UnmarshalRecords() error = %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("UnmarshalRecords() returned %d records, want %d", len(got), len(recs))
	}
	for i := range recs {
		if got[i] != recs[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], recs[i])
		}
	}
}

func TestUnmarshalRecordsRejects(t *testing.T) {
	future, err := cbor.Marshal(recordFile{Version: recordsVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	unknown, err := cbor.Marshal(map[int]int{1: recordsVersion, 9: 1})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xff, 0x00}},
		{"future version", future},
		{"unknown field", unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalRecords(tt.data); err == nil {
				t.Errorf("UnmarshalRecords() succeeded, want error")
			}
		})
	}
}
