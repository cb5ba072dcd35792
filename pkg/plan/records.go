package plan

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// recordsVersion is bumped when the CBOR record layout changes.
const recordsVersion = 1

type recordFile struct {
	Version int          `cbor:"1,keyasint"`
	Records []TrimRecord `cbor:"2,keyasint"`
}

// MarshalRecords encodes recs as deterministic CBOR for factory programmers
// that cannot parse JSON. Equal records always encode to equal bytes.
func MarshalRecords(recs []TrimRecord) ([]byte, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(recordFile{Version: recordsVersion, Records: recs})
}

// UnmarshalRecords decodes records written by MarshalRecords.
func UnmarshalRecords(b []byte) ([]TrimRecord, error) {
	dec, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	var f recordFile
	if err := dec.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode trim records: %w", err)
	}
	if f.Version != recordsVersion {
		return nil, fmt.Errorf("unsupported trim record version %d", f.Version)
	}
	return f.Records, nil
}
