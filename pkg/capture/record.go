package capture

import (
	"bufio"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"

	cyphal "github.com/cyphal-go/gocyphal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PersistedRecord is one line of a capture log: a CaptureRecord tagged with
// the session it was captured under, so logs from multiple BeginCapture
// sessions against the same transport can be told apart after the fact
// (spec.md §4.7 domain-stack addition).
type PersistedRecord struct {
	Session   string               `json:"session"`
	Kind      cyphal.TransportKind `json:"kind"`
	System    int64                `json:"system_unix_nano"`
	Monotonic int64                `json:"monotonic_nanos"`
	RawFrame  []byte               `json:"raw_frame"`
}

// WriteRecords appends records to w as newline-delimited JSON tagged with
// sessionID, grounded on rockstar-0000-aistore's use of json-iterator for
// high-throughput object metadata encode/decode.
func WriteRecords(w io.Writer, sessionID string, records []cyphal.CaptureRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		pr := PersistedRecord{
			Session:   sessionID,
			Kind:      r.Kind,
			System:    r.Timestamp.System.UnixNano(),
			Monotonic: int64(r.Timestamp.Monotonic),
			RawFrame:  r.RawFrame,
		}
		if err := enc.Encode(pr); err != nil {
			return fmt.Errorf("capture: encoding record: %w", err)
		}
	}
	return nil
}

// ToCaptureRecord reverses the wire tagging, recovering the
// cyphal.CaptureRecord a Tracer consumes.
func (pr PersistedRecord) ToCaptureRecord() cyphal.CaptureRecord {
	return cyphal.CaptureRecord{
		Kind: pr.Kind,
		Timestamp: cyphal.Timestamp{
			System:    time.Unix(0, pr.System),
			Monotonic: time.Duration(pr.Monotonic),
		},
		RawFrame: pr.RawFrame,
	}
}

// ReadRecords parses a newline-delimited JSON capture log written by
// WriteRecords.
func ReadRecords(r io.Reader) ([]PersistedRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var records []PersistedRecord
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pr PersistedRecord
		if err := json.Unmarshal(line, &pr); err != nil {
			return nil, fmt.Errorf("capture: decoding record: %w", err)
		}
		records = append(records, pr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("capture: reading capture log: %w", err)
	}
	return records, nil
}
