package database

import (
	"testing"
)

func TestTaskRecordValidate(t *testing.T) {
	cases := []struct {
		name    string
		rec     TaskRecord
		wantErr bool
	}{
		{"missing task id", TaskRecord{FunctionID: "fn"}, true},
		{"missing function id", TaskRecord{TaskID: "abc"}, true},
		{"valid", TaskRecord{TaskID: "abc", FunctionID: "fn"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.rec.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestWorkerNodeValidate(t *testing.T) {
	if err := (&WorkerNode{}).Validate(); err == nil {
		t.Fatalf("expected error for missing peer id")
	}
	if err := (&WorkerNode{PeerID: "peer-1"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDriverValidate(t *testing.T) {
	if err := (&Driver{}).Validate(); err == nil {
		t.Fatalf("expected error for missing username")
	}
	if err := (&Driver{Username: "alice"}).Validate(); err == nil {
		t.Fatalf("expected error for missing roles")
	}
	if err := (&Driver{Username: "alice", Roles: StringArray{"user"}}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"gpu": "a100", "count": float64(2)}
	val, err := m.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	bytes, ok := val.([]byte)
	if !ok {
		t.Fatalf("expected []byte from Value(), got %T", val)
	}

	var scanned JSONMap
	if err := scanned.Scan(bytes); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned["gpu"] != "a100" {
		t.Fatalf("scanned[gpu] = %v, want a100", scanned["gpu"])
	}
}

func TestStringArrayRoundTrip(t *testing.T) {
	s := StringArray{"gpu:a100", "region:us-east"}
	val, err := s.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	encoded, ok := val.(string)
	if !ok {
		t.Fatalf("expected string from Value(), got %T", val)
	}

	var scanned StringArray
	if err := scanned.Scan([]byte(encoded)); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(scanned) != 2 || scanned[0] != "gpu:a100" || scanned[1] != "region:us-east" {
		t.Fatalf("round-tripped array = %v", scanned)
	}
}

func TestStringArrayScanEmpty(t *testing.T) {
	var s StringArray
	if err := s.Scan([]byte("{}")); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(s) != 0 {
		t.Fatalf("expected empty array, got %v", s)
	}
}
