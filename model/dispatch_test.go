package model

import "testing"

func TestFormatTaskID(t *testing.T) {
	got := FormatTaskID("req-1", 2, 0)
	if got != "req-1:2:0" {
		t.Errorf("FormatTaskID = %q, want req-1:2:0", got)
	}
}

func TestParseTaskID(t *testing.T) {
	requestID, step, attempt, err := ParseTaskID("req-1:3:2")
	if err != nil {
		t.Fatalf("ParseTaskID: %v", err)
	}
	if requestID != "req-1" || step != 3 || attempt != 2 {
		t.Errorf("ParseTaskID = (%q, %d, %d)", requestID, step, attempt)
	}
}

func TestParseTaskID_roundTrip(t *testing.T) {
	id := FormatTaskID("7f9c32a0-55c1-4a41-9b6f-0e6a5a1c2d3e", 12, 4)
	requestID, step, attempt, err := ParseTaskID(id)
	if err != nil {
		t.Fatalf("ParseTaskID: %v", err)
	}
	if requestID != "7f9c32a0-55c1-4a41-9b6f-0e6a5a1c2d3e" || step != 12 || attempt != 4 {
		t.Errorf("round trip = (%q, %d, %d)", requestID, step, attempt)
	}
}

func TestParseTaskID_malformed(t *testing.T) {
	for _, id := range []string{"", "req-1", "req-1:2", "req-1:x:0", "req-1:2:y", ":2:0", "a:b:c:d"} {
		if _, _, _, err := ParseTaskID(id); err == nil {
			t.Errorf("ParseTaskID(%q) accepted malformed id", id)
		}
	}
}
