package models

import (
	"encoding/json"
	"testing"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"job_id": "abc",
		"amount": 40,
	}

	data, err := j.Value()
	if err != nil {
		t.Fatalf("failed to marshal JSONB: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["job_id"] != "abc" {
		t.Errorf("expected job_id=abc, got %v", result["job_id"])
	}
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	if err := j.Scan([]byte(`{"kind": "refund", "amount": 10}`)); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}

	if j["kind"] != "refund" {
		t.Errorf("expected kind=refund, got %v", j["kind"])
	}

	if j["amount"].(float64) != 10 {
		t.Errorf("expected amount=10, got %v", j["amount"])
	}
}

func TestJobPhaseTerminal(t *testing.T) {
	terminal := map[JobPhase]bool{
		JobPhaseGenerating: false,
		JobPhaseComposing:  false,
		JobPhaseUploading:  false,
		JobPhaseCompleted:  true,
		JobPhaseFailed:     true,
		JobPhaseCancelled:  true,
	}

	for phase, want := range terminal {
		if got := phase.Terminal(); got != want {
			t.Errorf("%s: Terminal() = %v, want %v", phase, got, want)
		}
	}

	for _, phase := range NonTerminalPhases {
		if phase.Terminal() {
			t.Errorf("%s listed as non-terminal", phase)
		}
	}
}

func TestSegmentRunnable(t *testing.T) {
	handle := "job/segments/0.mp4"
	tests := []struct {
		name      string
		seg       Segment
		runnable  bool
		exhausted bool
	}{
		{"pending", Segment{Status: SegmentStatusPending}, true, false},
		{"completed", Segment{Status: SegmentStatusCompleted, MediaHandle: &handle, Attempts: 1}, false, false},
		{"failed with retries left", Segment{Status: SegmentStatusFailed, Attempts: 1}, true, false},
		{"failed out of retries", Segment{Status: SegmentStatusFailed, Attempts: 2}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.seg.Runnable(2); got != tt.runnable {
				t.Errorf("Runnable() = %v, want %v", got, tt.runnable)
			}
			if got := tt.seg.Exhausted(2); got != tt.exhausted {
				t.Errorf("Exhausted() = %v, want %v", got, tt.exhausted)
			}
		})
	}
}

func TestRunnableSegmentsKeepsIndexOrder(t *testing.T) {
	handle := "x"
	job := &Job{Segments: []Segment{
		{Index: 0, Status: SegmentStatusCompleted, MediaHandle: &handle},
		{Index: 1, Status: SegmentStatusPending},
		{Index: 2, Status: SegmentStatusFailed, Attempts: 1},
		{Index: 3, Status: SegmentStatusPending},
	}}

	runnable := job.RunnableSegments(2)
	if len(runnable) != 3 {
		t.Fatalf("expected 3 runnable segments, got %d", len(runnable))
	}
	for i, want := range []int{1, 2, 3} {
		if runnable[i].Index != want {
			t.Errorf("runnable[%d].Index = %d, want %d", i, runnable[i].Index, want)
		}
	}

	counts := job.CountByStatus()
	if counts[SegmentStatusPending] != 2 || counts[SegmentStatusCompleted] != 1 || counts[SegmentStatusFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
