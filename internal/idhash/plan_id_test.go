package idhash

import (
	"testing"
)

func TestComputePlanID(t *testing.T) {
	tests := []struct {
		name          string
		correlationID string
		kind          string
		index         int
	}{
		{name: "first distribute batch", correlationID: "c1", kind: "Distribute", index: 0},
		{name: "jackpot draw", correlationID: "c1", kind: "Jackpot", index: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputePlanID(tt.correlationID, tt.kind, tt.index)
			if len(got) != 64 {
				t.Errorf("ComputePlanID() length = %d, want 64", len(got))
			}

			got2 := ComputePlanID(tt.correlationID, tt.kind, tt.index)
			if got != got2 {
				t.Errorf("ComputePlanID() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestComputePlanID_Distinct(t *testing.T) {
	a := ComputePlanID("c1", "Distribute", 0)
	b := ComputePlanID("c1", "Distribute", 1)
	c := ComputePlanID("c1", "Jackpot", 0)
	d := ComputePlanID("c2", "Distribute", 0)

	seen := map[string]bool{}
	for _, id := range []string{a, b, c, d} {
		if seen[id] {
			t.Fatalf("duplicate plan id %s", id)
		}
		seen[id] = true
	}
}

func TestComputeRecordID(t *testing.T) {
	plan := ComputePlanID("c1", "Distribute", 0)
	r0 := ComputeRecordID(plan, 0)
	r1 := ComputeRecordID(plan, 1)

	if r0 == r1 {
		t.Errorf("record ids for different indexes should differ")
	}
	if r0 != ComputeRecordID(plan, 0) {
		t.Errorf("ComputeRecordID() not deterministic")
	}
}

func TestComputeJackpotRunID(t *testing.T) {
	a := ComputeJackpotRunID("tok", 0)
	b := ComputeJackpotRunID("tok", 0)
	c := ComputeJackpotRunID("tok", 1)
	d := ComputeJackpotRunID("other", 0)

	if a != b {
		t.Errorf("same run should map to the same run id")
	}
	if a == c {
		t.Errorf("a settled run should not be reused")
	}
	if a == d {
		t.Errorf("different tokens should map to different run ids")
	}
}
