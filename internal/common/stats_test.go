package common

import "testing"

func TestRollingAvgTracksRecentWindow(t *testing.T) {
	r := NewRollingAvg(3)
	r.Add(10)
	r.Add(20)
	r.Add(30)
	if r.Avg != 20 {
		t.Fatalf("expected avg 20, got %d", r.Avg)
	}
	r.Add(60) // evicts the 10, window is now 20,30,60
	if r.Avg != 36 {
		t.Fatalf("expected avg 36 after window slides, got %d", r.Avg)
	}
}

func TestLatencyT0T1RecordsIntoSnapshot(t *testing.T) {
	before := SnapshotStats()["stats_test.Latency.cnt"]

	l := T0("stats_test.Latency")
	l.T1()

	after := SnapshotStats()["stats_test.Latency.cnt"]
	if after != before+1 {
		t.Fatalf("expected count to increase by 1, got before=%d after=%d", before, after)
	}
}

func TestLatencySubT0NestsUnderParentName(t *testing.T) {
	parent := T0("stats_test.parent")
	child := parent.T0("child")
	child.T1()

	stats := SnapshotStats()
	if _, ok := stats["stats_test.parent/child.cnt"]; !ok {
		t.Fatalf("expected nested stat name stats_test.parent/child.cnt, got %+v", stats)
	}
	parent.T1()
}

func TestGetGoroutineIDIsNonZero(t *testing.T) {
	if id := GetGoroutineID(); id == 0 {
		t.Fatal("expected a non-zero goroutine id")
	}
}

func TestMaxAndMin(t *testing.T) {
	if Max(3, 7) != 7 {
		t.Fatal("Max(3, 7) should be 7")
	}
	if Max(7, 3) != 7 {
		t.Fatal("Max(7, 3) should be 7")
	}
	if Min(3, 7) != 3 {
		t.Fatal("Min(3, 7) should be 3")
	}
	if Min(7, 3) != 3 {
		t.Fatal("Min(7, 3) should be 3")
	}
}
