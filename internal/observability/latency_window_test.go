package observability

import "testing"

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("route_audio", 0.5)
	w.Observe("route_audio", 0.7)
	w.Observe("route_audio", 0.9)
	w.ObserveIndicator("stream_started")
	w.ObserveIndicator("stream_started")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "route_audio" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "route_audio")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 0.9 {
		t.Fatalf("LastMS = %.2f, want 0.9", s.LastMS)
	}
	if s.P50MS != 0.7 {
		t.Fatalf("P50MS = %.2f, want 0.7", s.P50MS)
	}
	if s.TargetP95MS != 2 {
		t.Fatalf("TargetP95MS = %.2f, want 2", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want 2", snap.Indicators[0].Count)
	}
}

func TestLatencyWindowWrapsAndResets(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("route_audio", float64(i))
	}
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 4 {
		t.Fatalf("Samples = %d, want 4 after wrap", snap.Stages[0].Samples)
	}
	if snap.Stages[0].LastMS != 9 {
		t.Fatalf("LastMS = %.2f, want 9", snap.Stages[0].LastMS)
	}

	w.Reset()
	snap = w.Snapshot()
	if len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d, want 0 after reset", len(snap.Stages))
	}
}
