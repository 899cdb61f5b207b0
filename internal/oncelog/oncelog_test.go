package oncelog

import "testing"

func TestReportOnceByKey(t *testing.T) {
	l := New()

	l.Report("ring-full", "dropped a batch")
	if !l.HasReported("ring-full") {
		t.Fatal("expected ring-full to be marked reported")
	}
	if l.HasReported("ring-oversize") {
		t.Fatal("expected ring-oversize not yet reported")
	}
	l.Report("ring-oversize", "record too large")
	if !l.HasReported("ring-oversize") {
		t.Fatal("expected ring-oversize to be marked reported")
	}
}

func TestResetAllowsReReporting(t *testing.T) {
	l := New()
	l.Report("ring-full", "dropped a batch")
	if !l.HasReported("ring-full") {
		t.Fatal("expected key to be marked reported")
	}
	l.Reset()
	if l.HasReported("ring-full") {
		t.Fatal("expected Reset to clear reported state")
	}
}
