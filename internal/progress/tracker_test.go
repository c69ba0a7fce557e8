package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTracker_Counts(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(clock.now)
	tr.SetTotal(4, 120)

	clock.advance(time.Second)
	tr.AddSuccess(30)
	clock.advance(time.Second)
	tr.AddFailed()
	clock.advance(time.Second)
	tr.AddSuccess(30)

	s := tr.GetStatus()
	if s.ProcessedPages != 3 || s.SucceededPages != 2 || s.FailedPages != 1 {
		t.Errorf("page counts = %+v", s)
	}
	if s.ExportedRows != 60 {
		t.Errorf("ExportedRows = %d, want 60", s.ExportedRows)
	}
	if got := tr.GetProgressPercent(); got != 75 {
		t.Errorf("GetProgressPercent() = %v, want 75", got)
	}

	// 60 rows in 3 seconds
	if s.AverageRate != 20 {
		t.Errorf("AverageRate = %v, want 20", s.AverageRate)
	}
	if s.ETA != 3*time.Second {
		t.Errorf("ETA = %v, want 3s", s.ETA)
	}
}

func TestTracker_CurrentRateWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(clock.now)
	tr.SetTotal(10, 250)

	tr.AddSuccess(25)
	clock.advance(10 * time.Second)
	tr.AddSuccess(25)
	clock.advance(2 * time.Second)
	tr.AddSuccess(25)

	// the first sample is outside the 5s window
	if got := tr.GetStatus().CurrentRate; got != 25 {
		t.Errorf("CurrentRate = %v, want 25", got)
	}
}

func TestTracker_EmptyTotal(t *testing.T) {
	tr := NewTracker()
	if got := tr.GetProgressPercent(); got != 0 {
		t.Errorf("GetProgressPercent() = %v, want 0", got)
	}
	if tr.GetStatus().ETA != 0 {
		t.Error("ETA should be unknown without a total")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "unknown"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m5s"},
		{2*time.Hour + time.Minute + time.Second, "2h1m1s"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatRate(t *testing.T) {
	if got := FormatRate(12.34); got != "12.3 rows/s" {
		t.Errorf("FormatRate(12.34) = %q", got)
	}
	if got := FormatRate(2500); got != "2.5k rows/s" {
		t.Errorf("FormatRate(2500) = %q", got)
	}
}

func TestDisplay_FinalTally(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(2, 50)
	tr.AddSuccess(25)
	tr.AddFailed()

	var buf bytes.Buffer
	d := NewDisplay(tr, time.Hour, &buf)
	d.Start()
	d.Stop()
	d.Stop()

	if !strings.Contains(buf.String(), "exported 25/50 rows") {
		t.Errorf("final output = %q", buf.String())
	}
	if !strings.Contains(buf.String(), "1 pages failed") {
		t.Errorf("final output = %q", buf.String())
	}
}
