package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current export status
type Status struct {
	TotalPages     int64
	ProcessedPages int64
	SucceededPages int64
	FailedPages    int64
	TotalRows      int64
	ExportedRows   int64
	StartTime      time.Time
	LastUpdateTime time.Time
	CurrentRate    float64 // rows/second over the last few seconds
	AverageRate    float64 // rows/second since start
	ETA            time.Duration
}

// Tracker tracks export progress. Workers feed it as outcomes arrive, so the
// counts run ahead of what the aggregator has written.
type Tracker struct {
	mu          sync.RWMutex
	status      Status
	rateSamples []rateSample
	maxSamples  int
	now         func() time.Time
}

type rateSample struct {
	timestamp time.Time
	rows      int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		rateSamples: make([]rateSample, 0, 60),
		maxSamples:  60,
		now:         now,
	}
}

// SetTotal sets the number of pages and rows the run expects
func (t *Tracker) SetTotal(pages, rows int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalPages = pages
	t.status.TotalRows = rows
}

// AddSuccess records a page written to the output
func (t *Tracker) AddSuccess(rows int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SucceededPages++
	t.status.ProcessedPages++
	t.status.ExportedRows += rows
	t.updateRate(rows)
}

// AddFailed records a page skipped after a failure
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedPages++
	t.status.ProcessedPages++
	t.status.LastUpdateTime = t.now()
}

// updateRate must be called with the lock held
func (t *Tracker) updateRate(rows int64) {
	now := t.now()

	t.rateSamples = append(t.rateSamples, rateSample{timestamp: now, rows: rows})
	if len(t.rateSamples) > t.maxSamples {
		t.rateSamples = t.rateSamples[1:]
	}

	t.calculateCurrentRate(now)
	t.calculateAverageRate(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentRate uses samples from the last 5 seconds
func (t *Tracker) calculateCurrentRate(now time.Time) {
	if len(t.rateSamples) < 2 {
		t.status.CurrentRate = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentRows int64
	var first *rateSample

	for i := len(t.rateSamples) - 1; i >= 0; i-- {
		sample := &t.rateSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentRows += sample.rows
		first = sample
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentRate = float64(recentRows) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageRate(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageRate = float64(t.status.ExportedRows) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	if t.status.TotalRows == 0 || t.status.AverageRate == 0 {
		t.status.ETA = 0
		return
	}

	remaining := t.status.TotalRows - t.status.ExportedRows
	if remaining <= 0 {
		t.status.ETA = 0
		return
	}

	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageRate) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the share of pages processed
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalPages == 0 {
		return 0
	}

	return float64(t.status.ProcessedPages) / float64(t.status.TotalPages) * 100
}

// FormatRate formats a row rate in human readable format
func FormatRate(rowsPerSecond float64) string {
	if rowsPerSecond < 1000 {
		return fmt.Sprintf("%.1f rows/s", rowsPerSecond)
	}
	return fmt.Sprintf("%.1fk rows/s", rowsPerSecond/1000)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "unknown"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
