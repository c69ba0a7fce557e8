package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Display renders a tracker as a progress bar
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	bar      *progressbar.ProgressBar
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	total := tracker.GetStatus().TotalRows
	if total <= 0 {
		total = -1
	}

	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("exporting"),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(out)
		}),
	)

	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		bar:      bar,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final tally. Safe to call twice.
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.update()
		case <-d.stopCh:
			d.update()
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) update() {
	status := d.tracker.GetStatus()
	d.bar.Describe(fmt.Sprintf("pages %d/%d (%d failed)",
		status.ProcessedPages, status.TotalPages, status.FailedPages))
	_ = d.bar.Set64(status.ExportedRows)
}

func (d *Display) finalDisplay() {
	status := d.tracker.GetStatus()
	_ = d.bar.Exit()
	fmt.Fprintf(d.out, "\nexported %d/%d rows in %s (%s), %d pages failed\n",
		status.ExportedRows, status.TotalRows,
		FormatDuration(time.Since(status.StartTime)),
		FormatRate(status.AverageRate),
		status.FailedPages)
}

// IsTerminalSupported reports whether stderr is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
