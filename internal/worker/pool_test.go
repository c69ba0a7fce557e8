package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vaultdump/internal/config"
	"vaultdump/internal/export"
	"vaultdump/internal/metrics"
	"vaultdump/internal/vault"

	"go.uber.org/zap"
)

type concurrencyFetcher struct {
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	fail     map[int]bool
}

func (f *concurrencyFetcher) Fetch(ctx context.Context, page export.PageDescriptor) export.Outcome {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	time.Sleep(f.delay)

	if f.fail[page.Index] {
		return export.Outcome{
			Page:     page,
			Err:      &export.FetchError{Op: export.OpFetch, Page: page, Attempts: 3, Err: export.ErrRetryExhausted},
			Attempts: 3,
		}
	}

	rows := make([]vault.Record, page.Limit)
	for i := range rows {
		rows[i] = vault.NewRecord(vault.IDColumn, "id")
	}
	return export.Outcome{Page: page, Rows: rows, Attempts: 1}
}

func runPool(t *testing.T, ctx context.Context, pool *Pool, total int) []export.Outcome {
	t.Helper()

	plan, err := export.Plan(total, 25)
	if err != nil {
		t.Fatal(err)
	}

	pages := make(chan export.PageDescriptor, pool.Size())
	outcomes := make(chan export.Outcome, pool.Size())

	var wg sync.WaitGroup
	pool.Start(ctx, pages, outcomes, &wg)

	go func() {
		for _, p := range plan {
			pages <- p
		}
		close(pages)
	}()
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var got []export.Outcome
	for o := range outcomes {
		got = append(got, o)
	}
	return got
}

func TestNewPool_SizeBounds(t *testing.T) {
	for _, size := range []int{0, 8} {
		_, err := NewPool(size, &concurrencyFetcher{}, metrics.New(), zap.NewNop())
		var cfgErr *config.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("NewPool(%d) error = %v, want ConfigurationError", size, err)
		}
	}

	for _, size := range []int{1, 7} {
		if _, err := NewPool(size, &concurrencyFetcher{}, metrics.New(), zap.NewNop()); err != nil {
			t.Errorf("NewPool(%d) error = %v", size, err)
		}
	}
}

func TestPool_OneOutcomePerPage(t *testing.T) {
	fetcher := &concurrencyFetcher{delay: 2 * time.Millisecond, fail: map[int]bool{3: true}}
	collector := metrics.New()

	pool, err := NewPool(5, fetcher, collector, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	outcomes := runPool(t, context.Background(), pool, 1000)
	if len(outcomes) != 40 {
		t.Fatalf("outcomes = %d, want 40", len(outcomes))
	}

	seen := make(map[int]bool)
	for _, o := range outcomes {
		if seen[o.Page.Index] {
			t.Errorf("page %d produced two outcomes", o.Page.Index)
		}
		seen[o.Page.Index] = true
		if o.Page.Index == 3 && o.OK() {
			t.Error("page 3 should have failed")
		}
	}

	if peak := fetcher.peak.Load(); peak > 5 {
		t.Errorf("peak concurrency = %d, want <= 5", peak)
	}

	status := collector.GetProgressTracker().GetStatus()
	if status.SucceededPages != 39 || status.FailedPages != 1 {
		t.Errorf("tracker = %+v", status)
	}
}

func TestPool_SingleWorker(t *testing.T) {
	fetcher := &concurrencyFetcher{delay: time.Millisecond}
	pool, _ := NewPool(1, fetcher, metrics.New(), zap.NewNop())

	outcomes := runPool(t, context.Background(), pool, 100)
	if len(outcomes) != 4 {
		t.Fatalf("outcomes = %d, want 4", len(outcomes))
	}
	if fetcher.peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", fetcher.peak.Load())
	}
	// one worker preserves FIFO order
	for i, o := range outcomes {
		if o.Page.Index != i {
			t.Errorf("outcome %d is page %d", i, o.Page.Index)
		}
	}
}

func TestPool_CancelledContextInterrupts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &concurrencyFetcher{}
	collector := metrics.New()
	pool, _ := NewPool(3, fetcher, collector, zap.NewNop())

	outcomes := runPool(t, ctx, pool, 250)
	if len(outcomes) != 10 {
		t.Fatalf("outcomes = %d, want 10", len(outcomes))
	}
	for _, o := range outcomes {
		if !errors.Is(o.Err, export.ErrInterrupted) {
			t.Errorf("page %d error = %v, want interrupted", o.Page.Index, o.Err)
		}
	}
	if fetcher.peak.Load() != 0 {
		t.Error("no page should be fetched after cancellation")
	}
	if status := collector.GetProgressTracker().GetStatus(); status.SucceededPages != 0 || status.FailedPages != 10 {
		t.Errorf("tracker = %+v, want 10 pages not fetched", status)
	}
}
