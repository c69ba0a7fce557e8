// Package app wires the vault client, worker pool, aggregator and output
// files into a single export run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"vaultdump/internal/auth"
	"vaultdump/internal/checkpoint"
	"vaultdump/internal/config"
	"vaultdump/internal/export"
	"vaultdump/internal/metrics"
	"vaultdump/internal/output"
	"vaultdump/internal/progress"
	"vaultdump/internal/report"
	"vaultdump/internal/storage"
	"vaultdump/internal/vault"
	"vaultdump/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// windowFactor bounds the reorder buffer to this many pages per worker.
const windowFactor = 4

// Exporter represents the main export application
type Exporter struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   vault.Client
	ledger   checkpoint.Store
	uploader *storage.Uploader
	metrics  *metrics.Collector
}

// New creates a new exporter instance
func New(cfg *config.Config, logger *zap.Logger) (*Exporter, error) {
	timeout := time.Duration(cfg.Export.RequestTimeoutS) * time.Second

	tokens, err := auth.NewProvider(cfg.Vault.CredentialsFile, cfg.Vault.BearerToken, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	client, err := vault.NewHTTPClient(vault.Config{
		VaultID:  cfg.Vault.ID,
		VaultURL: cfg.Vault.URL,
		Timeout:  timeout,
	}, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	var ledger checkpoint.Store = checkpoint.Nop{}
	if cfg.Export.Ledger != "" {
		ledger, err = checkpoint.NewSQLiteStore(cfg.Export.Ledger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger: %w", err)
		}
	}

	var uploader *storage.Uploader
	if cfg.Upload.Enabled() {
		s3, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Upload.Endpoint,
			AccessKey: cfg.Upload.AccessKey,
			SecretKey: cfg.Upload.SecretKey,
			Secure:    cfg.Upload.Secure,
		})
		if err != nil {
			ledger.Close()
			return nil, fmt.Errorf("failed to create upload client: %w", err)
		}
		uploader = storage.NewUploader(s3, cfg.Upload.Bucket, cfg.Upload.Prefix)
	}

	return newExporter(cfg, logger, client, ledger, uploader), nil
}

func newExporter(cfg *config.Config, logger *zap.Logger, client vault.Client, ledger checkpoint.Store, uploader *storage.Uploader) *Exporter {
	if ledger == nil {
		ledger = checkpoint.Nop{}
	}
	return &Exporter{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		ledger:   ledger,
		uploader: uploader,
		metrics:  metrics.New(),
	}
}

// Metrics returns the collector of this exporter
func (e *Exporter) Metrics() *metrics.Collector {
	return e.metrics
}

// Run executes one export. Page failures do not fail the run; they are left
// out of the output and listed in the error log. The returned error is set for
// configuration, authentication, and write failures and for interrupted runs.
func (e *Exporter) Run(ctx context.Context) (export.Summary, error) {
	redaction, err := vault.ParseRedaction(e.cfg.Export.Redaction)
	if err != nil {
		return export.Summary{}, &config.ConfigurationError{Field: "redaction", Reason: err.Error()}
	}

	session := &export.Session{
		RunID:          uuid.NewString(),
		VaultID:        e.cfg.Vault.ID,
		Table:          e.cfg.Export.Table,
		Redaction:      redaction,
		MaxParallel:    e.cfg.Export.MaxParallel,
		PageSize:       e.cfg.Export.RowsPerCall,
		DumpTokens:     e.cfg.Export.DumpTokens,
		UniqueIDColumn: e.cfg.Export.UniqueIDColumn,
		StartedAt:      time.Now(),
	}
	logger := e.logger.With(zap.String("run_id", session.RunID))

	logger.Info("Starting export",
		zap.String("vault_id", session.VaultID),
		zap.String("table", session.Table),
		zap.String("redaction", string(session.Redaction)),
		zap.Int("max_parallel", session.MaxParallel),
		zap.Int("rows_per_call", session.PageSize),
		zap.Bool("dump_tokens", session.DumpTokens),
	)

	errLog, err := report.NewErrorLog(e.cfg.Export.LogError)
	if err != nil {
		return export.Summary{}, err
	}
	defer errLog.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if e.cfg.MetricsAddr != "" {
		go func() {
			if err := e.metrics.StartServer(runCtx, e.cfg.MetricsAddr); err != nil {
				logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	fetcher := export.NewFetcher(e.client, session, export.RetryConfig{
		MaxAttempts:    e.cfg.Export.Retries,
		InitialBackoff: time.Duration(e.cfg.Export.RetryBackoffMs) * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}, time.Duration(e.cfg.Export.RequestTimeoutS)*time.Second, e.metrics, logger)

	var total int
	if _, err := fetcher.Call(runCtx, export.OpCount, func(ctx context.Context) error {
		n, err := e.client.CountRecords(ctx, session.Table)
		total = n
		return err
	}); err != nil {
		e.reportRunError(logger, errLog, "count", err)
		return session.Summary(), fmt.Errorf("failed to count records in %s: %w", session.Table, err)
	}
	session.TotalRecords = total
	logger.Info("Counted records", zap.Int("total_records", total))

	run := &checkpoint.RunRecord{
		ID:           session.RunID,
		VaultID:      session.VaultID,
		Table:        session.Table,
		Redaction:    string(session.Redaction),
		TotalRecords: total,
		StartedAt:    session.StartedAt,
	}
	if err := e.ledger.StartRun(run); err != nil {
		logger.Warn("Failed to record run in ledger", zap.Error(err))
	}

	runErr := e.exportPages(runCtx, cancel, session, fetcher, errLog, logger)
	if runErr != nil {
		e.reportRunError(logger, errLog, "export", runErr)
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %w", export.ErrInterrupted, ctx.Err())
	}

	summary := session.Summary()
	e.finishRun(logger, run, summary, runErr, ctx.Err() != nil)
	e.logSummary(logger, summary, errLog)

	if runErr != nil {
		return summary, runErr
	}

	if e.uploader != nil {
		if err := errLog.Close(); err != nil {
			return summary, fmt.Errorf("failed to close error log: %w", err)
		}
		if err := e.upload(ctx, session, logger); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

func (e *Exporter) exportPages(ctx context.Context, abort context.CancelFunc, session *export.Session, fetcher *export.Fetcher, errLog *report.ErrorLog, logger *zap.Logger) error {
	pages, err := export.Plan(session.TotalRecords, session.PageSize)
	if err != nil {
		return err
	}
	e.metrics.SetTotalCounts(int64(len(pages)), int64(session.TotalRecords))

	if len(pages) == 0 {
		session.Columns = export.KeyColumns(session.UniqueIDColumn)
		writer, err := output.NewWriter(e.cfg.Export.Output, e.tokenPath(), session.Columns, session.Columns)
		if err != nil {
			return err
		}
		logger.Info("Table is empty, wrote header only")
		return writer.Close()
	}

	pool, err := worker.NewPool(session.MaxParallel, fetcher, e.metrics, logger)
	if err != nil {
		return err
	}
	ledger := &pageLedger{store: e.ledger, runID: session.RunID, logger: logger}

	window := export.NewWindow(session.MaxParallel * windowFactor)
	feeder := &PageFeeder{window: window, logger: logger}

	pageCh := make(chan export.PageDescriptor, session.MaxParallel)
	outCh := make(chan export.Outcome, session.MaxParallel)

	var wg sync.WaitGroup
	pool.Start(ctx, pageCh, outCh, &wg)
	go func() {
		wg.Wait()
		close(outCh)
	}()
	logger.Debug("Started workers", zap.Int("workers", pool.Size()))

	// The first page is fetched alone: its fields define the header.
	feeder.Enqueue(ctx, pages[:1], pageCh)
	probe := <-outCh

	// stop releases the pool and records every page as missing when the run
	// ends before the aggregator takes over.
	stop := func(err error) error {
		close(pageCh)
		for range outCh {
		}
		window.Release()
		cause := err
		if probe.Err != nil {
			cause = probe.Err
		}
		ledger.PageMissing(probe, cause)
		ledger.abandon(pages[1:], err)
		return err
	}

	columns, err := e.resolveColumns(probe, session)
	if err != nil {
		return stop(err)
	}
	session.Columns = columns

	writer, err := output.NewWriter(e.cfg.Export.Output, e.tokenPath(), columns, export.KeyColumns(session.UniqueIDColumn))
	if err != nil {
		return stop(err)
	}

	var display *progress.Display
	if e.cfg.Export.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(e.metrics.GetProgressTracker(), 500*time.Millisecond, os.Stderr)
		display.Start()
	}

	var aggregator *export.Aggregator
	aggregator = export.NewAggregator(session, writer, errLog, ledger, window, func(err error) {
		logger.Error("Aborting export",
			zap.Int("next_page", aggregator.Next()),
			zap.Int("pending_pages", aggregator.Pending()),
			zap.Error(err))
		abort()
	})

	go func() {
		feeder.Enqueue(ctx, pages[1:], pageCh)
		close(pageCh)
	}()

	// A failed Add aborts the run; Consume then only drains the pool and
	// returns that error.
	_ = aggregator.Add(probe)
	runErr := aggregator.Consume(outCh)

	if display != nil {
		display.Stop()
	}

	if err := writer.Close(); err != nil && runErr == nil {
		runErr = err
	}
	logger.Debug("Closed output files", zap.Int("rows_written", writer.Rows()))
	return runErr
}

// resolveColumns turns the probe outcome into the output header. A failed
// probe ends the run.
func (e *Exporter) resolveColumns(probe export.Outcome, session *export.Session) ([]string, error) {
	if !probe.OK() {
		return nil, fmt.Errorf("failed to read first page of %s: %w", session.Table, probe.Err)
	}
	return export.ResolveColumns(export.DiscoverColumns(probe.Rows), session.UniqueIDColumn)
}

func (e *Exporter) tokenPath() string {
	if !e.cfg.Export.DumpTokens {
		return ""
	}
	return e.cfg.Export.OutputTokenData
}

func (e *Exporter) reportRunError(logger *zap.Logger, errLog *report.ErrorLog, stage string, err error) {
	if errors.Is(err, export.ErrInterrupted) {
		return
	}
	if logErr := errLog.ReportRunError(stage, err); logErr != nil {
		logger.Error("Failed to write error log", zap.Error(logErr))
	}
}

func (e *Exporter) finishRun(logger *zap.Logger, run *checkpoint.RunRecord, summary export.Summary, runErr error, interrupted bool) {
	run.TotalRecords = summary.TotalRecords
	run.RowsExported = summary.RowsExported
	run.PagesFailed = summary.PagesFailed

	switch {
	case interrupted:
		run.Status = checkpoint.RunInterrupted
	case runErr != nil:
		run.Status = checkpoint.RunFailed
	default:
		run.Status = checkpoint.RunCompleted
	}
	if runErr != nil {
		run.LastError = runErr.Error()
	}

	if err := e.ledger.FinishRun(run); err != nil {
		logger.Warn("Failed to finish run in ledger", zap.Error(err))
	}
}

func (e *Exporter) logSummary(logger *zap.Logger, s export.Summary, errLog *report.ErrorLog) {
	logger.Info("Export finished",
		zap.Int("total_records", s.TotalRecords),
		zap.Int("pages_total", s.PagesTotal),
		zap.Int("pages_succeeded", s.PagesSucceeded),
		zap.Int("pages_failed", s.PagesFailed),
		zap.Int("rows_exported", s.RowsExported),
		zap.Int("rows_missing", s.RowsMissing),
		zap.Int("token_failures", s.TokenFailures),
		zap.Duration("duration", s.Duration),
		zap.Duration("data_time", s.DataTime),
		zap.Duration("token_time", s.TokenTime),
		zap.Int("error_log_entries", errLog.Count()),
	)
	if s.PagesFailed > 0 {
		logger.Warn("Some pages are missing from the output, see the error log",
			zap.String("error_log", errLog.Path()),
			zap.Int("pages_failed", s.PagesFailed),
		)
	}
}

func (e *Exporter) upload(ctx context.Context, session *export.Session, logger *zap.Logger) error {
	artifacts := []storage.Artifact{
		{Path: e.cfg.Export.Output, ContentType: "text/csv"},
	}
	if session.DumpTokens {
		artifacts = append(artifacts, storage.Artifact{Path: e.cfg.Export.OutputTokenData, ContentType: "text/csv"})
	}
	artifacts = append(artifacts, storage.Artifact{Path: e.cfg.Export.LogError, ContentType: "application/x-ndjson"})

	infos, err := e.uploader.Upload(ctx, session.RunID, artifacts, map[string]string{
		"vault-id": session.VaultID,
		"table":    session.Table,
		"run-id":   session.RunID,
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifacts: %w", err)
	}

	for _, info := range infos {
		logger.Info("Uploaded artifact",
			zap.String("bucket", info.Bucket),
			zap.String("key", info.Key),
			zap.Int64("size", info.Size))
	}
	return nil
}

// Close cleans up resources
func (e *Exporter) Close() error {
	return e.ledger.Close()
}
