// Package report writes the error log artifact: one JSON line for every page
// missing from the output, every page whose tokens are blank, and every error
// that ended a run.
package report

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"vaultdump/internal/export"
	"vaultdump/internal/vault"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Entry kinds
const (
	KindPage  = "page_failure"
	KindToken = "token_failure"
	KindRun   = "run_failure"
)

// ErrorLog appends entries to the error log file
type ErrorLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	encoder zapcore.Encoder
	count   int
	now     func() time.Time
}

// NewErrorLog creates path, truncating the log of any previous run
func NewErrorLog(path string) (*ErrorLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "kind"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.CallerKey = zapcore.OmitKey
	encCfg.StacktraceKey = zapcore.OmitKey

	return &ErrorLog{
		path:    path,
		file:    f,
		encoder: zapcore.NewJSONEncoder(encCfg),
		now:     time.Now,
	}, nil
}

// ReportPageFailure logs a page whose rows are not in the output
func (l *ErrorLog) ReportPageFailure(o export.Outcome) error {
	return l.write(zapcore.ErrorLevel, KindPage, pageFields(o, o.Err)...)
}

// ReportTokenFailure logs a page whose token rows are blank
func (l *ErrorLog) ReportTokenFailure(o export.Outcome) error {
	return l.write(zapcore.WarnLevel, KindToken, pageFields(o, o.TokenErr)...)
}

// ReportRunError logs a failure outside any page, such as the record count
func (l *ErrorLog) ReportRunError(stage string, err error) error {
	return l.write(zapcore.ErrorLevel, KindRun,
		zap.String("stage", stage),
		zap.String("error_class", classOf(err)),
		zap.String("error", errString(err)),
	)
}

// Count returns the number of entries written
func (l *ErrorLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the log file location
func (l *ErrorLog) Path() string {
	return l.path
}

// Close syncs and closes the file
func (l *ErrorLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return syncErr
}

func (l *ErrorLog) write(level zapcore.Level, kind string, fields ...zap.Field) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("error log %s is closed", l.path)
	}

	buf, err := l.encoder.EncodeEntry(zapcore.Entry{
		Level:   level,
		Time:    l.now(),
		Message: kind,
	}, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write error log: %w", err)
	}
	l.count++
	return nil
}

func pageFields(o export.Outcome, cause error) []zap.Field {
	fields := []zap.Field{
		zap.Int("page", o.Page.Index),
		zap.Int("offset", o.Page.Offset),
		zap.Int("limit", o.Page.Limit),
		zap.Int("attempts", o.Attempts),
	}

	var fe *export.FetchError
	if errors.As(cause, &fe) {
		fields = append(fields, zap.String("op", string(fe.Op)))
	}

	return append(fields,
		zap.String("error_class", classOf(cause)),
		zap.String("error", errString(cause)),
	)
}

func classOf(err error) string {
	if errors.Is(err, export.ErrInterrupted) {
		return "interrupted"
	}
	if class := vault.ClassOf(err); class != "" {
		return string(class)
	}
	if errors.Is(err, export.ErrRetryExhausted) {
		return "retry_exhausted"
	}
	return "unknown"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
