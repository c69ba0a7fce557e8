package export

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"vaultdump/internal/vault"

	"go.uber.org/zap"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts includes the initial request.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// RetryObserver is told about every scheduled retry.
type RetryObserver interface {
	ObserveRetry(op string, class vault.ErrorClass, backoff time.Duration)
}

// Fetcher executes page fetches and token lookups with bounded retry. It never
// returns an error past its boundary: failures become the Failure outcome.
type Fetcher struct {
	client   vault.Client
	session  *Session
	retry    RetryConfig
	timeout  time.Duration
	observer RetryObserver
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher for the session's table. observer may be nil.
func NewFetcher(client vault.Client, session *Session, retry RetryConfig, timeout time.Duration, observer RetryObserver, logger *zap.Logger) *Fetcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.Multiplier < 1 {
		retry.Multiplier = 1
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{
		client:   client,
		session:  session,
		retry:    retry,
		timeout:  timeout,
		observer: observer,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Fetch retrieves one page and, when enabled, its tokens.
func (f *Fetcher) Fetch(ctx context.Context, page PageDescriptor) Outcome {
	start := time.Now()

	var rows []vault.Record
	attempts, err := f.Call(ctx, OpFetch, func(ctx context.Context) error {
		r, err := f.client.FetchPage(ctx, f.session.Table, f.session.Redaction, page.Offset, page.Limit)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	if err != nil {
		return Outcome{
			Page:     page,
			Err:      &FetchError{Op: OpFetch, Page: page, Attempts: attempts, Err: err},
			Attempts: attempts,
			Duration: time.Since(start),
		}
	}

	out := Outcome{Page: page, Rows: rows, Attempts: attempts, Duration: time.Since(start)}
	if f.session.DumpTokens && len(rows) > 0 {
		tokenStart := time.Now()
		out.Tokens, out.TokenErr = f.tokenize(ctx, page, rows)
		out.TokenDuration = time.Since(tokenStart)
	}
	return out
}

// tokenize returns one token record per row, blank where the vault returned
// nothing for that id.
func (f *Fetcher) tokenize(ctx context.Context, page PageDescriptor, rows []vault.Record) ([]vault.Record, error) {
	tokens := make([]vault.Record, len(rows))

	ids := make([]string, 0, len(rows))
	for i, row := range rows {
		id := row.String(vault.IDColumn)
		if id == "" {
			return tokens, &FetchError{
				Op:   OpTokenize,
				Page: page,
				Err:  fmt.Errorf("row %d has no %s", page.Offset+i, vault.IDColumn),
			}
		}
		ids = append(ids, id)
	}

	var result []vault.Record
	attempts, err := f.Call(ctx, OpTokenize, func(ctx context.Context) error {
		r, err := f.client.Tokenize(ctx, f.session.Table, ids)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return tokens, &FetchError{Op: OpTokenize, Page: page, Attempts: attempts, Err: err}
	}

	byID := make(map[string]vault.Record, len(result))
	for _, r := range result {
		byID[r.String(vault.IDColumn)] = r
	}
	for i, id := range ids {
		tokens[i] = byID[id]
	}
	return tokens, nil
}

type attemptState int

const (
	stateAttempting attemptState = iota
	stateWaiting
	stateSucceeded
	stateFailed
)

// Call runs fn until it succeeds, fails permanently, or runs out of attempts.
// Each attempt runs on a context detached from ctx's cancellation so in-flight
// requests finish during shutdown; backoff waits stop as soon as ctx is done.
func (f *Fetcher) Call(ctx context.Context, op Operation, fn func(ctx context.Context) error) (int, error) {
	var (
		state    = stateAttempting
		attempts int
		lastErr  error
		backoff  = f.retry.InitialBackoff
	)

	for {
		switch state {
		case stateAttempting:
			attempts++
			lastErr = f.attempt(ctx, fn)
			switch {
			case lastErr == nil:
				state = stateSucceeded
			case !vault.IsTransient(lastErr):
				state = stateFailed
			case attempts >= f.retry.MaxAttempts:
				lastErr = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
				state = stateFailed
			default:
				state = stateWaiting
			}

		case stateWaiting:
			wait := jitter(backoff)
			class := vault.ClassOf(lastErr)
			if f.observer != nil {
				f.observer.ObserveRetry(string(op), class, wait)
			}
			f.logger.Debug("Retrying after backoff",
				zap.String("op", string(op)),
				zap.String("error_class", string(class)),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", wait),
				zap.Error(lastErr),
			)

			if err := f.sleep(ctx, wait); err != nil {
				lastErr = fmt.Errorf("%w during retry backoff: %w", ErrInterrupted, lastErr)
				state = stateFailed
				continue
			}
			backoff = f.nextBackoff(backoff)
			state = stateAttempting

		case stateSucceeded:
			if attempts > 1 {
				f.logger.Debug("Request succeeded after retry",
					zap.String("op", string(op)),
					zap.Int("attempt", attempts),
				)
			}
			return attempts, nil

		case stateFailed:
			return attempts, lastErr
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	return fn(reqCtx)
}

func (f *Fetcher) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * f.retry.Multiplier)
	if f.retry.MaxBackoff > 0 && next > f.retry.MaxBackoff {
		next = f.retry.MaxBackoff
	}
	return next
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
