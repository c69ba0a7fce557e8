package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vaultdump/internal/vault"

	"go.uber.org/zap"
)

type fakeClient struct {
	mu         sync.Mutex
	fetchCalls int
	tokenCalls int
	fetch      func(call, offset, limit int) ([]vault.Record, error)
	tokenize   func(call int, ids []string) ([]vault.Record, error)
}

func (c *fakeClient) CountRecords(context.Context, string) (int, error) {
	return 0, errors.New("not used")
}

func (c *fakeClient) FetchPage(_ context.Context, _ string, _ vault.Redaction, offset, limit int) ([]vault.Record, error) {
	c.mu.Lock()
	c.fetchCalls++
	call := c.fetchCalls
	c.mu.Unlock()
	return c.fetch(call, offset, limit)
}

func (c *fakeClient) Tokenize(_ context.Context, _ string, ids []string) ([]vault.Record, error) {
	c.mu.Lock()
	c.tokenCalls++
	call := c.tokenCalls
	c.mu.Unlock()
	return c.tokenize(call, ids)
}

type retryRecorder struct {
	classes []vault.ErrorClass
}

func (r *retryRecorder) ObserveRetry(_ string, class vault.ErrorClass, _ time.Duration) {
	r.classes = append(r.classes, class)
}

func rowsFor(offset, limit int) []vault.Record {
	rows := make([]vault.Record, 0, limit)
	for i := offset; i < offset+limit; i++ {
		rows = append(rows, vault.NewRecord(
			"skyflow_id", fmt.Sprintf("id-%d", i),
			"name", fmt.Sprintf("name-%d", i),
		))
	}
	return rows
}

func newTestFetcher(client vault.Client, dumpTokens bool, observer RetryObserver) *Fetcher {
	session := &Session{Table: "persons", Redaction: vault.RedactionPlainText, DumpTokens: dumpTokens}
	retry := RetryConfig{MaxAttempts: 3, Multiplier: 2}
	f := NewFetcher(client, session, retry, time.Second, observer, zap.NewNop())
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

var page1 = PageDescriptor{Index: 1, Offset: 25, Limit: 25}

func TestFetcher_Success(t *testing.T) {
	client := &fakeClient{fetch: func(_, offset, limit int) ([]vault.Record, error) {
		return rowsFor(offset, limit), nil
	}}

	o := newTestFetcher(client, false, nil).Fetch(context.Background(), page1)
	if !o.OK() {
		t.Fatalf("Fetch() error = %v", o.Err)
	}
	if len(o.Rows) != 25 || o.Attempts != 1 {
		t.Errorf("rows = %d attempts = %d", len(o.Rows), o.Attempts)
	}
	if o.Rows[0].String("skyflow_id") != "id-25" {
		t.Errorf("first row = %q", o.Rows[0].String("skyflow_id"))
	}
	if o.Tokens != nil {
		t.Error("tokens must be nil when token dumping is off")
	}
}

func TestFetcher_RetriesTransient(t *testing.T) {
	client := &fakeClient{fetch: func(call, offset, limit int) ([]vault.Record, error) {
		if call < 3 {
			return nil, &vault.Error{StatusCode: 503, Class: vault.ClassServer}
		}
		return rowsFor(offset, limit), nil
	}}
	rec := &retryRecorder{}

	o := newTestFetcher(client, false, rec).Fetch(context.Background(), page1)
	if !o.OK() {
		t.Fatalf("Fetch() error = %v", o.Err)
	}
	if o.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", o.Attempts)
	}
	if len(rec.classes) != 2 || rec.classes[0] != vault.ClassServer {
		t.Errorf("observed retries = %v", rec.classes)
	}
}

type flakyTokens struct {
	failures atomic.Int32
}

func (f *flakyTokens) Token(context.Context) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", &vault.Error{StatusCode: 503, Class: vault.ClassServer, Message: "token endpoint unavailable"}
	}
	return "tok", nil
}

func TestFetcher_TokenEndpointOutageIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_, _ = io.WriteString(w, `{"records":[{"fields":{"skyflow_id":"id-25","name":"name-25"}}]}`)
	}))
	defer srv.Close()

	tokens := &flakyTokens{}
	tokens.failures.Store(1)
	client, err := vault.NewHTTPClient(vault.Config{VaultID: "v1", VaultURL: srv.URL}, tokens)
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	rec := &retryRecorder{}

	o := newTestFetcher(client, false, rec).Fetch(context.Background(), page1)
	if !o.OK() {
		t.Fatalf("Fetch() error = %v, want success after retry", o.Err)
	}
	if o.Attempts != 2 || len(o.Rows) != 1 {
		t.Errorf("attempts = %d rows = %d, want 2 and 1", o.Attempts, len(o.Rows))
	}
	if len(rec.classes) != 1 || rec.classes[0] != vault.ClassServer {
		t.Errorf("observed retries = %v", rec.classes)
	}
}

func TestFetcher_PermanentFailureIsNotRetried(t *testing.T) {
	client := &fakeClient{fetch: func(int, int, int) ([]vault.Record, error) {
		return nil, &vault.Error{StatusCode: 400, Class: vault.ClassClient, Message: "bad offset"}
	}}

	o := newTestFetcher(client, false, nil).Fetch(context.Background(), page1)
	if o.OK() {
		t.Fatal("expected failure")
	}
	if client.fetchCalls != 1 {
		t.Errorf("fetch called %d times, want 1", client.fetchCalls)
	}

	var ferr *FetchError
	if !errors.As(o.Err, &ferr) {
		t.Fatalf("expected FetchError, got %v", o.Err)
	}
	if ferr.Page != page1 || ferr.Op != OpFetch || ferr.Attempts != 1 {
		t.Errorf("FetchError = %+v", ferr)
	}
	if errors.Is(o.Err, ErrRetryExhausted) {
		t.Error("permanent failure must not be reported as exhausted")
	}
	if IsFatal(o.Err) {
		t.Error("client error must not be fatal")
	}
}

func TestFetcher_RetryExhausted(t *testing.T) {
	client := &fakeClient{fetch: func(int, int, int) ([]vault.Record, error) {
		return nil, &vault.Error{StatusCode: 429, Class: vault.ClassRateLimit}
	}}

	o := newTestFetcher(client, false, nil).Fetch(context.Background(), page1)
	if !errors.Is(o.Err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", o.Err)
	}
	if client.fetchCalls != 3 || o.Attempts != 3 {
		t.Errorf("fetch calls = %d attempts = %d, want 3", client.fetchCalls, o.Attempts)
	}
}

func TestFetcher_AuthFailureIsFatal(t *testing.T) {
	client := &fakeClient{fetch: func(int, int, int) ([]vault.Record, error) {
		return nil, &vault.Error{StatusCode: 401, Class: vault.ClassAuth}
	}}

	o := newTestFetcher(client, false, nil).Fetch(context.Background(), page1)
	if !IsFatal(o.Err) {
		t.Fatalf("expected fatal error, got %v", o.Err)
	}
	if client.fetchCalls != 1 {
		t.Errorf("fetch called %d times, want 1", client.fetchCalls)
	}
}

func TestFetcher_InterruptedDuringBackoff(t *testing.T) {
	client := &fakeClient{fetch: func(int, int, int) ([]vault.Record, error) {
		return nil, &vault.Error{StatusCode: 500, Class: vault.ClassServer}
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(client, false, nil)
	f.sleep = sleepContext

	o := f.Fetch(ctx, page1)
	if !errors.Is(o.Err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", o.Err)
	}
	if client.fetchCalls != 1 {
		t.Errorf("fetch called %d times, want 1", client.fetchCalls)
	}
}

func TestFetcher_TokensAlignedByID(t *testing.T) {
	client := &fakeClient{
		fetch: func(_, offset, limit int) ([]vault.Record, error) {
			return rowsFor(offset, limit), nil
		},
		tokenize: func(_ int, ids []string) ([]vault.Record, error) {
			// Reverse order and drop the first id.
			var out []vault.Record
			for i := len(ids) - 1; i >= 1; i-- {
				out = append(out, vault.NewRecord("skyflow_id", ids[i], "name", "tok-"+ids[i]))
			}
			return out, nil
		},
	}

	page := PageDescriptor{Index: 0, Offset: 0, Limit: 3}
	o := newTestFetcher(client, true, nil).Fetch(context.Background(), page)
	if !o.OK() || o.TokenErr != nil {
		t.Fatalf("Fetch() err = %v tokenErr = %v", o.Err, o.TokenErr)
	}
	if len(o.Tokens) != len(o.Rows) {
		t.Fatalf("tokens = %d rows = %d", len(o.Tokens), len(o.Rows))
	}
	if o.Tokens[0].Len() != 0 {
		t.Errorf("missing token must be blank, got %v", o.Tokens[0].Columns())
	}
	for i := 1; i < 3; i++ {
		want := "tok-" + o.Rows[i].String("skyflow_id")
		if got := o.Tokens[i].String("name"); got != want {
			t.Errorf("token[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestFetcher_TokenFailureKeepsRows(t *testing.T) {
	client := &fakeClient{
		fetch: func(_, offset, limit int) ([]vault.Record, error) {
			return rowsFor(offset, limit), nil
		},
		tokenize: func(int, []string) ([]vault.Record, error) {
			return nil, &vault.Error{StatusCode: 400, Class: vault.ClassClient}
		},
	}

	o := newTestFetcher(client, true, nil).Fetch(context.Background(), page1)
	if !o.OK() {
		t.Fatalf("data fetch must succeed, got %v", o.Err)
	}
	var ferr *FetchError
	if !errors.As(o.TokenErr, &ferr) || ferr.Op != OpTokenize {
		t.Fatalf("TokenErr = %v", o.TokenErr)
	}
	if len(o.Rows) != 25 || len(o.Tokens) != 25 {
		t.Errorf("rows = %d tokens = %d", len(o.Rows), len(o.Tokens))
	}
}

func TestFetcher_BackoffIsCapped(t *testing.T) {
	f := NewFetcher(&fakeClient{}, &Session{}, RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
		Multiplier:     2,
	}, time.Second, nil, zap.NewNop())

	b := time.Second
	for i := 0; i < 5; i++ {
		b = f.nextBackoff(b)
	}
	if b != 3*time.Second {
		t.Errorf("backoff = %v, want cap 3s", b)
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jitter(1s) = %v out of bounds", d)
		}
	}
	if jitter(0) != 0 {
		t.Error("jitter(0) must be 0")
	}
}
