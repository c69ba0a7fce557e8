package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config contains HTTP client configuration.
type Config struct {
	VaultID  string
	VaultURL string
	Timeout  time.Duration
}

// HTTPClient implements Client against the vault REST API.
type HTTPClient struct {
	baseURL string
	vaultID string
	tokens  TokenSource
	http    *http.Client
}

type recordsResponse struct {
	Records []struct {
		Fields Record `json:"fields"`
	} `json:"records"`
}

const maxErrorBody = 512

// NewHTTPClient creates a new vault HTTP client.
func NewHTTPClient(cfg Config, tokens TokenSource) (*HTTPClient, error) {
	if cfg.VaultID == "" {
		return nil, fmt.Errorf("vault id cannot be empty")
	}
	base, err := baseURL(cfg.VaultURL)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPClient{
		baseURL: base,
		vaultID: cfg.VaultID,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// baseURL accepts either a bare host ("id.vault.example.com") or a full URL.
func baseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("vault url cannot be empty")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse vault url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("vault url %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// CountRecords runs a count query against the table.
func (c *HTTPClient) CountRecords(ctx context.Context, table string) (int, error) {
	payload := map[string]string{"query": fmt.Sprintf("select count(*) from %s", table)}
	endpoint := fmt.Sprintf("%s/v1/vaults/%s/query", c.baseURL, url.PathEscape(c.vaultID))

	body, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return 0, err
	}

	var resp recordsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	if len(resp.Records) == 0 {
		return 0, fmt.Errorf("count response contained no records")
	}

	raw, ok := resp.Records[0].Fields.Get("count(*)")
	if !ok {
		return 0, fmt.Errorf("count response missing count(*) field")
	}
	n, err := strconv.Atoi(FormatValue(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid record count %v: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid record count %d", n)
	}
	return n, nil
}

// FetchPage retrieves one page of rows ordered ascending.
func (c *HTTPClient) FetchPage(ctx context.Context, table string, redaction Redaction, offset, limit int) ([]Record, error) {
	q := url.Values{}
	q.Set("redaction", string(redaction))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order_by", "ASCENDING")

	return c.getRecords(ctx, table, q)
}

// Tokenize retrieves the tokens for the given record ids.
func (c *HTTPClient) Tokenize(ctx context.Context, table string, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("tokenization", "true")
	for _, id := range ids {
		q.Add("skyflow_ids", id)
	}

	return c.getRecords(ctx, table, q)
}

func (c *HTTPClient) getRecords(ctx context.Context, table string, q url.Values) ([]Record, error) {
	endpoint := fmt.Sprintf("%s/v1/vaults/%s/%s?%s",
		c.baseURL, url.PathEscape(c.vaultID), url.PathEscape(table), q.Encode())

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp recordsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode records response: %w", err)
	}

	records := make([]Record, 0, len(resp.Records))
	for _, r := range resp.Records {
		records = append(records, r.Fields)
	}
	return records, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, credentialError(err)
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &Error{Class: ClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Class: ClassNetwork, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Class: ClassifyStatus(resp.StatusCode), Message: msg}
	}

	return body, nil
}

// credentialError keeps the class of a classified token failure so an outage
// at the token endpoint is retried like any other transient error. Anything
// else means the credential cannot be used.
func credentialError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	class := ClassOf(err)
	if class == "" {
		class = ClassAuth
	}
	var verr *Error
	status := 0
	if errors.As(err, &verr) {
		status = verr.StatusCode
	}
	return &Error{StatusCode: status, Class: class, Message: "failed to resolve credentials", Err: err}
}
