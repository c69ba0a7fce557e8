// Package vault is the boundary to the remote record store: the Client
// contract the export pipeline depends on, and its HTTP implementation.
package vault

import (
	"context"
	"fmt"
	"strings"
)

// MaxPageSize is the largest number of rows the service returns per call.
const MaxPageSize = 25

// Redaction controls how sensitive fields are returned.
type Redaction string

const (
	RedactionDefault   Redaction = "DEFAULT"
	RedactionRedacted  Redaction = "REDACTED"
	RedactionMasked    Redaction = "MASKED"
	RedactionPlainText Redaction = "PLAIN_TEXT"
)

// ParseRedaction validates a redaction level name.
func ParseRedaction(s string) (Redaction, error) {
	switch r := Redaction(strings.ToUpper(strings.TrimSpace(s))); r {
	case RedactionDefault, RedactionRedacted, RedactionMasked, RedactionPlainText:
		return r, nil
	default:
		return "", fmt.Errorf("unknown redaction level %q (want DEFAULT, REDACTED, MASKED or PLAIN_TEXT)", s)
	}
}

// Client defines the calls the exporter makes against a vault.
type Client interface {
	// CountRecords returns the number of rows in table.
	CountRecords(ctx context.Context, table string) (int, error)

	// FetchPage returns up to limit rows starting at offset, in ascending order.
	FetchPage(ctx context.Context, table string, redaction Redaction, offset, limit int) ([]Record, error)

	// Tokenize returns the tokenized form of the rows with the given ids.
	Tokenize(ctx context.Context, table string, ids []string) ([]Record, error)
}
