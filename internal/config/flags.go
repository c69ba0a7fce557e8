package config

import (
	"github.com/spf13/pflag"
)

// RegisterFlags declares every flag Load knows how to read.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()

	// Vault flags
	fs.String("vault-id", "", "Vault ID (required)")
	fs.String("vault-url", "", "Vault URL, e.g. identifier.vault.skyflowapis.com (required)")
	fs.String("credentials-file", "", "Path to the service account credentials JSON file (required if --bearer-token is not set)")
	fs.String("bearer-token", "", "Bearer token to call the API (required if --credentials-file is not set)")

	// Export flags
	fs.String("table", "", "Table name in the vault (required)")
	fs.String("redaction", "", "Redaction level: DEFAULT, REDACTED, MASKED or PLAIN_TEXT (required)")
	fs.String("output", "", "Path to the output CSV file (required)")
	fs.String("output-token-data", "", "Path to the output tokens CSV file (requires --dump-tokens)")
	fs.Bool("dump-tokens", false, "Dump tokens in a separate CSV file")
	fs.Int("max-parallel", d.Export.MaxParallel, "Maximum number of parallel API calls (1-7)")
	fs.Int("rows-per-call", d.Export.RowsPerCall, "Rows to retrieve per API call (max 25)")
	fs.String("unique-id-column", "", "Column written first in the output CSV and used to key token rows")
	fs.String("log-error", d.Export.LogError, "File path for the error log")
	fs.Int("retries", d.Export.Retries, "Maximum attempts per API call")
	fs.Int("retry-backoff-ms", d.Export.RetryBackoffMs, "Initial retry backoff in milliseconds")
	fs.Int("request-timeout-s", d.Export.RequestTimeoutS, "Timeout per API call in seconds")
	fs.String("ledger", d.Export.Ledger, "Run ledger database file (empty disables it)")
	fs.Bool("show-progress", d.Export.ShowProgress, "Show progress bar")

	// Upload flags
	fs.String("upload-endpoint", "", "S3-compatible endpoint for uploading run artifacts")
	fs.String("upload-access-key", "", "Upload access key")
	fs.String("upload-secret-key", "", "Upload secret key")
	fs.Bool("upload-secure", d.Upload.Secure, "Use HTTPS for uploads")
	fs.String("upload-bucket", "", "Bucket to upload run artifacts to (empty disables upload)")
	fs.String("upload-prefix", "", "Object key prefix for uploaded artifacts")

	fs.String("metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090 (empty disables it)")
	fs.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
}
