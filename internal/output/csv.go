// Package output writes exported rows to the primary CSV and, when tokens are
// dumped, to a token CSV kept in lock-step with it.
package output

import (
	"encoding/csv"
	"fmt"
	"os"

	"vaultdump/internal/vault"
)

// WriteError is an I/O failure on an output file. It always aborts the run.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type csvFile struct {
	path   string
	file   *os.File
	writer *csv.Writer
}

func createCSV(path string, header []string) (*csvFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}

	c := &csvFile{path: path, file: f, writer: csv.NewWriter(f)}
	if err := c.writer.Write(header); err != nil {
		f.Close()
		return nil, &WriteError{Path: path, Err: err}
	}
	if err := c.flush(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *csvFile) flush() error {
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return &WriteError{Path: c.path, Err: err}
	}
	return nil
}

func (c *csvFile) close() error {
	flushErr := c.flush()
	if err := c.file.Close(); err != nil && flushErr == nil {
		return &WriteError{Path: c.path, Err: err}
	}
	return flushErr
}

// Writer owns the output files for one run.
type Writer struct {
	columns    []string
	keyColumns map[string]bool
	primary    *csvFile
	tokens     *csvFile
	rows       int
}

// NewWriter creates the primary file, and the token file when tokenPath is
// set, and writes the header to both. Existing files are overwritten.
func NewWriter(primaryPath, tokenPath string, columns, keyColumns []string) (*Writer, error) {
	w := &Writer{
		columns:    columns,
		keyColumns: make(map[string]bool, len(keyColumns)),
	}
	for _, c := range keyColumns {
		w.keyColumns[c] = true
	}

	var err error
	w.primary, err = createCSV(primaryPath, columns)
	if err != nil {
		return nil, err
	}

	if tokenPath != "" {
		w.tokens, err = createCSV(tokenPath, columns)
		if err != nil {
			w.primary.close()
			return nil, err
		}
	}

	return w, nil
}

// WritePage appends one page. tokens is ignored without a token file; a
// missing token record renders as a row with only the key columns filled.
func (w *Writer) WritePage(rows, tokens []vault.Record) error {
	line := make([]string, len(w.columns))

	for i, row := range rows {
		for j, col := range w.columns {
			line[j] = row.String(col)
		}
		if err := w.primary.writer.Write(line); err != nil {
			return &WriteError{Path: w.primary.path, Err: err}
		}

		if w.tokens == nil {
			continue
		}

		var token vault.Record
		if i < len(tokens) {
			token = tokens[i]
		}
		for j, col := range w.columns {
			if w.keyColumns[col] {
				line[j] = row.String(col)
			} else {
				line[j] = token.String(col)
			}
		}
		if err := w.tokens.writer.Write(line); err != nil {
			return &WriteError{Path: w.tokens.path, Err: err}
		}
	}

	if err := w.primary.flush(); err != nil {
		return err
	}
	if w.tokens != nil {
		if err := w.tokens.flush(); err != nil {
			return err
		}
	}

	w.rows += len(rows)
	return nil
}

// Rows returns the number of data rows written so far
func (w *Writer) Rows() int {
	return w.rows
}

// Close flushes and closes both files
func (w *Writer) Close() error {
	err := w.primary.close()
	if w.tokens != nil {
		if tokErr := w.tokens.close(); err == nil {
			err = tokErr
		}
	}
	return err
}
