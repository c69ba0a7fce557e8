package export

import (
	"fmt"

	"vaultdump/internal/config"
	"vaultdump/internal/vault"
)

// DiscoverColumns returns every field seen in rows, in first-seen order.
func DiscoverColumns(rows []vault.Record) []string {
	var columns []string
	seen := make(map[string]bool)
	for _, row := range rows {
		for _, c := range row.Columns() {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}
	return columns
}

// ResolveColumns orders the discovered columns for output: the unique-id column
// first when set, then skyflow_id, then the rest in discovery order.
func ResolveColumns(discovered []string, uniqueID string) ([]string, error) {
	if uniqueID != "" && !contains(discovered, uniqueID) {
		return nil, &config.ConfigurationError{
			Field:  "unique-id-column",
			Reason: fmt.Sprintf("column %q not found in table; rerun without it or use one of %v", uniqueID, discovered),
		}
	}

	pinned := []string{vault.IDColumn}
	if uniqueID != "" && uniqueID != vault.IDColumn {
		pinned = []string{uniqueID, vault.IDColumn}
	}

	columns := append([]string{}, pinned...)
	for _, c := range discovered {
		if !contains(pinned, c) {
			columns = append(columns, c)
		}
	}
	return columns, nil
}

// KeyColumns returns the columns that identify a row in both output files.
func KeyColumns(uniqueID string) []string {
	if uniqueID == "" || uniqueID == vault.IDColumn {
		return []string{vault.IDColumn}
	}
	return []string{uniqueID, vault.IDColumn}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
