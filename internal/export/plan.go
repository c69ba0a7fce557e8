// Package export holds the extraction pipeline core: page planning, the
// retrying fetcher, and the aggregator that restores page order before rows
// reach the output files.
package export

import (
	"vaultdump/internal/config"
	"vaultdump/internal/vault"
)

// PageDescriptor identifies one page of the export.
type PageDescriptor struct {
	Index  int
	Offset int
	Limit  int
}

// Plan splits totalRecords into pages of pageSize rows.
func Plan(totalRecords, pageSize int) ([]PageDescriptor, error) {
	if pageSize < 1 || pageSize > vault.MaxPageSize {
		return nil, &config.ConfigurationError{
			Field:  "rows-per-call",
			Reason: "must be between 1 and 25",
		}
	}
	if totalRecords < 0 {
		return nil, &config.ConfigurationError{
			Field:  "total-records",
			Reason: "must not be negative",
		}
	}

	count := (totalRecords + pageSize - 1) / pageSize
	pages := make([]PageDescriptor, 0, count)
	for i := 0; i < count; i++ {
		offset := i * pageSize
		limit := pageSize
		if remaining := totalRecords - offset; remaining < limit {
			limit = remaining
		}
		pages = append(pages, PageDescriptor{Index: i, Offset: offset, Limit: limit})
	}

	return pages, nil
}
