package app

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vaultdump/internal/checkpoint"
)

func TestLoadFailures(t *testing.T) {
	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := LoadFailures(store, ""); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("LoadFailures() on empty ledger = %v, want ErrNoRuns", err)
	}

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b"} {
		run := &checkpoint.RunRecord{ID: id, VaultID: "v", Table: "t", Redaction: "DEFAULT", StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.StartRun(run); err != nil {
			t.Fatal(err)
		}
	}
	store.SavePage(&checkpoint.PageRecord{RunID: "run-a", Index: 1, Offset: 25, Limit: 25, Status: checkpoint.StatusFailed})
	store.SavePage(&checkpoint.PageRecord{RunID: "run-b", Index: 0, Offset: 0, Limit: 25, Status: checkpoint.StatusCompleted})
	store.SavePage(&checkpoint.PageRecord{RunID: "run-b", Index: 3, Offset: 75, Limit: 10, Status: checkpoint.StatusInterrupted})

	latest, err := LoadFailures(store, "")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Run.ID != "run-b" || len(latest.Pages) != 1 || latest.RowsMissing() != 10 {
		t.Errorf("latest report = %+v (%d pages)", latest.Run, len(latest.Pages))
	}

	older, err := LoadFailures(store, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(older.Pages) != 1 || older.Pages[0].Offset != 25 {
		t.Errorf("run-a pages = %+v", older.Pages)
	}

	if _, err := LoadFailures(store, "run-x"); err == nil {
		t.Error("expected error for unknown run")
	}
}
