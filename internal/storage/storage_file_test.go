package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "usage.jsonl")

	store, err := New(context.Background(), "file", path)
	if err != nil {
		t.Fatalf("create file store: %v", err)
	}

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		rec := UsageRecord{RequestID: id, Encoding: "cl100k_base", Tokens: i, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.RecordUsage(context.Background(), rec); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	reloaded, err := New(context.Background(), "jsonl", path)
	if err != nil {
		t.Fatalf("reload file store: %v", err)
	}

	records, err := reloaded.QueryUsage(context.Background(), UsageQuery{Limit: 2})
	if err != nil {
		t.Fatalf("query usage: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].RequestID != "c" || records[1].RequestID != "b" {
		t.Fatalf("unexpected order: %s, %s", records[0].RequestID, records[1].RequestID)
	}
	if records[0].ID != 3 {
		t.Fatalf("expected id 3, got %d", records[0].ID)
	}

	if err := reloaded.RecordUsage(context.Background(), UsageRecord{RequestID: "d"}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	records, err = reloaded.QueryUsage(context.Background(), UsageQuery{RequestID: "d"})
	if err != nil {
		t.Fatalf("query usage: %v", err)
	}
	if len(records) != 1 || records[0].ID != 4 {
		t.Fatalf("expected new record with id 4, got %+v", records)
	}
}

func TestFileStoreCleanupOldRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.jsonl")

	store, err := New(context.Background(), "file", path)
	if err != nil {
		t.Fatalf("create file store: %v", err)
	}

	_ = store.RecordUsage(context.Background(), UsageRecord{RequestID: "old", CreatedAt: time.Now().AddDate(0, 0, -30)})
	_ = store.RecordUsage(context.Background(), UsageRecord{RequestID: "new"})

	removed, err := store.CleanupOldRecords(context.Background(), 1)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed record, got %d", removed)
	}

	reloaded, err := New(context.Background(), "file", path)
	if err != nil {
		t.Fatalf("reload file store: %v", err)
	}
	records, _ := reloaded.QueryUsage(context.Background(), UsageQuery{})
	if len(records) != 1 || records[0].RequestID != "new" {
		t.Fatalf("unexpected records after cleanup: %+v", records)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), "mysql", "user@tcp(localhost)/db"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := New(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error for empty driver")
	}
}
