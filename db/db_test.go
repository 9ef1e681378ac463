package db_test

import (
	"context"
	"testing"

	"github.com/loudwire/spacetap/completion"
	"github.com/loudwire/spacetap/db"
	"github.com/loudwire/spacetap/testutil"
)

func TestKVRoundTrip(t *testing.T) {
	tdb := testutil.SetupTestDB(t)
	ctx := context.Background()

	got, err := db.GetKV(ctx, tdb, "never-set")
	if err != nil {
		t.Fatalf("get absent key: %v", err)
	}
	if got != "" {
		t.Fatalf("absent key = %q, want empty", got)
	}

	if err := db.SetKV(ctx, tdb, "greeting", "hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.SetKV(ctx, tdb, "greeting", "hello again"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = db.GetKV(ctx, tdb, "greeting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hello again" {
		t.Fatalf("value = %q", got)
	}

	if err := db.DeleteKV(ctx, tdb, "greeting"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.DeleteKV(ctx, tdb, "greeting"); err != nil {
		t.Fatalf("delete absent key: %v", err)
	}
	got, err = db.GetKV(ctx, tdb, "greeting")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != "" {
		t.Fatalf("value after delete = %q", got)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	tdb := testutil.SetupTestDB(t)
	ctx := context.Background()

	const key = "sk-live-round-trip-456"
	if err := db.SetAPIKey(ctx, tdb, key); err != nil {
		t.Fatalf("set api key: %v", err)
	}
	apiKey, _, err := db.GetSettings(ctx, tdb)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if apiKey != key {
		t.Fatalf("api key = %q, want %q", apiKey, key)
	}

	if err := db.DeleteKV(ctx, tdb, db.KeyAPIKey); err != nil {
		t.Fatalf("delete api key: %v", err)
	}
	apiKey, _, err = db.GetSettings(ctx, tdb)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if apiKey != "" {
		t.Fatalf("api key after delete = %q", apiKey)
	}
}

func TestGetSettingsModelDefault(t *testing.T) {
	tdb := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.DeleteKV(ctx, tdb, db.KeyAPIModel); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	_, model, err := db.GetSettings(ctx, tdb)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if model != db.DefaultModel {
		t.Fatalf("model = %q, want default %q", model, db.DefaultModel)
	}

	if err := db.SetKV(ctx, tdb, db.KeyAPIModel, "dall-e-3"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	_, model, err = db.GetSettings(ctx, tdb)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if model != "dall-e-3" {
		t.Fatalf("model = %q", model)
	}
}

func TestSeedDefaultsDoesNotOverwrite(t *testing.T) {
	tdb := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.SetKV(ctx, tdb, db.KeyAPIModel, "custom-model"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	if err := db.SeedDefaults(ctx, tdb); err != nil {
		t.Fatalf("seed: %v", err)
	}
	model, err := db.GetKV(ctx, tdb, db.KeyAPIModel)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if model != "custom-model" {
		t.Fatalf("seed overwrote model: %q", model)
	}

	if err := db.DeleteKV(ctx, tdb, db.KeyAPIModel); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	if err := db.SeedDefaults(ctx, tdb); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	model, err = db.GetKV(ctx, tdb, db.KeyAPIModel)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if model != db.DefaultModel {
		t.Fatalf("model after reseed = %q", model)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	tdb := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.ClearHistory(ctx, tdb); err != nil {
		t.Fatalf("clear: %v", err)
	}
	history, err := db.LoadHistory(ctx, tdb)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history not empty after clear: %d entries", len(history))
	}

	stored := []completion.Message{
		{Role: "system", Content: "background"},
		{Role: "user", Content: "who is speaking?"},
		{Role: "assistant", Content: "the host"},
	}
	if err := db.SaveHistory(ctx, tdb, stored); err != nil {
		t.Fatalf("save: %v", err)
	}
	history, err = db.LoadHistory(ctx, tdb)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	for i := range stored {
		if history[i] != stored[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, history[i], stored[i])
		}
	}
}

func TestSegmentStats(t *testing.T) {
	tdb := testutil.SetupTestDB(t)
	ctx := context.Background()

	if _, err := tdb.ExecContext(ctx, `DELETE FROM segments`); err != nil {
		t.Fatalf("reset segments: %v", err)
	}
	if err := db.InsertSegment(ctx, tdb, "session-a", 1024, false, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.InsertSegment(ctx, tdb, "session-a", 2048, false, "relay returned 500"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.InsertSegment(ctx, tdb, "session-a", 8192, true, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err := db.GetSegmentStats(ctx, tdb)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d", stats.Total)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed = %d", stats.Failed)
	}
}

func TestStoreAdapter(t *testing.T) {
	tdb := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.Store{DB: tdb}

	if err := db.SetKV(ctx, tdb, db.KeyAPIModel, "gpt-4o"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	_, model, err := store.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if model != "gpt-4o" {
		t.Fatalf("model = %q", model)
	}

	turn := []completion.Message{{Role: "user", Content: "hi"}}
	if err := store.SaveHistory(ctx, turn); err != nil {
		t.Fatalf("save history: %v", err)
	}
	history, err := store.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hi" {
		t.Fatalf("history = %+v", history)
	}

	if err := store.RecordSegment(ctx, "session-b", 512, true, ""); err != nil {
		t.Fatalf("record segment: %v", err)
	}
}
