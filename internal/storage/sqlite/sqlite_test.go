package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/requestlog"
	"github.com/castellan/castellan/internal/storage"
	"github.com/castellan/castellan/internal/supervisor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func appendEntry(t *testing.T, logs requestlog.Store, e requestlog.Entry) {
	t.Helper()
	if err := logs.Append(context.Background(), &e); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestRequestLogStats(t *testing.T) {
	s := openTestStore(t)
	logs := s.RequestLogs()

	appendEntry(t, logs, requestlog.Entry{ServerID: "fs", Method: "read_file", Status: requestlog.StatusSuccess, DurationMs: 100})
	appendEntry(t, logs, requestlog.Entry{ServerID: "fs", Method: "write_file", Status: requestlog.StatusError, DurationMs: 200, Error: "denied"})

	stats, err := logs.Stats(context.Background(), requestlog.Filters{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRequests != 2 {
		t.Errorf("total = %d, want 2", stats.TotalRequests)
	}
	if stats.SuccessCount != 1 || stats.ErrorCount != 1 {
		t.Errorf("success/error = %d/%d, want 1/1", stats.SuccessCount, stats.ErrorCount)
	}
	if stats.AvgDurationMs != 150 {
		t.Errorf("avg duration = %v, want 150", stats.AvgDurationMs)
	}
	if stats.RequestsPerServer["fs"] != 2 {
		t.Errorf("per-server = %v", stats.RequestsPerServer)
	}
}

func TestRequestLogCleanupBoundary(t *testing.T) {
	s := openTestStore(t)
	logs := s.RequestLogs()
	now := time.Now().UTC()

	appendEntry(t, logs, requestlog.Entry{ID: "five", ServerID: "fs", Method: "m", Status: requestlog.StatusSuccess, CreatedAt: now.Add(-5 * 24 * time.Hour)})
	appendEntry(t, logs, requestlog.Entry{ID: "seven", ServerID: "fs", Method: "m", Status: requestlog.StatusSuccess, CreatedAt: now.Add(-7 * 24 * time.Hour).Add(time.Minute)})
	appendEntry(t, logs, requestlog.Entry{ID: "eight", ServerID: "fs", Method: "m", Status: requestlog.StatusSuccess, CreatedAt: now.Add(-8 * 24 * time.Hour)})

	deleted, err := logs.CleanupOlderThan(context.Background(), 7)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	if _, err := logs.Get(context.Background(), "five"); err != nil {
		t.Errorf("5-day entry removed: %v", err)
	}
	if _, err := logs.Get(context.Background(), "seven"); err != nil {
		t.Errorf("7-day boundary entry removed: %v", err)
	}
	if _, err := logs.Get(context.Background(), "eight"); err == nil {
		t.Error("8-day entry survived cleanup")
	}
}

func TestRequestLogPagination(t *testing.T) {
	s := openTestStore(t)
	logs := s.RequestLogs()

	for i := 0; i < 120; i++ {
		appendEntry(t, logs, requestlog.Entry{ServerID: "fs", Method: "m", Status: requestlog.StatusError})
	}
	appendEntry(t, logs, requestlog.Entry{ServerID: "fs", Method: "m", Status: requestlog.StatusSuccess})

	page, err := logs.Query(context.Background(), requestlog.Filters{Status: requestlog.StatusError}, 1, 50)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Data) != 50 {
		t.Errorf("page size = %d, want 50", len(page.Data))
	}
	if page.Total != 120 {
		t.Errorf("total = %d, want 120", page.Total)
	}

	// Last page carries the remainder.
	page, err = logs.Query(context.Background(), requestlog.Filters{Status: requestlog.StatusError}, 3, 50)
	if err != nil {
		t.Fatalf("Query page 3: %v", err)
	}
	if len(page.Data) != 20 {
		t.Errorf("page 3 size = %d, want 20", len(page.Data))
	}
}

func TestRequestLogQueryFilters(t *testing.T) {
	s := openTestStore(t)
	logs := s.RequestLogs()
	now := time.Now().UTC()

	appendEntry(t, logs, requestlog.Entry{ServerID: "fs", Method: "read_file", Status: requestlog.StatusSuccess, CreatedAt: now.Add(-2 * time.Hour)})
	appendEntry(t, logs, requestlog.Entry{ServerID: "db", Method: "query", Status: requestlog.StatusSuccess, Arguments: `{"sql":"select 1"}`, CreatedAt: now.Add(-time.Hour)})
	appendEntry(t, logs, requestlog.Entry{ServerID: "db", Method: "exec", Status: requestlog.StatusError, Error: "syntax error", CreatedAt: now})

	page, err := logs.Query(context.Background(), requestlog.Filters{ServerID: "db"}, 1, 50)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("server filter total = %d, want 2", page.Total)
	}

	page, _ = logs.Query(context.Background(), requestlog.Filters{Search: "syntax"}, 1, 50)
	if page.Total != 1 || page.Data[0].Method != "exec" {
		t.Errorf("search results = %+v", page)
	}

	page, _ = logs.Query(context.Background(), requestlog.Filters{From: now.Add(-90 * time.Minute)}, 1, 50)
	if page.Total != 2 {
		t.Errorf("date filter total = %d, want 2", page.Total)
	}

	// Newest first.
	page, _ = logs.Query(context.Background(), requestlog.Filters{}, 1, 50)
	if page.Data[0].Method != "exec" {
		t.Errorf("first entry = %s, want exec", page.Data[0].Method)
	}
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)
	logs := s.RequestLogs()

	for i := 0; i < 5; i++ {
		appendEntry(t, logs, requestlog.Entry{ServerID: "fs", Method: "m", Status: requestlog.StatusSuccess})
	}
	deleted, err := logs.ClearAll(context.Background())
	if err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("deleted = %d, want 5", deleted)
	}
	page, _ := logs.Query(context.Background(), requestlog.Filters{}, 1, 50)
	if page.Total != 0 {
		t.Fatalf("total after clear = %d, want 0", page.Total)
	}
}

func TestToolUpsertAndAnalysis(t *testing.T) {
	s := openTestStore(t)
	tools := s.Tools()
	ctx := context.Background()

	rec := &storage.ToolRecord{
		ServerID:    "fs",
		Name:        "read_file",
		Description: "Read a file",
		InputSchema: `{"type":"object"}`,
		Fingerprint: "fp1",
	}
	if err := tools.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := tools.Get(ctx, "fs", "read_file")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AnalyzedAt != nil {
		t.Fatal("new tool already analyzed")
	}

	when := time.Now().UTC()
	if err := tools.SaveAnalysis(ctx, "fs", "read_file", "fp1", true, false, true, true, when); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	got, _ = tools.Get(ctx, "fs", "read_file")
	if got.AnalyzedAt == nil || !got.IsRead || got.IsWrite {
		t.Fatalf("analysis not persisted: %+v", got)
	}

	// A changed fingerprint refreshes metadata and clears the analysis.
	rec.Description = "Read a file, following symlinks"
	rec.Fingerprint = "fp2"
	if err := tools.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, _ = tools.Get(ctx, "fs", "read_file")
	if got.AnalyzedAt != nil {
		t.Fatal("stale analysis survived fingerprint change")
	}
	if got.Fingerprint != "fp2" {
		t.Fatalf("fingerprint = %s, want fp2", got.Fingerprint)
	}

	// A verdict for the old fingerprint no longer applies.
	if err := tools.SaveAnalysis(ctx, "fs", "read_file", "fp1", true, false, true, true, when); err == nil {
		t.Fatal("stale-fingerprint SaveAnalysis succeeded")
	}
}

func TestRegisterToolAtDiscovery(t *testing.T) {
	s := openTestStore(t)
	saver := storage.ToolAnalysisSaver{Tools: s.Tools()}
	ctx := context.Background()

	tool := supervisor.ToolDescriptor{
		Name:        "read_file",
		Description: "Read a file",
		InputSchema: map[string]any{"type": "object"},
	}
	if err := saver.RegisterTool(ctx, "fs", tool, "fp1"); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	// Registered at discovery means a record exists before any verdict.
	got, err := s.Tools().Get(ctx, "fs", "read_file")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AnalyzedAt != nil {
		t.Fatal("freshly discovered tool already analyzed")
	}
	if got.Description != "Read a file" || got.Fingerprint != "fp1" {
		t.Fatalf("record = %+v", got)
	}

	// A later verdict fills the analysis in place.
	when := time.Now().UTC()
	if err := s.Tools().SaveAnalysis(ctx, "fs", "read_file", "fp1", true, false, true, true, when); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}

	// Re-registering the same fingerprint keeps the verdict.
	if err := saver.RegisterTool(ctx, "fs", tool, "fp1"); err != nil {
		t.Fatalf("second RegisterTool: %v", err)
	}
	got, _ = s.Tools().Get(ctx, "fs", "read_file")
	if got.AnalyzedAt == nil || !got.IsRead {
		t.Fatalf("analysis lost on re-registration: %+v", got)
	}
}

func TestToolList(t *testing.T) {
	s := openTestStore(t)
	tools := s.Tools()
	ctx := context.Background()

	for _, name := range []string{"write_file", "read_file"} {
		if err := tools.Upsert(ctx, &storage.ToolRecord{ServerID: "fs", Name: name, Fingerprint: name}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := tools.Upsert(ctx, &storage.ToolRecord{ServerID: "db", Name: "query", Fingerprint: "q"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	byServer, err := tools.ListByServer(ctx, "fs")
	if err != nil {
		t.Fatalf("ListByServer: %v", err)
	}
	if len(byServer) != 2 || byServer[0].Name != "read_file" {
		t.Fatalf("ListByServer = %+v", byServer)
	}

	all, err := tools.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List size = %d, want 3", len(all))
	}
}
