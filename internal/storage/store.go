// Package storage defines the unified Store interface over the gateway's
// persistence. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/castellan/castellan/internal/classifier"
	"github.com/castellan/castellan/internal/requestlog"
	"github.com/castellan/castellan/internal/supervisor"
)

// Driver identifiers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ToolRecord is the persisted identity and analysis of one discovered tool.
// The analysis fields are meaningful only when AnalyzedAt is non-nil; a nil
// AnalyzedAt means the tool is unclassified.
type ToolRecord struct {
	ID          string
	ServerID    string
	Name        string
	Description string
	InputSchema string // JSON-encoded schema as advertised
	Fingerprint string

	IsRead     bool
	IsWrite    bool
	Idempotent bool
	Reversible bool
	AnalyzedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolStore persists tool records.
//
// Upsert registers a tool at discovery time. When an existing record's
// fingerprint differs from the incoming one, the metadata is replaced and
// the analysis is cleared in the same write, so a stale verdict can never
// be read against new metadata.
type ToolStore interface {
	Upsert(ctx context.Context, t *ToolRecord) error
	SaveAnalysis(ctx context.Context, serverID, name, fingerprint string, isRead, isWrite, idempotent, reversible bool, analyzedAt time.Time) error
	Get(ctx context.Context, serverID, name string) (*ToolRecord, error)
	ListByServer(ctx context.Context, serverID string) ([]ToolRecord, error)
	List(ctx context.Context) ([]ToolRecord, error)
}

// Store is the unified persistence interface. Both backends implement it.
type Store interface {
	RequestLogs() requestlog.Store
	Tools() ToolStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// ToolAnalysisSaver adapts a ToolStore to the orchestrator's registry and
// the classifier's persistence contracts: tools are upserted as soon as a
// server reports them, and the durable subset of the classification is
// stored when a verdict arrives.
type ToolAnalysisSaver struct {
	Tools ToolStore
}

// RegisterTool implements orchestrator.ToolRegistry. The record is written
// with a nil analysis; Upsert leaves an existing analysis intact when the
// fingerprint is unchanged.
func (s ToolAnalysisSaver) RegisterTool(ctx context.Context, serverID string, tool supervisor.ToolDescriptor, fingerprint string) error {
	schema, _ := json.Marshal(tool.InputSchema)
	return s.Tools.Upsert(ctx, &ToolRecord{
		ServerID:    serverID,
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: string(schema),
		Fingerprint: fingerprint,
	})
}

// SaveToolAnalysis implements classifier.Store.
func (s ToolAnalysisSaver) SaveToolAnalysis(ctx context.Context, serverID string, tool supervisor.ToolDescriptor, fingerprint string, cl classifier.Classification, analyzedAt time.Time) error {
	schema, _ := json.Marshal(tool.InputSchema)
	if err := s.Tools.Upsert(ctx, &ToolRecord{
		ServerID:    serverID,
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: string(schema),
		Fingerprint: fingerprint,
	}); err != nil {
		return err
	}
	return s.Tools.SaveAnalysis(ctx, serverID, tool.Name, fingerprint,
		cl.IsRead, cl.IsWrite, cl.Idempotent, cl.Reversible, analyzedAt)
}
