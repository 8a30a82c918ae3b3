package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/castellan/castellan/internal/storage"
)

// ToolRepository implements storage.ToolStore.
type ToolRepository struct {
	db *gorm.DB
}

// NewToolRepository creates a ToolRepository.
func NewToolRepository(db *gorm.DB) *ToolRepository {
	return &ToolRepository{db: db}
}

// Upsert creates the tool record or refreshes an existing one. A changed
// fingerprint replaces the metadata and clears the analysis in one write,
// so the record is never half old, half new.
func (r *ToolRepository) Upsert(ctx context.Context, t *storage.ToolRecord) error {
	var existing ToolModel
	err := r.db.WithContext(ctx).
		Where("mcp_server_id = ? AND name = ?", t.ServerID, t.Name).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		model := ToolModel{
			ID:          uuid.NewString(),
			MCPServerID: t.ServerID,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Fingerprint: t.Fingerprint,
		}
		if cerr := r.db.WithContext(ctx).Create(&model).Error; cerr != nil {
			return fmt.Errorf("creating tool record %s/%s: %w", t.ServerID, t.Name, cerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up tool %s/%s: %w", t.ServerID, t.Name, err)
	}

	if existing.Fingerprint == t.Fingerprint {
		return nil
	}

	// Metadata changed: replace it and drop the stale analysis atomically.
	updates := map[string]any{
		"description":  t.Description,
		"input_schema": t.InputSchema,
		"fingerprint":  t.Fingerprint,
		"is_read":      false,
		"is_write":     false,
		"idempotent":   false,
		"reversible":   false,
		"analyzed_at":  nil,
	}
	err = r.db.WithContext(ctx).Model(&ToolModel{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("refreshing tool record %s/%s: %w", t.ServerID, t.Name, err)
	}
	return nil
}

// SaveAnalysis stores a classification verdict. The fingerprint guard
// ensures a verdict computed for an older definition never lands on a
// record that has since been refreshed.
func (r *ToolRepository) SaveAnalysis(ctx context.Context, serverID, name, fingerprint string, isRead, isWrite, idempotent, reversible bool, analyzedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&ToolModel{}).
		Where("mcp_server_id = ? AND name = ? AND fingerprint = ?", serverID, name, fingerprint).
		Updates(map[string]any{
			"is_read":     isRead,
			"is_write":    isWrite,
			"idempotent":  idempotent,
			"reversible":  reversible,
			"analyzed_at": analyzedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("saving analysis for %s/%s: %w", serverID, name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tool %s/%s with fingerprint %s not found", serverID, name, fingerprint)
	}
	return nil
}

// Get returns one tool record.
func (r *ToolRepository) Get(ctx context.Context, serverID, name string) (*storage.ToolRecord, error) {
	var model ToolModel
	err := r.db.WithContext(ctx).
		Where("mcp_server_id = ? AND name = ?", serverID, name).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("tool %s/%s not found", serverID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching tool %s/%s: %w", serverID, name, err)
	}
	rec := toToolDomain(&model)
	return &rec, nil
}

// ListByServer returns all tool records for one server, by name.
func (r *ToolRepository) ListByServer(ctx context.Context, serverID string) ([]storage.ToolRecord, error) {
	var models []ToolModel
	err := r.db.WithContext(ctx).
		Where("mcp_server_id = ?", serverID).
		Order("name ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing tools for %s: %w", serverID, err)
	}
	return toToolDomainSlice(models), nil
}

// List returns every tool record.
func (r *ToolRepository) List(ctx context.Context) ([]storage.ToolRecord, error) {
	var models []ToolModel
	err := r.db.WithContext(ctx).
		Order("mcp_server_id ASC, name ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return toToolDomainSlice(models), nil
}

func toToolDomainSlice(models []ToolModel) []storage.ToolRecord {
	out := make([]storage.ToolRecord, len(models))
	for i := range models {
		out[i] = toToolDomain(&models[i])
	}
	return out
}

func toToolDomain(m *ToolModel) storage.ToolRecord {
	return storage.ToolRecord{
		ID:          m.ID,
		ServerID:    m.MCPServerID,
		Name:        m.Name,
		Description: m.Description,
		InputSchema: m.InputSchema,
		Fingerprint: m.Fingerprint,
		IsRead:      m.IsRead,
		IsWrite:     m.IsWrite,
		Idempotent:  m.Idempotent,
		Reversible:  m.Reversible,
		AnalyzedAt:  m.AnalyzedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
