package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/castellan/castellan/internal/requestlog"
)

// RequestLogRepository implements requestlog.Store. Append-only: no Update
// method exists on this type; rows leave only through retention cleanup.
type RequestLogRepository struct {
	db *gorm.DB
}

// NewRequestLogRepository creates a RequestLogRepository.
func NewRequestLogRepository(db *gorm.DB) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

// Append inserts a single log entry, assigning an ID when missing.
func (r *RequestLogRepository) Append(ctx context.Context, e *requestlog.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	model := toLogModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending request log entry: %w", err)
	}
	return nil
}

// Query returns one page of entries matching the filters, newest first,
// plus the total match count.
func (r *RequestLogRepository) Query(ctx context.Context, f requestlog.Filters, page, pageSize int) (*requestlog.Page, error) {
	page, pageSize = requestlog.NormalizePage(page, pageSize)

	var total int64
	if err := r.filtered(ctx, f).Model(&RequestLogModel{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting request log entries: %w", err)
	}

	var models []RequestLogModel
	err := r.filtered(ctx, f).Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying request log: %w", err)
	}

	entries := make([]requestlog.Entry, len(models))
	for i := range models {
		entries[i] = toLogDomain(&models[i])
	}
	return &requestlog.Page{Data: entries, Total: total}, nil
}

// Get returns a single entry by ID.
func (r *RequestLogRepository) Get(ctx context.Context, id string) (*requestlog.Entry, error) {
	var model RequestLogModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("request log entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching request log entry: %w", err)
	}
	e := toLogDomain(&model)
	return &e, nil
}

// Stats aggregates counts and average duration over matching entries.
func (r *RequestLogRepository) Stats(ctx context.Context, f requestlog.Filters) (*requestlog.Stats, error) {
	stats := &requestlog.Stats{RequestsPerServer: make(map[string]int64)}

	var agg struct {
		Total   int64
		Success int64
		Errors  int64
		AvgMs   float64
	}
	err := r.filtered(ctx, f).Model(&RequestLogModel{}).
		Select(
			"COUNT(*) AS total, " +
				"COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS success, " +
				"COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) AS errors, " +
				"COALESCE(AVG(duration_ms), 0) AS avg_ms",
		).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating request log stats: %w", err)
	}
	stats.TotalRequests = agg.Total
	stats.SuccessCount = agg.Success
	stats.ErrorCount = agg.Errors
	stats.AvgDurationMs = agg.AvgMs

	var perServer []struct {
		ServerID string
		Count    int64
	}
	err = r.filtered(ctx, f).Model(&RequestLogModel{}).
		Select("server_id, COUNT(*) AS count").
		Group("server_id").
		Scan(&perServer).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating per-server counts: %w", err)
	}
	for _, row := range perServer {
		stats.RequestsPerServer[row.ServerID] = row.Count
	}
	return stats, nil
}

// CleanupOlderThan deletes entries created strictly before now minus the
// given number of days. An entry exactly at the boundary is retained.
func (r *RequestLogRepository) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&RequestLogModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleaning up request log: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ClearAll deletes every entry.
func (r *RequestLogRepository) ClearAll(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&RequestLogModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("clearing request log: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// filtered builds the WHERE clause shared by Query and Stats.
func (r *RequestLogRepository) filtered(ctx context.Context, f requestlog.Filters) *gorm.DB {
	q := r.db.WithContext(ctx)
	if f.ServerID != "" {
		q = q.Where("server_id = ?", f.ServerID)
	}
	if f.Method != "" {
		q = q.Where("method = ?", f.Method)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("method LIKE ? OR arguments LIKE ? OR error LIKE ?", like, like, like)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}
	return q
}

func toLogModel(e *requestlog.Entry) RequestLogModel {
	return RequestLogModel{
		ID:         e.ID,
		ServerID:   e.ServerID,
		Method:     e.Method,
		Arguments:  e.Arguments,
		Status:     e.Status,
		Response:   e.Response,
		Error:      e.Error,
		DurationMs: e.DurationMs,
		ClientID:   e.ClientID,
		CreatedAt:  e.CreatedAt,
	}
}

func toLogDomain(m *RequestLogModel) requestlog.Entry {
	return requestlog.Entry{
		ID:         m.ID,
		ServerID:   m.ServerID,
		Method:     m.Method,
		Arguments:  m.Arguments,
		Status:     m.Status,
		Response:   m.Response,
		Error:      m.Error,
		DurationMs: m.DurationMs,
		ClientID:   m.ClientID,
		CreatedAt:  m.CreatedAt,
	}
}
