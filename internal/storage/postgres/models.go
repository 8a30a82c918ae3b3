package postgres

import "time"

// ToolModel is the GORM mapping for the tools table. One row per tool per
// server; (mcp_server_id, name) is the natural key.
type ToolModel struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	MCPServerID string `gorm:"column:mcp_server_id;uniqueIndex:idx_tools_server_name"`
	Name        string `gorm:"uniqueIndex:idx_tools_server_name"`
	Description string `gorm:"type:text"`
	InputSchema string `gorm:"type:text"`
	Fingerprint string `gorm:"index"`

	IsRead     bool
	IsWrite    bool
	Idempotent bool
	Reversible bool
	AnalyzedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides GORM's pluralization.
func (ToolModel) TableName() string { return "tools" }

// RequestLogModel is the GORM mapping for the request_logs table.
// Append-only: rows leave only through retention cleanup.
type RequestLogModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	ServerID   string `gorm:"index"`
	Method     string `gorm:"index"`
	Arguments  string `gorm:"type:text"`
	Status     string `gorm:"index"`
	Response   string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	DurationMs int64
	ClientID   string
	CreatedAt  time.Time `gorm:"index"`
}

func (RequestLogModel) TableName() string { return "request_logs" }
