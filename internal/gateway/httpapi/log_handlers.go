package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/castellan/castellan/internal/requestlog"
	"github.com/jkaninda/okapi"
)

// LogPageResponse is one page of request log entries.
type LogPageResponse struct {
	Data     []requestlog.Entry `json:"data"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// LogDeleteResponse reports how many entries a delete removed.
type LogDeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// logFilters builds requestlog filters from query parameters.
// Timestamps are RFC 3339; malformed values are ignored.
func logFilters(r *http.Request) requestlog.Filters {
	q := r.URL.Query()
	f := requestlog.Filters{
		ServerID: q.Get("server_id"),
		Method:   q.Get("method"),
		Status:   q.Get("status"),
		Search:   q.Get("search"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	return f
}

func (g *Gateway) handleLogList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	page, pageSize = requestlog.NormalizePage(page, pageSize)

	result, err := g.logs.Query(c.Context(), logFilters(c.Request()), page, pageSize)
	if err != nil {
		g.logger.Error("request log query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("log query failed")
	}

	return c.OK(LogPageResponse{
		Data:     result.Data,
		Total:    result.Total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (g *Gateway) handleLogStats(c *okapi.Context) error {
	stats, err := g.logs.Stats(c.Context(), logFilters(c.Request()))
	if err != nil {
		g.logger.Error("request log stats failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("log stats failed")
	}
	return c.OK(stats)
}

func (g *Gateway) handleLogGet(c *okapi.Context) error {
	entry, err := g.logs.Get(c.Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "log entry not found"})
	}
	return c.OK(entry)
}

// handleLogDelete clears the request log. With clear_all=true every entry
// goes; otherwise only entries older than the retention window are removed.
func (g *Gateway) handleLogDelete(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	clearAll, _ := strconv.ParseBool(c.Request().URL.Query().Get("clear_all"))

	var (
		deleted int64
		err     error
	)
	if clearAll {
		deleted, err = g.logs.ClearAll(c.Context())
	} else {
		days := g.config.RetentionDays
		if days <= 0 {
			days = 7
		}
		deleted, err = g.logs.CleanupOlderThan(c.Context(), days)
	}
	if err != nil {
		g.logger.Error("request log delete failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("log delete failed")
	}

	g.logger.Info("request log entries deleted",
		slog.Int64("deleted", deleted),
		slog.Bool("clear_all", clearAll),
	)
	return c.OK(LogDeleteResponse{Deleted: deleted})
}
