package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/xela07ax/fsaudit/internal/console/service"
	"github.com/xela07ax/fsaudit/internal/repository/sqlite"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает события журнала с поддержкой фильтрации
// GET /v1/audit?type=created&contains=report&limit=50
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := h.service.FetchLogs(r.Context(), sqlite.SearchFilter{
		EventType: q.Get("type"),
		Contains:  q.Get("contains"),
		Limit:     limit,
	})
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(logs)
}

// GetStats возвращает агрегаты журнала
// GET /v1/audit/stats
func (h *AuditHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.FetchStats(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch audit stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}
