package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/fsaudit/internal/audit"
	"github.com/xela07ax/fsaudit/internal/repository/sqlite"
)

// AuditLogProvider описывает контракт для чтения данных журнала.
// Используем модель Event из пакета audit, чтобы сохранить единую модель данных.
type AuditLogProvider interface {
	Search(ctx context.Context, f sqlite.SearchFilter) ([]audit.Event, error)
	Stats(ctx context.Context) (*sqlite.Stats, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs запрашивает события с фильтрацией.
// Логика пустых фильтров инкапсулирована в репозитории.
func (s *AuditService) FetchLogs(ctx context.Context, f sqlite.SearchFilter) ([]audit.Event, error) {
	logs, err := s.repo.Search(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

// FetchStats возвращает агрегаты журнала для дашборда.
func (s *AuditService) FetchStats(ctx context.Context) (*sqlite.Stats, error) {
	st, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch stats: %w", err)
	}
	return st, nil
}
