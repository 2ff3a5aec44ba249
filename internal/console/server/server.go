package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/fsaudit/internal/console/handler"
	"github.com/xela07ax/fsaudit/internal/infra"
	"go.uber.org/zap"
)

// ConsoleServer — локальный read-only API поверх файла журнала.
// Читатели работают параллельно с писателем под изоляцией WAL;
// сам сервер не содержит ни одного пути записи в audit_events.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	auditHandler *handler.AuditHandler // /v1/audit
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(cfg *infra.Config, logger *zap.Logger, auditH *handler.AuditHandler) *ConsoleServer {
	s := &ConsoleServer{
		router:       chi.NewRouter(),
		logger:       logger.Named("console-api"),
		cfg:          cfg,
		auditHandler: auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// Глобальные инфраструктурные Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Healthcheck для мониторинга
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Журнал аудита (read-only)
	r.Route("/v1/audit", func(r chi.Router) {
		r.Get("/", s.auditHandler.GetLogs)       // фильтры: type, contains, limit
		r.Get("/stats", s.auditHandler.GetStats) // агрегаты по типам
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
