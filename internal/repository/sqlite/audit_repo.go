package sqlite

/*
Файл audit_repo.go реализует встраиваемое хранилище аудиторского журнала
поверх SQLite (файл на диске, без сервера).

Ключевые решения:
- WAL + single writer: журнал в режиме Write-Ahead Logging, пул соединений
  зажат до одного открытого коннекта (SetMaxOpenConns(1)). Конкурентные
  Append сериализуются самим пулом, читатели (console) работают параллельно
  под изоляцией WAL.
- Append-only: репозиторий не содержит ни UPDATE, ни DELETE по audit_events.
  Любая «коррекция» журнала — административное действие вне системы.
- Reliability: транзиентные SQLITE_BUSY/SQLITE_LOCKED повторяются с
  экспоненциальным бэкоффом (до 5 попыток); это единственный повторяемый
  класс отказов. Сверху — Circuit Breaker: мёртвый файл БД отсекается сразу,
  не сжигая бюджет повторов на каждом событии.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/fsaudit/internal/audit"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  event_time      TEXT    NOT NULL,
  event_type      TEXT    NOT NULL,
  src_path        TEXT,
  dest_path       TEXT,
  file_size_bytes INTEGER,
  sha256          TEXT,
  extra_json      TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_time ON audit_events(event_time);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_events_src  ON audit_events(src_path);
`

const appendAttempts = 5

type AuditRepo struct {
	db     *sql.DB
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewAuditRepo открывает (или создает) файл БД и настраивает соединение.
// Каталог под файл создается при необходимости.
func NewAuditRepo(path string, logger *zap.Logger) (*AuditRepo, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// _busy_timeout подстраховывает на уровне драйвера, бэкофф — на нашем
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite живет лучше всего с одним писателем
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fsaudit-sqlite",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &AuditRepo{
		db:     db,
		cb:     cb,
		logger: logger.With(zap.String("mod", "audit_repo"), zap.String("db", path)),
	}, nil
}

// InitSchema создает таблицу и индексы, если их еще нет.
// Идемпотентна: безопасно вызывать при каждом старте процесса,
// существующие данные не трогаются.
func (r *AuditRepo) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return &PersistenceError{Op: "init schema", Cause: err}
	}
	return nil
}

// Append вставляет ровно одну полностью заполненную строку журнала и
// возвращает присвоенный суррогатный ключ. Каждая вставка — отдельная
// атомарная транзакция: либо строка целиком, либо ничего.
func (r *AuditRepo) Append(ctx context.Context, ev audit.Event) (int64, error) {
	var extraJSON *string
	if ev.Extra != nil {
		raw, err := json.Marshal(ev.Extra)
		if err != nil {
			return 0, &PersistenceError{Op: "append", Cause: fmt.Errorf("marshal extra: %w", err)}
		}
		s := string(raw)
		extraJSON = &s
	}

	timeStr := ev.EventTime.UTC().Format(time.RFC3339Nano)

	result, err := r.cb.Execute(func() (interface{}, error) {
		var id int64

		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(appendAttempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(10*time.Millisecond),
			// Повторяем только транзиентную контенцию писателя
			retry.RetryIf(isTransientLock),
			retry.OnRetry(func(n uint, err error) {
				r.logger.Warn("append retry: writer busy",
					zap.Uint("attempt", n+1),
					zap.Error(err),
				)
			}),
		)

		retryErr := rt.Do(func() error {
			res, execErr := r.db.ExecContext(ctx, `
				INSERT INTO audit_events (
				  event_time, event_type, src_path, dest_path,
				  file_size_bytes, sha256, extra_json
				)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				timeStr,
				string(ev.EventType),
				ev.SrcPath,
				ev.DestPath,
				ev.FileSizeBytes,
				ev.SHA256,
				extraJSON,
			)
			if execErr != nil {
				return execErr
			}
			var idErr error
			id, idErr = res.LastInsertId()
			return idErr
		})

		return id, retryErr
	})

	if err != nil {
		return 0, &PersistenceError{Op: "append", Cause: err}
	}
	return result.(int64), nil
}

// isTransientLock распознает контенцию писателя SQLite (database is locked).
func isTransientLock(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return false
}

const selectColumns = `id, event_time, event_type, src_path, dest_path, file_size_bytes, sha256, extra_json`

// Latest возвращает последние события журнала (новые первыми).
func (r *AuditRepo) Latest(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM audit_events
		ORDER BY id DESC
		LIMIT ?`, selectColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SearchFilter — параметры выборки для console API.
type SearchFilter struct {
	EventType string // точное совпадение event_type; пусто = все
	Contains  string // подстрока в src_path или dest_path
	Limit     int
}

// Search выполняет фильтрованную выборку (новые первыми).
// Фильтры компонуются через AND; пустые — опускаются.
func (r *AuditRepo) Search(ctx context.Context, f SearchFilter) ([]audit.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var conds []string
	var args []interface{}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Contains != "" {
		conds = append(conds, "(src_path LIKE ? OR dest_path LIKE ?)")
		pat := "%" + f.Contains + "%"
		args = append(args, pat, pat)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM audit_events
		%s
		ORDER BY id DESC
		LIMIT ?`, selectColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query search: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Stats — агрегаты журнала для дашборда console.
type Stats struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"by_type"`
}

// Stats считает общее число строк и разбивку по типам событий.
func (r *AuditRepo) Stats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM audit_events
		GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{ByType: make(map[string]int64)}
	for rows.Next() {
		var typ string
		var cnt int64
		if err := rows.Scan(&typ, &cnt); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		st.ByType[typ] = cnt
		st.Total += cnt
	}
	return st, rows.Err()
}

func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var out []audit.Event
	for rows.Next() {
		var (
			ev        audit.Event
			timeStr   string
			typeStr   string
			src, dst  sql.NullString
			size      sql.NullInt64
			sum       sql.NullString
			extraJSON sql.NullString
		)
		if err := rows.Scan(&ev.ID, &timeStr, &typeStr, &src, &dst, &size, &sum, &extraJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}

		ts, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("parse event_time %q: %w", timeStr, err)
		}
		ev.EventTime = ts
		ev.EventType = audit.EventType(typeStr)

		if src.Valid {
			ev.SrcPath = &src.String
		}
		if dst.Valid {
			ev.DestPath = &dst.String
		}
		if size.Valid {
			ev.FileSizeBytes = &size.Int64
		}
		if sum.Valid {
			ev.SHA256 = &sum.String
		}
		if extraJSON.Valid && extraJSON.String != "" {
			if err := json.Unmarshal([]byte(extraJSON.String), &ev.Extra); err != nil {
				return nil, fmt.Errorf("parse extra_json: %w", err)
			}
		}

		out = append(out, ev)
	}
	return out, rows.Err()
}
