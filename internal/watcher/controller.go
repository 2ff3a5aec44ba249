package watcher

/*
Файл controller.go реализует контроллер наблюдения — владельца жизненного
цикла конвейера «уведомление ФС -> нормализация -> хэш -> журнал».

Ключевые особенности архитектуры:
- Non-blocking intake: горутина-продюсер читает события fsnotify и кладет их
  в ограниченную очередь неблокирующей отправкой (Load Shedding). Источник
  уведомлений ОС не блокируется никогда: блокировка заставила бы ядро
  склеивать или терять дальнейшие уведомления.
- Single consumer: очередь вычитывает ровно один drain-воркер, поэтому записи
  в Store естественно сериализуются, а FIFO-порядок принятых событий
  сохраняется без пересортировок по пути или типу.
- Drain Pattern & Graceful Shutdown: остановка закрывает подписку, дожидается
  выхода продюсера, закрывает очередь и ждет, пока воркер допишет остаток.
  По истечении дедлайна остаток бросается, но каждый брошенный — посчитан.
- Continuity over completeness: отказ хэшера или исчерпание бюджета повторов
  Store деградируют одно событие, но никогда не останавливают конвейер.
  Фатальна только потеря самой подписки.
*/

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/xela07ax/fsaudit/internal/audit"
	"go.uber.org/zap"
)

// State — фаза жизненного цикла контроллера.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// SubscriptionError — подписка на уведомления не установилась или умерла
// на ходу. В отличие от пособытийных отказов это тотальная потеря
// наблюдения: контроллер останавливается, оператор должен узнать.
type SubscriptionError struct {
	Dir   string
	Cause error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("watch subscription failed for %s: %v", e.Dir, e.Cause)
}

func (e *SubscriptionError) Unwrap() error { return e.Cause }

// EventStore определяет, куда физически ложатся строки журнала.
type EventStore interface {
	Append(ctx context.Context, ev audit.Event) (int64, error)
}

type Config struct {
	Dir            string
	Recursive      bool
	IncludeDirs    bool
	IgnorePatterns []string
	HashEnabled    bool
	QueueSize      int
	DrainTimeout   time.Duration
	RenameWindow   time.Duration
}

type Controller struct {
	cfg     Config
	store   EventStore
	hasher  *audit.Hasher
	logger  *zap.Logger
	metrics *Metrics

	fsw   *fsnotify.Watcher
	queue chan audit.RawNotification

	state int32 // атомарно: State
	runID string

	readerWG sync.WaitGroup
	drainWG  sync.WaitGroup

	// Отменяется по дедлайну остановки: хвост очереди бросаем, считая потери
	drainCtx    context.Context
	drainCancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	fatal error
}

func New(cfg Config, store EventStore, hasher *audit.Hasher, logger *zap.Logger, metrics *Metrics) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8192
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.RenameWindow <= 0 {
		cfg.RenameWindow = 50 * time.Millisecond
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	drainCtx, drainCancel := context.WithCancel(context.Background())

	return &Controller{
		cfg:         cfg,
		store:       store,
		hasher:      hasher,
		logger:      logger.With(zap.String("mod", "watcher")),
		metrics:     metrics,
		queue:       make(chan audit.RawNotification, cfg.QueueSize),
		runID:       uuid.NewString(),
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		done:        make(chan struct{}),
	}
}

// Start устанавливает рекурсивную подписку на каталог и запускает конвейер.
// Stopped -> Starting -> Running; при отказе подписки остаемся в Stopped
// и возвращаем *SubscriptionError.
func (c *Controller) Start() error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("watcher already started (state %s)", c.State())
	}

	fail := func(err error) error {
		atomic.StoreInt32(&c.state, int32(StateStopped))
		return &SubscriptionError{Dir: c.cfg.Dir, Cause: err}
	}

	fi, err := os.Stat(c.cfg.Dir)
	if err != nil {
		return fail(err)
	}
	if !fi.IsDir() {
		return fail(fmt.Errorf("watch path is not a directory"))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fail(err)
	}
	c.fsw = fsw

	if err := c.subscribe(); err != nil {
		fsw.Close()
		return fail(err)
	}

	// Журналируем сам факт начала наблюдения (как и его конец в Stop)
	c.writeLifecycleRow("startup")

	atomic.StoreInt32(&c.state, int32(StateRunning))

	c.readerWG.Add(1)
	go c.readLoop()
	c.drainWG.Add(1)
	go c.drainLoop()

	c.logger.Info("watching started",
		zap.String("dir", c.cfg.Dir),
		zap.Bool("recursive", c.cfg.Recursive),
		zap.Bool("hash_enabled", c.cfg.HashEnabled),
		zap.String("run_id", c.runID),
	)
	return nil
}

// subscribe добавляет корень (и при recursive — все подкаталоги) в fsnotify.
// Недоступный подкаталог — предупреждение, недоступный корень — отказ.
func (c *Controller) subscribe() error {
	if !c.cfg.Recursive {
		return c.fsw.Add(c.cfg.Dir)
	}
	return filepath.Walk(c.cfg.Dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == c.cfg.Dir {
				return err
			}
			c.logger.Warn("cannot descend into directory", zap.String("path", p), zap.Error(err))
			return nil
		}
		if info.IsDir() && !c.isIgnored(p) {
			if addErr := c.fsw.Add(p); addErr != nil {
				if p == c.cfg.Dir {
					return addErr
				}
				c.logger.Warn("cannot watch directory", zap.String("path", p), zap.Error(addErr))
			}
		}
		return nil
	})
}

// Stop переводит контроллер в Stopping, отписывается от уведомлений,
// дожидается дренажа очереди (или дедлайна) и освобождает ресурсы.
// Идемпотентен.
func (c *Controller) Stop() {
	c.stopOnce.Do(c.stop)
}

func (c *Controller) stop() {
	if !atomic.CompareAndSwapInt32(&c.state, int32(StateRunning), int32(StateStopping)) {
		if !atomic.CompareAndSwapInt32(&c.state, int32(StateStarting), int32(StateStopping)) {
			return
		}
	}

	c.logger.Info("stopping watcher: closing subscription and draining queue...")

	// 1. Отписка: каналы fsnotify закрываются, продюсер выходит
	_ = c.fsw.Close()
	c.readerWG.Wait()

	// 2. Drain Pattern: закрытие очереди — самодостаточный сигнал воркеру.
	// Он сначала вычитает остаток, потом получит ok == false и выйдет.
	close(c.queue)

	drained := make(chan struct{})
	go func() {
		c.drainWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(c.cfg.DrainTimeout):
		c.logger.Warn("drain deadline elapsed, abandoning queued events",
			zap.Duration("deadline", c.cfg.DrainTimeout))
		c.drainCancel()
		<-drained
	}

	c.writeLifecycleRow("shutdown")
	atomic.StoreInt32(&c.state, int32(StateStopped))
	c.logger.Info("watcher stopped gracefully", zap.String("run_id", c.runID))
	close(c.done)
}

// Done закрывается после полной остановки контроллера; Err сообщает,
// была ли остановка вызвана фатальной потерей подписки.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.fatal
}

func (c *Controller) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// fail фиксирует фатальный отказ подписки и инициирует остановку.
// Тихая потеря наблюдения обесценила бы весь журнал, поэтому — громко.
func (c *Controller) fail(err error) {
	c.errMu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.errMu.Unlock()
	c.logger.Error("watch subscription lost", zap.Error(err))
	go c.Stop()
}

// readLoop — продюсер: единственный читатель каналов fsnotify.
func (c *Controller) readLoop() {
	defer c.readerWG.Done()
	for {
		select {
		case ev, ok := <-c.fsw.Events:
			if !ok {
				if c.State() == StateRunning {
					c.fail(&SubscriptionError{Dir: c.cfg.Dir, Cause: fmt.Errorf("event channel closed")})
				}
				return
			}
			c.handleRaw(ev)

		case err, ok := <-c.fsw.Errors:
			if !ok {
				if c.State() == StateRunning {
					c.fail(&SubscriptionError{Dir: c.cfg.Dir, Cause: fmt.Errorf("error channel closed")})
				}
				return
			}
			// Переполнение буфера ядра и прочие единичные сбои — не фатальны
			c.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

// handleRaw сводит событие fsnotify к каноническому уведомлению и кладет
// его в очередь. Очередь переполнена — событие сбрасывается с подсчетом,
// но продюсер не блокируется.
func (c *Controller) handleRaw(ev fsnotify.Event) {
	if c.isIgnored(ev.Name) {
		return
	}

	isDir := false
	if fi, err := os.Stat(ev.Name); err == nil {
		isDir = fi.IsDir()
	}

	// Новые подкаталоги доподписываем на лету
	if c.cfg.Recursive && isDir && ev.Op.Has(fsnotify.Create) {
		if err := c.fsw.Add(ev.Name); err != nil {
			c.logger.Warn("cannot watch new directory", zap.String("path", ev.Name), zap.Error(err))
		}
	}

	if isDir && !c.cfg.IncludeDirs {
		return
	}

	n := audit.RawNotification{
		Kind:  kindOf(ev.Op),
		Path:  ev.Name,
		IsDir: isDir,
		Time:  time.Now().UTC(),
	}

	select {
	case c.queue <- n:
		c.metrics.QueueFill.Set(float64(len(c.queue)))
	default:
		c.metrics.EventsDropped.WithLabelValues(DropQueueFull).Inc()
		c.logger.Error("event queue overflow, notification shed",
			zap.String("path", ev.Name),
			zap.String("op", ev.Op.String()),
		)
	}
}

func kindOf(op fsnotify.Op) audit.Kind {
	switch {
	case op.Has(fsnotify.Create):
		return audit.KindCreate
	case op.Has(fsnotify.Write):
		return audit.KindWrite
	case op.Has(fsnotify.Remove):
		return audit.KindRemove
	case op.Has(fsnotify.Rename):
		return audit.KindRename
	case op.Has(fsnotify.Chmod):
		return audit.KindChmod
	}
	return audit.KindUnknown
}

// drainLoop — единственный потребитель очереди. fsnotify сообщает перенос
// как Rename(старый путь) + Create(новый путь); воркер придерживает rename
// на короткое окно и склеивает пару в одно moved-уведомление. Непарный
// rename уходит в обработку как есть (файл покинул наблюдаемое дерево).
func (c *Controller) drainLoop() {
	defer c.drainWG.Done()
	for {
		n, ok := <-c.queue
		if !ok {
			c.logger.Info("drain worker finished")
			return
		}
		c.metrics.QueueFill.Set(float64(len(c.queue)))

		if n.Kind == audit.KindRename && n.DestPath == "" {
			select {
			case next, ok2 := <-c.queue:
				if !ok2 {
					c.process(n)
					c.logger.Info("drain worker finished")
					return
				}
				c.metrics.QueueFill.Set(float64(len(c.queue)))
				if next.Kind == audit.KindCreate && next.IsDir == n.IsDir {
					n.DestPath = next.Path
					c.process(n)
				} else {
					c.process(n)
					c.process(next)
				}
			case <-time.After(c.cfg.RenameWindow):
				c.process(n)
			}
			continue
		}

		c.process(n)
	}
}

// process проводит одно уведомление через Normalizer -> Hasher -> Store.
func (c *Controller) process(n audit.RawNotification) {
	ev := audit.Normalize(n)
	c.metrics.EventsObserved.WithLabelValues(string(ev.EventType)).Inc()

	if c.drainCtx.Err() != nil {
		// Дедлайн остановки: хвост не пишем, но считаем
		c.metrics.EventsDropped.WithLabelValues(DropDrainDeadline).Inc()
		return
	}

	// Контентные метаданные: размер берем по stat, пока файл еще существует;
	// дайджест — только при включенном хэшировании. Поэтому выключенный хэшер
	// оставляет sha256 пустым, но не обнуляет file_size_bytes.
	if wantsContentMeta(ev.EventType) && !n.IsDir {
		target := n.Path
		if ev.EventType == audit.EventMoved {
			target = n.DestPath
		}

		if fi, statErr := os.Stat(target); statErr == nil && fi.Mode().IsRegular() {
			size := fi.Size()
			ev.FileSizeBytes = &size
		}

		if c.cfg.HashEnabled && c.hasher != nil {
			if size, sum, err := c.hasher.Hash(c.drainCtx, target); err != nil {
				// Ожидаемо: файл мог уже исчезнуть. Пишем строку без дайджеста.
				c.metrics.HashFailures.Inc()
				c.logger.Debug("content digest unavailable", zap.String("path", target), zap.Error(err))
			} else {
				// Точный размер — сколько байт реально прошло через дайджест
				ev.AttachContent(size, sum)
			}
		}
	}

	start := time.Now()
	id, err := c.store.Append(c.drainCtx, ev)
	c.metrics.AppendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reason := DropPersistFailed
		if c.drainCtx.Err() != nil {
			reason = DropDrainDeadline
		}
		c.metrics.EventsDropped.WithLabelValues(reason).Inc()
		c.logger.Error("audit append failed, event dropped",
			zap.String("event_type", string(ev.EventType)),
			zap.Stringp("path", ev.SrcPath),
			zap.Error(err),
		)
		return
	}

	c.metrics.RowsPersisted.Inc()
	c.logger.Debug("event recorded",
		zap.Int64("id", id),
		zap.String("event_type", string(ev.EventType)),
		zap.Stringp("path", ev.SrcPath),
	)
}

// wantsContentMeta: метаданные содержимого имеют смысл только там, где
// после события остается файл, который можно прочитать.
func wantsContentMeta(t audit.EventType) bool {
	switch t {
	case audit.EventCreated, audit.EventModified, audit.EventMoved:
		return true
	}
	return false
}

// isIgnored сверяет базовое имя пути с настроенными glob-паттернами.
func (c *Controller) isIgnored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range c.cfg.IgnorePatterns {
		if matched, _ := filepath.Match(pat, base); matched {
			return true
		}
	}
	return false
}

// writeLifecycleRow фиксирует в журнале границы сеанса наблюдения.
// Отказ здесь не фатален: наблюдение важнее полноты одной строки.
func (c *Controller) writeLifecycleRow(phase string) {
	dir := c.cfg.Dir
	ev := audit.Event{
		EventTime: time.Now().UTC(),
		EventType: audit.EventOther,
		SrcPath:   &dir,
		Extra: map[string]any{
			"lifecycle":    phase,
			"run_id":       c.runID,
			"recursive":    c.cfg.Recursive,
			"hash_enabled": c.cfg.HashEnabled,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.store.Append(ctx, ev); err != nil {
		c.logger.Warn("lifecycle row not recorded", zap.String("phase", phase), zap.Error(err))
	}
}
