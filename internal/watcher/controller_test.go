package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/fsaudit/internal/audit"
	"github.com/xela07ax/fsaudit/internal/repository/sqlite"
	"go.uber.org/zap"
)

// fakeStore пишет события в память; failPath имитирует исчерпанный
// бюджет повторов для конкретного пути.
type fakeStore struct {
	mu       sync.Mutex
	events   []audit.Event
	nextID   int64
	failPath string
}

func (s *fakeStore) Append(_ context.Context, ev audit.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPath != "" && ev.SrcPath != nil && *ev.SrcPath == s.failPath {
		return 0, errors.New("persistence budget exhausted")
	}
	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
	return s.nextID, nil
}

func (s *fakeStore) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

func newDrainOnlyController(t *testing.T, store EventStore, hasher *audit.Hasher, hashEnabled bool) *Controller {
	t.Helper()
	c := New(Config{
		Dir:          t.TempDir(),
		HashEnabled:  hashEnabled,
		QueueSize:    2048,
		RenameWindow: 20 * time.Millisecond,
	}, store, hasher, zap.NewNop(), NewMetrics(nil))
	c.drainWG.Add(1)
	go c.drainLoop()
	return c
}

func drain(c *Controller) {
	close(c.queue)
	c.drainWG.Wait()
}

func TestDrainFIFOBurst(t *testing.T) {
	store := &fakeStore{}
	c := newDrainOnlyController(t, store, nil, false)

	for i := 0; i < 1000; i++ {
		c.queue <- audit.RawNotification{
			Kind: audit.KindCreate,
			Path: fmt.Sprintf("/watch/file-%04d.txt", i),
			Time: time.Now().UTC(),
		}
	}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 1000)
	for i, ev := range got {
		assert.Equal(t, audit.EventCreated, ev.EventType)
		// FIFO: порядок строк совпадает с порядком поступления уведомлений
		assert.Equal(t, fmt.Sprintf("/watch/file-%04d.txt", i), *ev.SrcPath)
		assert.Equal(t, int64(i+1), ev.ID)
	}
	assert.Equal(t, float64(1000), testutil.ToFloat64(c.metrics.RowsPersisted))
}

func TestPersistFailureCountedPipelineContinues(t *testing.T) {
	store := &fakeStore{failPath: "/watch/b.txt"}
	c := newDrainOnlyController(t, store, nil, false)

	for _, p := range []string{"/watch/a.txt", "/watch/b.txt", "/watch/c.txt"} {
		c.queue <- audit.RawNotification{Kind: audit.KindCreate, Path: p, Time: time.Now().UTC()}
	}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "/watch/a.txt", *got[0].SrcPath)
	assert.Equal(t, "/watch/c.txt", *got[1].SrcPath)

	// Каждая потеря посчитана: observed = persisted + dropped
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.EventsDropped.WithLabelValues(DropPersistFailed)))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.metrics.EventsObserved.WithLabelValues(string(audit.EventCreated))))
}

func TestRenamePairingProducesMoved(t *testing.T) {
	store := &fakeStore{}
	c := newDrainOnlyController(t, store, nil, false)

	c.queue <- audit.RawNotification{Kind: audit.KindRename, Path: "/watch/a.txt", Time: time.Now().UTC()}
	c.queue <- audit.RawNotification{Kind: audit.KindCreate, Path: "/watch/b.txt", Time: time.Now().UTC()}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, audit.EventMoved, got[0].EventType)
	assert.Equal(t, "/watch/a.txt", *got[0].SrcPath)
	require.NotNil(t, got[0].DestPath)
	assert.Equal(t, "/watch/b.txt", *got[0].DestPath)
}

func TestUnpairedRenameRecordedAsDeleted(t *testing.T) {
	store := &fakeStore{}
	c := newDrainOnlyController(t, store, nil, false)

	c.queue <- audit.RawNotification{Kind: audit.KindRename, Path: "/watch/a.txt", Time: time.Now().UTC()}
	// Окно спаривания истекает, затем приходит несвязанное событие
	time.Sleep(60 * time.Millisecond)
	c.queue <- audit.RawNotification{Kind: audit.KindWrite, Path: "/watch/c.txt", Time: time.Now().UTC()}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, audit.EventDeleted, got[0].EventType)
	assert.Nil(t, got[0].DestPath)
	assert.Equal(t, true, got[0].Extra["renamed_away"])
	assert.Equal(t, audit.EventModified, got[1].EventType)
}

func TestRenameFollowedByUnrelatedEventKeepsOrder(t *testing.T) {
	store := &fakeStore{}
	c := newDrainOnlyController(t, store, nil, false)

	c.queue <- audit.RawNotification{Kind: audit.KindRename, Path: "/watch/a.txt", Time: time.Now().UTC()}
	c.queue <- audit.RawNotification{Kind: audit.KindRemove, Path: "/watch/z.txt", Time: time.Now().UTC()}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, audit.EventDeleted, got[0].EventType)
	assert.Equal(t, "/watch/a.txt", *got[0].SrcPath)
	assert.Equal(t, "/watch/z.txt", *got[1].SrcPath)
}

func TestDeletedEventNeverHashed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "still-here.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	store := &fakeStore{}
	c := newDrainOnlyController(t, store, audit.NewHasher(0), true)

	// Файл физически существует, но для deleted содержимое не читается
	c.queue <- audit.RawNotification{Kind: audit.KindRemove, Path: path, Time: time.Now().UTC()}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, audit.EventDeleted, got[0].EventType)
	assert.Nil(t, got[0].FileSizeBytes)
	assert.Nil(t, got[0].SHA256)
}

func TestHashFailureDegradesToNullMetadata(t *testing.T) {
	store := &fakeStore{}
	c := newDrainOnlyController(t, store, audit.NewHasher(0), true)

	c.queue <- audit.RawNotification{Kind: audit.KindCreate, Path: "/watch/vanished.txt", Time: time.Now().UTC()}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, audit.EventCreated, got[0].EventType)
	assert.Nil(t, got[0].FileSizeBytes)
	assert.Nil(t, got[0].SHA256)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.HashFailures))
}

func TestSizeRecordedWhenHashingDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	store := &fakeStore{}
	// Хэширование выключено: дайджеста нет, но размер файла все равно пишется
	c := newDrainOnlyController(t, store, nil, false)

	c.queue <- audit.RawNotification{Kind: audit.KindCreate, Path: path, Time: time.Now().UTC()}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, audit.EventCreated, got[0].EventType)
	require.NotNil(t, got[0].FileSizeBytes)
	assert.Equal(t, int64(5), *got[0].FileSizeBytes)
	assert.Nil(t, got[0].SHA256)
}

func TestMovedSizeTakenFromDestination(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(dest, []byte("hello, move"), 0o644))

	store := &fakeStore{}
	c := newDrainOnlyController(t, store, nil, false)

	c.queue <- audit.RawNotification{Kind: audit.KindRename, Path: filepath.Join(dir, "a.txt"), Time: time.Now().UTC()}
	c.queue <- audit.RawNotification{Kind: audit.KindCreate, Path: dest, Time: time.Now().UTC()}
	drain(c)

	got := store.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, audit.EventMoved, got[0].EventType)
	require.NotNil(t, got[0].FileSizeBytes)
	assert.Equal(t, int64(11), *got[0].FileSizeBytes)
	assert.Nil(t, got[0].SHA256)
}

func TestQueueOverflowShedsWithoutBlocking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	store := &fakeStore{}
	// Очередь на одно место, воркер не запущен
	c := New(Config{Dir: dir, QueueSize: 1}, store, nil, zap.NewNop(), NewMetrics(nil))

	c.handleRaw(fsnotify.Event{Name: path, Op: fsnotify.Write})
	c.handleRaw(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Len(t, c.queue, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.EventsDropped.WithLabelValues(DropQueueFull)))
}

func TestIgnorePatternsFilterIntake(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noise.tmp")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	store := &fakeStore{}
	c := New(Config{Dir: dir, IgnorePatterns: []string{"*.tmp"}}, store, nil, zap.NewNop(), NewMetrics(nil))

	c.handleRaw(fsnotify.Event{Name: path, Op: fsnotify.Create})
	assert.Len(t, c.queue, 0)
}

// stalledStore зависает на каждой записи события до отмены контекста;
// служебные строки жизненного цикла проходят без задержки.
type stalledStore struct{}

func (s *stalledStore) Append(ctx context.Context, ev audit.Event) (int64, error) {
	if ev.EventType == audit.EventOther {
		return 1, nil
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestStopDeadlineCountsAbandonedEvents(t *testing.T) {
	c := New(Config{
		Dir:          t.TempDir(),
		QueueSize:    16,
		DrainTimeout: 100 * time.Millisecond,
	}, &stalledStore{}, nil, zap.NewNop(), NewMetrics(nil))

	require.NoError(t, c.Start())

	for i := 0; i < 5; i++ {
		c.queue <- audit.RawNotification{
			Kind: audit.KindCreate,
			Path: fmt.Sprintf("/watch/stuck-%d.txt", i),
			Time: time.Now().UTC(),
		}
	}

	// Store висит, дедлайн дренажа истекает: хвост бросается, но посчитан
	c.Stop()
	<-c.Done()

	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, float64(5), testutil.ToFloat64(c.metrics.EventsDropped.WithLabelValues(DropDrainDeadline)))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.metrics.RowsPersisted))
}

func TestStartFailsOnMissingDirectory(t *testing.T) {
	c := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}, &fakeStore{}, nil, zap.NewNop(), nil)

	err := c.Start()
	require.Error(t, err)

	var subErr *SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, StateStopped, c.State())
}

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func waitForRow(t *testing.T, repo *sqlite.AuditRepo, pred func(audit.Event) bool) audit.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := repo.Latest(context.Background(), 100)
		require.NoError(t, err)
		for _, ev := range rows {
			if pred(ev) {
				return ev
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected audit row did not appear")
	return audit.Event{}
}

// Сквозной сценарий: create -> rename -> delete на живом fsnotify и живом SQLite.
func TestControllerEndToEnd(t *testing.T) {
	watchDir := t.TempDir()

	repo, err := sqlite.NewAuditRepo(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop())
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.InitSchema(context.Background()))

	c := New(Config{
		Dir:          watchDir,
		Recursive:    true,
		HashEnabled:  true,
		RenameWindow: 50 * time.Millisecond,
	}, repo, audit.NewHasher(0), zap.NewNop(), NewMetrics(nil))

	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.State())

	// Подкладываем готовый файл атомарно: его create виден уже с содержимым
	staging := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(staging, []byte("hello"), 0o644))
	aPath := filepath.Join(watchDir, "a.txt")
	require.NoError(t, os.Rename(staging, aPath))

	created := waitForRow(t, repo, func(ev audit.Event) bool {
		return ev.EventType == audit.EventCreated && ev.SrcPath != nil && *ev.SrcPath == aPath
	})
	require.NotNil(t, created.FileSizeBytes)
	assert.Equal(t, int64(5), *created.FileSizeBytes)
	require.NotNil(t, created.SHA256)
	assert.Equal(t, helloSHA256, *created.SHA256)
	assert.Nil(t, created.DestPath)

	bPath := filepath.Join(watchDir, "b.txt")
	require.NoError(t, os.Rename(aPath, bPath))

	moved := waitForRow(t, repo, func(ev audit.Event) bool {
		return ev.EventType == audit.EventMoved && ev.SrcPath != nil && *ev.SrcPath == aPath
	})
	require.NotNil(t, moved.DestPath)
	assert.Equal(t, bPath, *moved.DestPath)

	require.NoError(t, os.Remove(bPath))

	deleted := waitForRow(t, repo, func(ev audit.Event) bool {
		return ev.EventType == audit.EventDeleted && ev.SrcPath != nil && *ev.SrcPath == bPath
	})
	assert.Nil(t, deleted.FileSizeBytes)
	assert.Nil(t, deleted.SHA256)
	assert.Nil(t, deleted.DestPath)

	c.Stop()
	<-c.Done()
	assert.Equal(t, StateStopped, c.State())
	assert.NoError(t, c.Err())

	// Границы сеанса зафиксированы в журнале
	lifecycle, err := repo.Search(context.Background(), sqlite.SearchFilter{EventType: "other"})
	require.NoError(t, err)
	require.Len(t, lifecycle, 2)
	assert.Equal(t, "shutdown", lifecycle[0].Extra["lifecycle"])
	assert.Equal(t, "startup", lifecycle[1].Extra["lifecycle"])

	// Суррогатные ключи растут в порядке поступления
	assert.Less(t, created.ID, moved.ID)
	assert.Less(t, moved.ID, deleted.ID)

	// Повторный Stop безопасен
	c.Stop()
}
