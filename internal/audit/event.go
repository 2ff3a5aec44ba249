package audit

import "time"

// EventType — каноническая классификация событий файловой системы.
// Закрытое множество: всё, что бэкенд не распознал, попадает в EventOther,
// но никогда не теряется молча.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventMoved    EventType = "moved"
	EventDeleted  EventType = "deleted"
	EventOther    EventType = "other"
)

// Kind — платформенно-независимый тег сырого уведомления.
// Адаптер подписки (fsnotify и т.п.) обязан свести свои флаги к этому
// перечислению до того, как событие увидит ядро.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindWrite
	KindRename
	KindRemove
	KindChmod
)

// RawNotification — сырое уведомление от подписки в единой форме.
// DestPath заполняется только когда контроллер успел спарить rename
// со следующим create (см. пайплайн).
type RawNotification struct {
	Kind     Kind
	Path     string
	DestPath string
	IsDir    bool
	Time     time.Time
}

// Event — единственная персистентная сущность системы: одна строка
// аудиторского журнала. Nullable-колонки схемы представлены указателями.
type Event struct {
	ID            int64          `json:"id"`
	EventTime     time.Time      `json:"event_time"`
	EventType     EventType      `json:"event_type"`
	SrcPath       *string        `json:"src_path,omitempty"`
	DestPath      *string        `json:"dest_path,omitempty"`
	FileSizeBytes *int64         `json:"file_size_bytes,omitempty"`
	SHA256        *string        `json:"sha256,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Normalize — чистая тотальная функция: сырое уведомление -> черновик Event.
// Инвариант dest_path <=> moved обеспечивается здесь: rename без пары
// (файл уехал за пределы наблюдаемого дерева) записывается как deleted
// с пометкой renamed_away в extra_json, а не как moved с пустым dest.
func Normalize(n RawNotification) Event {
	ts := n.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ev := Event{
		EventTime: ts.UTC(),
		SrcPath:   strPtr(n.Path),
	}

	switch n.Kind {
	case KindCreate:
		ev.EventType = EventCreated
	case KindWrite:
		ev.EventType = EventModified
	case KindRemove:
		ev.EventType = EventDeleted
	case KindRename:
		if n.DestPath != "" {
			ev.EventType = EventMoved
			ev.DestPath = strPtr(n.DestPath)
		} else {
			ev.EventType = EventDeleted
			ev.setExtra("renamed_away", true)
		}
	default:
		// Chmod и всё нераспознанное — фиксируем, не отбрасываем
		ev.EventType = EventOther
	}

	if n.IsDir {
		ev.setExtra("is_directory", true)
	}

	return ev
}

func (e *Event) setExtra(key string, val any) {
	if e.Extra == nil {
		e.Extra = make(map[string]any, 2)
	}
	e.Extra[key] = val
}

// AttachContent дописывает в черновик метаданные содержимого файла,
// полученные хэшером. Для deleted-событий никогда не вызывается.
func (e *Event) AttachContent(size int64, sha256Hex string) {
	e.FileSizeBytes = &size
	e.SHA256 = &sha256Hex
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
