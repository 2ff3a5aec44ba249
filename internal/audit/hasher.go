package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// ReadError — ожидаемый, нефатальный отказ хэшера: файл уже удалён,
// заблокирован или недоступен по правам. Вызывающая сторона подставляет
// null-метаданные и продолжает, событие не абортируется.
type ReadError struct {
	Path  string
	Cause error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("content unreadable: %s (cause: %v)", e.Path, e.Cause)
}

func (e *ReadError) Unwrap() error { return e.Cause }

const hashChunkSize = 64 * 1024

// Hasher считает SHA-256 и размер файла потоково, не загружая содержимое
// в память целиком. Лимитер ограничивает суммарную скорость чтения, чтобы
// массовое копирование файлов не душило drain-цикл контроллера.
type Hasher struct {
	limiter *rate.Limiter
}

// NewHasher создает хэшер. maxBytesPerSec <= 0 означает «без ограничения».
func NewHasher(maxBytesPerSec int64) *Hasher {
	lim := rate.NewLimiter(rate.Inf, 0)
	if maxBytesPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(maxBytesPerSec), hashChunkSize)
	}
	return &Hasher{limiter: lim}
}

// Hash открывает файл на чтение и прогоняет его через дайджест.
// Возвращает количество прочитанных байт и hex-кодированный SHA-256.
// Повторных попыток нет: состояние файла к моменту события могло уже
// уехать, единичный отказ трактуется как «метаданные недоступны».
func (h *Hasher) Hash(ctx context.Context, path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", &ReadError{Path: path, Cause: err}
	}
	defer f.Close()

	// Хэшируем только обычные файлы: каталоги и спецфайлы метаданных не имеют
	fi, err := f.Stat()
	if err != nil {
		return 0, "", &ReadError{Path: path, Cause: err}
	}
	if !fi.Mode().IsRegular() {
		return 0, "", &ReadError{Path: path, Cause: fmt.Errorf("not a regular file (mode %s)", fi.Mode())}
	}

	digest := sha256.New()
	buf := make([]byte, hashChunkSize)
	var total int64

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := h.limiter.WaitN(ctx, n); err != nil {
				return 0, "", &ReadError{Path: path, Cause: err}
			}
			digest.Write(buf[:n])
			total += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, "", &ReadError{Path: path, Cause: readErr}
		}
	}

	return total, hex.EncodeToString(digest.Sum(nil)), nil
}
