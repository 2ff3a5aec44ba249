package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestHashKnownContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	size, sum, err := NewHasher(0).Hash(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, helloSHA256, sum)
}

func TestHashVanishedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.txt")

	_, _, err := NewHasher(0).Hash(context.Background(), path)
	require.Error(t, err)

	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, path, readErr.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestHashDirectoryRefused(t *testing.T) {
	dir := t.TempDir()

	_, _, err := NewHasher(0).Hash(context.Background(), dir)
	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
}

func TestHashRateLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	// Лимит заведомо выше размера файла: результат тот же, без ожиданий
	size, sum, err := NewHasher(1 << 20).Hash(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, helloSHA256, sum)
}

func TestHashCanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Отмененный контекст с конечным лимитером обрывает чтение как ReadError
	_, _, err := NewHasher(1024).Hash(ctx, path)
	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
}
