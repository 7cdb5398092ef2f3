package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
)

func testConfig(dir string) config.SourceConfig {
	return config.SourceConfig{
		Backend:        "local",
		InputDir:       dir,
		Extensions:     []string{".jpg", ".jpeg", ".png"},
		MaxImageSizeMB: 1,
	}
}

func TestLocalSourceList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.png", "c.JPEG", "notes.txt", "d.gif"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755))

	src := NewLocalSource(testConfig(dir))
	names, err := src.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a.png", "b.jpg", "c.JPEG"}, names)
}

func TestLocalSourceListMissingDir(t *testing.T) {
	src := NewLocalSource(testConfig("/nonexistent/path"))
	_, err := src.List(context.Background())
	assert.Error(t, err)
}

func TestLocalSourceLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.jpg"), []byte("image bytes"), 0644))

	src := NewLocalSource(testConfig(dir))
	img, err := src.Load(context.Background(), "doc.jpg")
	require.NoError(t, err)

	assert.Equal(t, "doc.jpg", img.Name)
	assert.Equal(t, []byte("image bytes"), img.Data)
	assert.Len(t, img.Checksum, 64)
}

func TestLocalSourceLoadChecksumStable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("same"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), []byte("same"), 0644))

	src := NewLocalSource(testConfig(dir))
	a, err := src.Load(context.Background(), "a.jpg")
	require.NoError(t, err)
	b, err := src.Load(context.Background(), "b.jpg")
	require.NoError(t, err)

	assert.Equal(t, a.Checksum, b.Checksum)
}

func TestLocalSourceLoadEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.jpg"), nil, 0644))

	src := NewLocalSource(testConfig(dir))
	_, err := src.Load(context.Background(), "empty.jpg")
	assert.ErrorContains(t, err, "empty")
}

func TestLocalSourceLoadTooLarge(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 2*1024*1024)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.jpg"), big, 0644))

	src := NewLocalSource(testConfig(dir))
	_, err := src.Load(context.Background(), "big.jpg")
	assert.ErrorContains(t, err, "too large")
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(config.SourceConfig{Backend: "ftp"}, config.StorageConfig{})
	assert.ErrorContains(t, err, "unknown source backend")
}
