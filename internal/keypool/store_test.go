package keypool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

func TestStoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api_keys.json")
	store := NewStore(path, "TEST_OCR_KEY_")

	records := []models.KeyRecord{
		{Key: "secret-1", Alias: "key-a"},
		{Key: "secret-2", Alias: "key-b"},
	}
	require.NoError(t, store.Save(records))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, records, loaded)

	// Secrets file should not be world-readable
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"), "TEST_NO_SUCH_PREFIX_")

	records, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, records, "missing file without env keys yields an empty set")
}

func TestStoreLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api_keys.json")
	store := NewStore(path, "TEST_OCR_KEY_")

	t.Setenv("TEST_OCR_KEY_ALPHA", "env-secret-1")
	t.Setenv("TEST_OCR_KEY_BETA", "env-secret-2")

	records, err := store.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)

	aliases := map[string]string{}
	for _, rec := range records {
		aliases[rec.Alias] = rec.Key
	}
	assert.Equal(t, "env-secret-1", aliases["alpha"])
	assert.Equal(t, "env-secret-2", aliases["beta"])

	// Imported keys are written back to the canonical file
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestStoreWriteStats(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "keys.json"), "X_")
	statsPath := filepath.Join(dir, "stats.json")

	snap := models.StatsSnapshot{TotalKeys: 2, TotalRequests: 10}
	require.NoError(t, store.WriteStats(statsPath, snap))

	data, err := os.ReadFile(statsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_keys": 2`)
	assert.NotContains(t, string(data), "secret", "stats never contain secrets")
}

func TestMigrateLegacyMap(t *testing.T) {
	records, err := MigrateLegacy([]byte(`{"beta": "secret-b", "alpha": "secret-a"}`))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.KeyRecord{Key: "secret-a", Alias: "alpha"}, records[0])
	assert.Equal(t, models.KeyRecord{Key: "secret-b", Alias: "beta"}, records[1])
}

func TestMigrateLegacyStringList(t *testing.T) {
	records, err := MigrateLegacy([]byte(`["secret-1", "secret-2"]`))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "key_0", records[0].Alias)
	assert.Equal(t, "key_1", records[1].Alias)
}

func TestMigrateLegacyObjectVariants(t *testing.T) {
	input := `[
		{"key": "secret-1", "alias": "a"},
		{"api_key": "secret-2"},
		{"value": "secret-3", "alias": "c"},
		[{"key": "secret-4", "alias": "nested"}]
	]`

	records, err := MigrateLegacy([]byte(input))
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "a", records[0].Alias)
	assert.Equal(t, "secret-2", records[1].Key)
	assert.Equal(t, "key_1", records[1].Alias)
	assert.Equal(t, "secret-3", records[2].Key)
	assert.Equal(t, "nested", records[3].Alias)
}

func TestMigrateLegacyBadShape(t *testing.T) {
	_, err := MigrateLegacy([]byte(`42`))
	assert.Error(t, err)

	_, err = MigrateLegacy([]byte(`not json`))
	assert.Error(t, err)
}
