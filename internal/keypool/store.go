package keypool

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// Store persists key records as a canonical JSON list of {key, alias}
// objects. Runtime statistics are written to a separate file and never
// alongside the secrets.
type Store struct {
	path      string
	envPrefix string
}

// NewStore creates a store for the given file path. envPrefix names the
// environment variable prefix used as a fallback key source.
func NewStore(path, envPrefix string) *Store {
	return &Store{path: path, envPrefix: envPrefix}
}

// Load reads key records from the canonical file. When the file is missing
// or empty, keys are imported from environment variables carrying the
// configured prefix and written back to the file.
func (s *Store) Load() ([]models.KeyRecord, error) {
	records, err := s.loadFile()
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		records = s.loadEnv()
		if len(records) > 0 {
			if err := s.Save(records); err != nil {
				log.Error().Err(err).Msg("Failed to save keys imported from environment")
			}
		}
	}

	log.Info().Int("keys", len(records)).Str("file", s.path).Msg("Loaded key records")
	return records, nil
}

func (s *Store) loadFile() ([]models.KeyRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var records []models.KeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s (run keyctl migrate for legacy formats): %w", s.path, err)
	}

	out := records[:0]
	for _, rec := range records {
		if rec.Key == "" {
			continue
		}
		if rec.Alias == "" {
			rec.Alias = fmt.Sprintf("key_%d", len(out))
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) loadEnv() []models.KeyRecord {
	var records []models.KeyRecord
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, s.envPrefix) || value == "" {
			continue
		}
		alias := strings.ToLower(strings.TrimPrefix(name, s.envPrefix))
		records = append(records, models.KeyRecord{Key: value, Alias: alias})
	}

	if len(records) > 0 {
		log.Info().Int("keys", len(records)).Msg("Loaded keys from environment")
	}
	return records
}

// Save writes the canonical records, replacing the file contents.
func (s *Store) Save(records []models.KeyRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key records: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	log.Info().Int("keys", len(records)).Str("file", s.path).Msg("Saved key records")
	return nil
}

// WriteStats persists a statistics snapshot to the given path.
func (s *Store) WriteStats(path string, snap models.StatsSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file: %w", err)
	}
	return nil
}

// MigrateLegacy converts a legacy-shaped key file (alias-to-key map, bare
// string list, list of objects with key/api_key/value fields, or nested
// single-item lists) into canonical records. Intended as a one-time import,
// not a runtime reader.
func MigrateLegacy(data []byte) ([]models.KeyRecord, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse legacy key file: %w", err)
	}

	var records []models.KeyRecord

	appendRecord := func(key, alias string) {
		if key == "" {
			return
		}
		if alias == "" {
			alias = fmt.Sprintf("key_%d", len(records))
		}
		records = append(records, models.KeyRecord{Key: key, Alias: alias})
	}

	switch shaped := raw.(type) {
	case map[string]interface{}:
		// alias -> key mapping, iterated in sorted alias order
		for _, alias := range sortedKeys(shaped) {
			if key, ok := shaped[alias].(string); ok {
				appendRecord(key, alias)
			}
		}
	case []interface{}:
		for _, item := range shaped {
			// unwrap nested single-item lists
			if inner, ok := item.([]interface{}); ok && len(inner) > 0 {
				item = inner[0]
			}

			switch v := item.(type) {
			case string:
				appendRecord(v, "")
			case map[string]interface{}:
				key, _ := firstString(v, "key", "api_key", "value")
				alias, _ := firstString(v, "alias")
				appendRecord(key, alias)
			}
		}
	default:
		return nil, fmt.Errorf("unrecognized legacy key file shape %T", raw)
	}

	return records, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstString(m map[string]interface{}, names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := m[name].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
