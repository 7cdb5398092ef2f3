package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
)

// Image is one validated document image ready for extraction
type Image struct {
	Name     string
	Data     []byte
	Checksum string
}

// Source produces the sequence of document images to process
type Source interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, name string) (*Image, error)
}

// New creates the configured source backend
func New(cfg config.SourceConfig, storageCfg config.StorageConfig) (Source, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalSource(cfg), nil
	case "s3":
		return NewObjectSource(cfg, storageCfg)
	default:
		return nil, fmt.Errorf("unknown source backend: %s", cfg.Backend)
	}
}

// LocalSource reads images from a local directory
type LocalSource struct {
	dir        string
	extensions map[string]bool
	maxBytes   int64
}

// NewLocalSource creates a directory-backed source
func NewLocalSource(cfg config.SourceConfig) *LocalSource {
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts[strings.ToLower(ext)] = true
	}
	return &LocalSource{
		dir:        cfg.InputDir,
		extensions: exts,
		maxBytes:   cfg.MaxImageSizeMB * 1024 * 1024,
	}
}

// List returns the matching image filenames in sorted order
func (s *LocalSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if s.extensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	log.Info().Int("images", len(names)).Str("dir", s.dir).Msg("Found image files")
	return names, nil
}

// Load reads and validates one image
func (s *LocalSource) Load(ctx context.Context, name string) (*Image, error) {
	path := filepath.Join(s.dir, name)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if err := validateSize(name, info.Size(), s.maxBytes); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	return newImage(name, data)
}

func validateSize(name string, size, maxBytes int64) error {
	if size == 0 {
		return fmt.Errorf("image %s is empty", name)
	}
	if maxBytes > 0 && size > maxBytes {
		return fmt.Errorf("image %s is too large: %.2fMB", name, float64(size)/(1024*1024))
	}
	return nil
}

func newImage(name string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image %s is empty", name)
	}
	sum := sha256.Sum256(data)
	return &Image{
		Name:     name,
		Data:     data,
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}
