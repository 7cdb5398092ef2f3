package source

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
)

// ObjectSource reads images from S3-compatible object storage
type ObjectSource struct {
	client     *minio.Client
	bucketName string
	prefix     string
	extensions map[string]bool
	maxBytes   int64
}

// NewObjectSource creates an object storage backed source
func NewObjectSource(cfg config.SourceConfig, storageCfg config.StorageConfig) (*ObjectSource, error) {
	client, err := minio.New(storageCfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(storageCfg.AccessKeyID, storageCfg.SecretAccessKey, ""),
		Secure: storageCfg.UseSSL,
		Region: storageCfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, storageCfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", storageCfg.BucketName)
	}

	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts[strings.ToLower(ext)] = true
	}

	return &ObjectSource{
		client:     client,
		bucketName: storageCfg.BucketName,
		prefix:     storageCfg.Prefix,
		extensions: exts,
		maxBytes:   cfg.MaxImageSizeMB * 1024 * 1024,
	}, nil
}

// List returns the matching object keys in sorted order
func (s *ObjectSource) List(ctx context.Context) ([]string, error) {
	var names []string

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if s.extensions[strings.ToLower(filepath.Ext(object.Key))] {
			names = append(names, object.Key)
		}
	}
	sort.Strings(names)

	log.Info().Int("images", len(names)).Str("bucket", s.bucketName).Msg("Found image objects")
	return names, nil
}

// Load downloads and validates one image
func (s *ObjectSource) Load(ctx context.Context, name string) (*Image, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	defer object.Close()

	stat, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	if err := validateSize(name, stat.Size, s.maxBytes); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return newImage(name, data)
}
