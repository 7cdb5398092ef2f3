package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// Sink writes extracted annotations and run reports to the output directory
type Sink struct {
	outputDir string
}

// New creates a sink, ensuring the output directory exists
func New(cfg config.SinkConfig) (*Sink, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Sink{outputDir: cfg.OutputDir}, nil
}

// AnnotationPath returns the annotation file path for an image name
func (s *Sink) AnnotationPath(imageName string) string {
	base := strings.TrimSuffix(filepath.Base(imageName), filepath.Ext(imageName))
	return filepath.Join(s.outputDir, base+".txt")
}

// Exists reports whether an annotation already exists for the image
func (s *Sink) Exists(imageName string) bool {
	_, err := os.Stat(s.AnnotationPath(imageName))
	return err == nil
}

// WriteAnnotation writes the extracted text and its metadata sidecar
func (s *Sink) WriteAnnotation(imageName, text string, meta *models.AnnotationMeta) error {
	path := s.AnnotationPath(imageName)

	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write annotation: %w", err)
	}

	meta.AnnotationFile = filepath.Base(path)
	metaPath := strings.TrimSuffix(path, ".txt") + ".meta.json"
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal annotation metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write annotation metadata: %w", err)
	}

	log.Debug().Str("image", imageName).Int("text_length", len(text)).Msg("Annotation written")
	return nil
}

// WriteReport writes the final run report
func (s *Sink) WriteReport(report *models.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	path := filepath.Join(s.outputDir, "processing_report.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}

	log.Info().Str("path", path).Msg("Processing report written")
	return nil
}
