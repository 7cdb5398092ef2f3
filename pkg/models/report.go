package models

import "time"

// AnnotationMeta is stored next to each annotation file
type AnnotationMeta struct {
	ImageFile             string    `json:"image_file"`
	AnnotationFile        string    `json:"annotation_file"`
	TextLength            int       `json:"text_length"`
	KeyAlias              string    `json:"api_key_alias"`
	RequestID             string    `json:"request_id"`
	Model                 string    `json:"model_used"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	ProcessingDate        time.Time `json:"processing_date"`
	Checksum              string    `json:"checksum"`
}

// RunProgress is a point-in-time view of a running batch
type RunProgress struct {
	RunID         string  `json:"run_id"`
	TotalImages   int     `json:"total_images"`
	Processed     int     `json:"processed"`
	Failed        int     `json:"failed"`
	Skipped       int     `json:"skipped"`
	CacheHits     int     `json:"cache_hits"`
	Remaining     int     `json:"remaining"`
	RateLimitHits int     `json:"rate_limit_hits"`
	ImagesPerHour float64 `json:"images_per_hour"`
}

// RunReport is the final processing report for a batch run
type RunReport struct {
	RunID                 string    `json:"run_id"`
	TotalImages           int       `json:"total_images"`
	Processed             int       `json:"processed"`
	Failed                int       `json:"failed"`
	Skipped               int       `json:"skipped"`
	CacheHits             int       `json:"cache_hits"`
	SuccessRate           float64   `json:"success_rate"`
	KeysUsed              []string  `json:"keys_used"`
	TotalKeysAvailable    int       `json:"total_keys_available"`
	RateLimitHits         int       `json:"rate_limit_hits"`
	ProcessingTimeSeconds float64   `json:"total_processing_time_seconds"`
	AverageProcessingTime float64   `json:"average_processing_time"`
	StartTime             time.Time `json:"start_time"`
	EndTime               time.Time `json:"end_time"`
	DurationSeconds       float64   `json:"duration_seconds"`
	ImagesPerHour         float64   `json:"images_per_hour"`
	KeyStats              PoolStats `json:"api_key_stats"`
}
