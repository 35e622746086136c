package blobstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/config"
)

// Open builds the report store selected by REPORT_STORE. It returns a nil
// Store when persistence is disabled.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.ReportStore {
	case "", config.ReportStoreNone:
		logger.Info().Str("mode", config.ReportStoreNone).Msg("report store disabled")
		return nil, nil

	case config.ReportStoreLocal:
		store, err := NewLocalStore(cfg.ReportDir)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("mode", config.ReportStoreLocal).Str("dir", cfg.ReportDir).Msg("report store ready")
		return store, nil

	case config.ReportStoreS3:
		store, err := NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("REPORT_STORE=s3 init failed: %w", err)
		}
		logger.Info().
			Str("mode", config.ReportStoreS3).
			Str("bucket", cfg.S3Bucket).
			Str("region", cfg.S3Region).
			Bool("custom_endpoint", cfg.S3Endpoint != "").
			Bool("static_credentials", cfg.S3AccessKeyID != "").
			Msg("report store ready")
		return store, nil
	}
	return nil, fmt.Errorf("unsupported report store: %s", cfg.ReportStore)
}
