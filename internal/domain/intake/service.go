// Package intake uploads a document to the extraction service and folds the
// extracted values into the session's health record.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/domain/session"
)

// NoticeFailed is shown when extraction fails for any reason.
const NoticeFailed = "Upload failed. Please try again or enter values manually."

// DefaultMaxBytes bounds uploads when no limit is configured (10 MiB).
const DefaultMaxBytes = 10 << 20

var ErrTooLarge = errors.New("file exceeds the upload size limit")

// Extractor is the remote document extraction contract.
type Extractor interface {
	Extract(ctx context.Context, subject, fileName string, data []byte) (map[string]any, error)
}

type Service struct {
	backend  Extractor
	timeout  time.Duration
	maxBytes int64
	logger   zerolog.Logger
}

func NewService(backend Extractor, timeout time.Duration, maxBytes int64, logger zerolog.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{backend: backend, timeout: timeout, maxBytes: maxBytes, logger: logger}
}

// Extract sends one document for extraction. On success the extracted values
// are merged into the record and the session switches to the manual view; a
// response without extracted_data changes nothing. Any failure leaves the
// record untouched and raises NoticeFailed. Payloads are forwarded whatever
// their content, including empty ones.
func (s *Service) Extract(ctx context.Context, sess *session.Session, fileName string, data []byte) error {
	if err := sess.Begin(session.FlagUploading); err != nil {
		return err
	}
	defer sess.End(session.FlagUploading)

	log := s.logger.With().Str("session_id", sess.ID().String()).Str("op", "upload").Logger()

	if int64(len(data)) > s.maxBytes {
		log.Warn().Int("bytes", len(data)).Int64("limit", s.maxBytes).Msg("upload rejected")
		sess.Notify("upload", NoticeFailed)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.maxBytes)
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	extracted, err := s.backend.Extract(callCtx, sess.ID().String(), fileName, data)
	if err != nil {
		log.Error().Err(err).Str("file", fileName).Dur("latency", time.Since(start)).Msg("extraction failed")
		sess.Notify("upload", NoticeFailed)
		return fmt.Errorf("extract %s: %w", fileName, err)
	}

	sess.ApplyExtraction(extracted)
	log.Info().
		Str("file", fileName).
		Int("fields", len(extracted)).
		Bool("found", extracted != nil).
		Dur("latency", time.Since(start)).
		Msg("extraction applied")
	return nil
}
