// Package analysis submits the health record for risk analysis and owns the
// input to results transition.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/domain/session"
)

type (
	AnalysisResult = session.AnalysisResult
	Classification = session.Classification
)

const NoticeFailed = "Analysis failed. Please try again."

// Analyzer is the remote risk analysis contract. out receives the decoded
// {risks, classifications} body.
type Analyzer interface {
	Analyze(ctx context.Context, subject string, userData map[string]any, out any) error
}

type Service struct {
	backend Analyzer
	timeout time.Duration
	logger  zerolog.Logger
}

func NewService(backend Analyzer, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{backend: backend, timeout: timeout, logger: logger}
}

// Analyze submits a snapshot of the current record. Edits made while the
// request is in flight are not part of it. On success the result replaces any
// previous one and the session enters the results phase; on failure phase
// and result are left as they were.
func (s *Service) Analyze(ctx context.Context, sess *session.Session) (*AnalysisResult, error) {
	if err := sess.Begin(session.FlagAnalyzing); err != nil {
		return nil, err
	}
	defer sess.End(session.FlagAnalyzing)

	log := s.logger.With().Str("session_id", sess.ID().String()).Str("op", "analyze").Logger()
	snapshot := sess.Record()

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	var result AnalysisResult
	if err := s.backend.Analyze(callCtx, sess.ID().String(), snapshot, &result); err != nil {
		log.Error().Err(err).Dur("latency", time.Since(start)).Msg("analysis failed")
		sess.Notify("analyze", NoticeFailed)
		return nil, fmt.Errorf("analyze: %w", err)
	}
	if result.Risks == nil {
		result.Risks = map[string]float64{}
	}
	if result.Classifications == nil {
		result.Classifications = map[string]Classification{}
	}

	sess.ApplyResult(&result)
	log.Info().
		Int("risks", len(result.Risks)).
		Int("classifications", len(result.Classifications)).
		Dur("latency", time.Since(start)).
		Msg("analysis applied")
	return result.Clone(), nil
}

// Reset is the only way back from results to input. The record is kept so
// the user can adjust values and resubmit.
func (s *Service) Reset(sess *session.Session) {
	sess.Reset()
	s.logger.Debug().Str("session_id", sess.ID().String()).Msg("session reset")
}
