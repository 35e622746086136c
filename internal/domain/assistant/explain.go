package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/domain/results"
	"github.com/healthtwin/healthtwin/internal/domain/session"
)

const NoticeExplainFailed = "Failed to generate explanation."

// Explainer is the remote narrative explanation contract.
type Explainer interface {
	Explain(ctx context.Context, subject string, req any) (string, error)
}

// ExplainService asks for a plain-language explanation of the current result.
type ExplainService struct {
	backend Explainer
	timeout time.Duration
	logger  zerolog.Logger
}

func NewExplainService(backend Explainer, timeout time.Duration, logger zerolog.Logger) *ExplainService {
	return &ExplainService{backend: backend, timeout: timeout, logger: logger}
}

// Explain stores and returns the explanation. It needs an analysis result.
// An explanation that arrives after the session was reset is dropped and
// reported as session.ErrStale.
func (s *ExplainService) Explain(ctx context.Context, sess *session.Session) (string, error) {
	gen := sess.Generation()
	req, err := results.BuildExplainRequest(sess)
	if err != nil {
		return "", err
	}
	if err := sess.Begin(session.FlagExplaining); err != nil {
		return "", err
	}
	defer sess.End(session.FlagExplaining)

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.backend.Explain(callCtx, sess.ID().String(), req)
	if err != nil {
		s.logger.Error().Err(err).
			Str("session_id", sess.ID().String()).
			Str("op", "explain").
			Dur("latency", time.Since(start)).
			Msg("explanation failed")
		sess.Notify("explain", NoticeExplainFailed)
		return "", fmt.Errorf("explain: %w", err)
	}

	if !sess.SetExplanationFor(gen, text) {
		s.logger.Info().
			Str("session_id", sess.ID().String()).
			Str("op", "explain").
			Msg("explanation dropped after reset")
		return "", fmt.Errorf("explain: %w", session.ErrStale)
	}
	return text, nil
}
