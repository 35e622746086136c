// Package assistant runs the follow-up conversation about an analysis.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/domain/results"
	"github.com/healthtwin/healthtwin/internal/domain/session"
)

// Chatter is the remote assistant contract.
type Chatter interface {
	Chat(ctx context.Context, subject, question string, chatContext any) (string, error)
}

type Service struct {
	backend Chatter
	timeout time.Duration
	logger  zerolog.Logger
}

func NewService(backend Chatter, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{backend: backend, timeout: timeout, logger: logger}
}

// SendTurn posts one user message. Blank text is ignored and reports
// sent=false. The user turn is appended before the request goes out; a reply
// appends exactly one assistant turn. A failed request adds nothing further
// and raises no notice.
//
// Sends are serialized per session: while a reply is pending, SendTurn
// returns session.ErrInFlight. A reply that arrives after the session was
// reset is dropped and reported as session.ErrStale.
func (s *Service) SendTurn(ctx context.Context, sess *session.Session, text string) (sent bool, err error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}

	gen := sess.Generation()
	chatCtx, err := results.BuildChatContext(sess)
	if err != nil {
		return false, err
	}
	if err := sess.Begin(session.FlagChatPending); err != nil {
		return false, err
	}
	defer sess.End(session.FlagChatPending)

	if !sess.AppendTurnFor(gen, session.RoleUser, text) {
		return false, fmt.Errorf("chat: %w", results.ErrNoResult)
	}
	log := s.logger.With().Str("session_id", sess.ID().String()).Str("op", "chat").Logger()

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := s.backend.Chat(callCtx, sess.ID().String(), text, chatCtx)
	if err != nil {
		log.Error().Err(err).Dur("latency", time.Since(start)).Msg("chat failed")
		return true, fmt.Errorf("chat: %w", err)
	}

	if !sess.AppendTurnFor(gen, session.RoleAssistant, reply) {
		log.Info().Dur("latency", time.Since(start)).Msg("chat reply dropped after reset")
		return true, fmt.Errorf("chat: %w", session.ErrStale)
	}
	log.Debug().Int("reply_len", len(reply)).Dur("latency", time.Since(start)).Msg("chat reply")
	return true, nil
}
