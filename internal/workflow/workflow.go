// Package workflow binds the intake, analysis, results, assistant and report
// components to stored sessions. Every operation loads the session, runs,
// and writes the session back, whether the operation succeeded or not.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/domain/analysis"
	"github.com/healthtwin/healthtwin/internal/domain/assistant"
	"github.com/healthtwin/healthtwin/internal/domain/intake"
	"github.com/healthtwin/healthtwin/internal/domain/report"
	"github.com/healthtwin/healthtwin/internal/domain/results"
	"github.com/healthtwin/healthtwin/internal/domain/session"
	"github.com/healthtwin/healthtwin/internal/platform/blobstore"
	"github.com/healthtwin/healthtwin/internal/platform/telemetry"
)

// Operation names used for metrics and logs.
const (
	OpUpload   = "upload"
	OpAnalyze  = "analyze"
	OpChat     = "chat"
	OpExplain  = "explain"
	OpReport   = "report"
	OpSummary  = "summary"
	OpReset    = "reset"
	OpSetField = "set_field"
	OpSetView  = "set_view"
)

// Backend is everything the workflow needs from the analysis service.
type Backend interface {
	intake.Extractor
	analysis.Analyzer
	assistant.Chatter
	assistant.Explainer
	report.Fetcher
}

type Options struct {
	Welcome        string
	ExtractTimeout time.Duration
	AnalyzeTimeout time.Duration
	ChatTimeout    time.Duration
	ReportTimeout  time.Duration
	ExplainTimeout time.Duration
	UploadMaxBytes int64
	Titles         results.Titles
}

type Workflow struct {
	store   session.Store
	intake  *intake.Service
	analyze *analysis.Service
	chat    *assistant.Service
	explain *assistant.ExplainService
	reports *report.Service
	titles  results.Titles
	welcome string
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// New wires the components. blobs may be nil to disable report persistence
// and metrics may be nil.
func New(store session.Store, backend Backend, blobs blobstore.Store, opts Options, metrics *telemetry.Metrics, logger zerolog.Logger) *Workflow {
	titles := opts.Titles
	if titles == nil {
		titles = results.DefaultTitles
	}
	return &Workflow{
		store:   store,
		intake:  intake.NewService(backend, opts.ExtractTimeout, opts.UploadMaxBytes, logger),
		analyze: analysis.NewService(backend, opts.AnalyzeTimeout, logger),
		chat:    assistant.NewService(backend, opts.ChatTimeout, logger),
		explain: assistant.NewExplainService(backend, opts.ExplainTimeout, logger),
		reports: report.NewService(backend, blobs, opts.ReportTimeout, logger),
		titles:  titles,
		welcome: opts.Welcome,
		metrics: metrics,
		logger:  logger,
	}
}

// Create starts a new session with default values.
func (w *Workflow) Create(ctx context.Context) (*session.Session, error) {
	sess := session.New(w.welcome)
	if err := w.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	w.publishActive(ctx)
	w.logger.Info().Str("session_id", sess.ID().String()).Msg("session created")
	return sess, nil
}

func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return w.store.Get(ctx, id)
}

func (w *Workflow) Delete(ctx context.Context, id uuid.UUID) error {
	if err := w.store.Delete(ctx, id); err != nil {
		return err
	}
	w.publishActive(ctx)
	return nil
}

func (w *Workflow) List(ctx context.Context, limit, offset int) ([]session.State, int, error) {
	sessions, total, err := w.store.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]session.State, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.State())
	}
	return out, total, nil
}

// SetField applies one manual edit. Edits are accepted in either phase.
func (w *Workflow) SetField(ctx context.Context, id uuid.UUID, name string, value any) (*session.Session, error) {
	return w.run(ctx, id, OpSetField, func(sess *session.Session) error {
		sess.SetField(name, value)
		return nil
	})
}

func (w *Workflow) SetView(ctx context.Context, id uuid.UUID, view string) (*session.Session, error) {
	v, err := session.ParseView(view)
	if err != nil {
		return nil, err
	}
	return w.run(ctx, id, OpSetView, func(sess *session.Session) error {
		sess.SetView(v)
		return nil
	})
}

func (w *Workflow) Upload(ctx context.Context, id uuid.UUID, fileName string, data []byte) (*session.Session, error) {
	return w.run(ctx, id, OpUpload, func(sess *session.Session) error {
		return w.intake.Extract(ctx, sess, fileName, data)
	})
}

func (w *Workflow) Analyze(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return w.run(ctx, id, OpAnalyze, func(sess *session.Session) error {
		_, err := w.analyze.Analyze(ctx, sess)
		return err
	})
}

func (w *Workflow) Reset(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return w.run(ctx, id, OpReset, func(sess *session.Session) error {
		w.analyze.Reset(sess)
		return nil
	})
}

// Results renders the current result for display.
func (w *Workflow) Results(ctx context.Context, id uuid.UUID) (*results.Summary, error) {
	sess, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.titles.Summarize(sess.Result())
}

// Chat sends one message. sent is false for blank text. A failed reply is
// not an error to the caller: the user turn stays as the tail of the
// conversation and replied is false.
func (w *Workflow) Chat(ctx context.Context, id uuid.UUID, text string) (sess *session.Session, sent, replied bool, err error) {
	sess, err = w.run(ctx, id, OpChat, func(s *session.Session) error {
		var chatErr error
		sent, chatErr = w.chat.SendTurn(ctx, s, text)
		if chatErr != nil && sent {
			return errChatUnanswered
		}
		replied = sent
		return chatErr
	})
	if errors.Is(err, errChatUnanswered) {
		return sess, true, false, nil
	}
	return sess, sent, replied, err
}

var errChatUnanswered = errors.New("chat reply failed")

func (w *Workflow) Explain(ctx context.Context, id uuid.UUID) (string, error) {
	var text string
	_, err := w.run(ctx, id, OpExplain, func(sess *session.Session) error {
		var err error
		text, err = w.explain.Explain(ctx, sess)
		return err
	})
	return text, err
}

// Report downloads the remote report.
func (w *Workflow) Report(ctx context.Context, id uuid.UUID) (*report.Report, error) {
	var rep *report.Report
	_, err := w.run(ctx, id, OpReport, func(sess *session.Session) error {
		var err error
		rep, err = w.reports.Download(ctx, sess)
		return err
	})
	return rep, err
}

// Summary renders the offline summary PDF.
func (w *Workflow) Summary(ctx context.Context, id uuid.UUID) (*report.Report, error) {
	sess, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rep, err := report.RenderSummary(sess)
	w.metrics.CountOperation(OpSummary, outcome(err))
	return rep, err
}

func (w *Workflow) StoredReports(ctx context.Context, id uuid.UUID) ([]blobstore.Object, error) {
	if _, err := w.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return w.reports.Stored(ctx, id)
}

func (w *Workflow) OpenReport(ctx context.Context, id uuid.UUID, name string) (*report.Report, error) {
	if _, err := w.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return w.reports.Open(ctx, id, name)
}

func (w *Workflow) DismissNotices(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return w.run(ctx, id, "dismiss_notices", func(sess *session.Session) error {
		sess.DismissNotices()
		return nil
	})
}

// run loads the session, applies fn and saves the session. Save runs even
// when fn fails because failures leave notices behind. It uses a context
// detached from cancellation so a timed-out request still persists them.
func (w *Workflow) run(ctx context.Context, id uuid.UUID, op string, fn func(*session.Session) error) (*session.Session, error) {
	sess, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	opErr := fn(sess)
	w.metrics.CountOperation(op, outcome(opErr))

	if errors.Is(opErr, session.ErrInFlight) {
		return sess, opErr
	}
	if err := w.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		w.logger.Error().Err(err).Str("session_id", id.String()).Str("op", op).Msg("session save failed")
		if opErr == nil {
			return sess, err
		}
	}
	return sess, opErr
}

func (w *Workflow) publishActive(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	if _, total, err := w.store.List(ctx, 1, 0); err == nil {
		w.metrics.SetActiveSessions(int64(total))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case errors.Is(err, session.ErrInFlight):
		return telemetry.OutcomeRejected
	case errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeTimeout
	}
	return telemetry.OutcomeError
}
