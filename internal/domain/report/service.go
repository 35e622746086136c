// Package report exports the analysis report from the remote service, keeps
// a copy in the blob store, and renders an offline summary PDF.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/domain/session"
	"github.com/healthtwin/healthtwin/internal/platform/backend"
	"github.com/healthtwin/healthtwin/internal/platform/blobstore"
)

const (
	FileName     = "Health_Analysis_Report.pdf"
	NoticeFailed = "Failed to download report."
	pdfMIME      = "application/pdf"
)

var ErrStoreDisabled = errors.New("report storage is disabled")

// Fetcher is the remote report contract.
type Fetcher interface {
	Report(ctx context.Context, subject string, userData map[string]any) (*backend.Payload, error)
}

// Report is an exported report file.
type Report struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
	Pages       int    `json:"pages"`
	// Key is set when a copy was persisted.
	Key string `json:"key,omitempty"`
}

type Service struct {
	backend Fetcher
	store   blobstore.Store
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService builds the exporter. store may be nil to skip persistence.
func NewService(backend Fetcher, store blobstore.Store, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{backend: backend, store: store, timeout: timeout, logger: logger, now: time.Now}
}

// Download fetches the report for the current record. A copy is written to
// the blob store when one is configured; failing to store it is logged and
// does not fail the download.
func (s *Service) Download(ctx context.Context, sess *session.Session) (*Report, error) {
	if err := sess.Begin(session.FlagDownloading); err != nil {
		return nil, err
	}
	defer sess.End(session.FlagDownloading)

	log := s.logger.With().Str("session_id", sess.ID().String()).Str("op", "report").Logger()

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	payload, err := s.backend.Report(callCtx, sess.ID().String(), sess.Record())
	if err != nil {
		log.Error().Err(err).Dur("latency", time.Since(start)).Msg("report download failed")
		sess.Notify("report", NoticeFailed)
		return nil, fmt.Errorf("report: %w", err)
	}

	rep := &Report{FileName: FileName, ContentType: payload.ContentType, Data: payload.Data}
	detected := mimetype.Detect(payload.Data)
	if detected.Is(pdfMIME) {
		rep.ContentType = pdfMIME
		rep.Pages = CountPages(payload.Data)
	}
	if rep.ContentType == "" {
		rep.ContentType = "application/octet-stream"
	}

	if s.store != nil {
		key := s.keyFor(sess.ID(), detected.Extension())
		if _, err := s.store.Put(ctx, key, rep.Data, rep.ContentType); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("report not persisted")
		} else {
			rep.Key = key
		}
	}

	log.Info().
		Int("bytes", len(rep.Data)).
		Int("pages", rep.Pages).
		Str("key", rep.Key).
		Dur("latency", time.Since(start)).
		Msg("report downloaded")
	return rep, nil
}

// keyFor names a stored report after its download time. ext is the extension
// of the detected content type; unrecognised payloads are stored as .bin.
func (s *Service) keyFor(id uuid.UUID, ext string) string {
	if ext == "" {
		ext = ".bin"
	}
	return path.Join("reports", id.String(), s.now().UTC().Format("20060102T150405.000Z")+ext)
}

// Stored lists the persisted reports of one session, oldest first.
func (s *Service) Stored(ctx context.Context, id uuid.UUID) ([]blobstore.Object, error) {
	if s.store == nil {
		return nil, ErrStoreDisabled
	}
	return s.store.List(ctx, "reports/"+id.String()+"/")
}

// Open reads one persisted report by its file name within the session.
func (s *Service) Open(ctx context.Context, id uuid.UUID, name string) (*Report, error) {
	if s.store == nil {
		return nil, ErrStoreDisabled
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, blobstore.ErrInvalidKey
	}
	data, obj, err := s.store.Get(ctx, path.Join("reports", id.String(), name))
	if err != nil {
		return nil, err
	}
	rep := &Report{FileName: FileName, ContentType: obj.ContentType, Data: data, Key: obj.Key}
	if rep.ContentType == "" || mimetype.Detect(data).Is(pdfMIME) {
		rep.ContentType = pdfMIME
	}
	rep.Pages = CountPages(data)
	return rep, nil
}

// CountPages returns the page count of a PDF, or 0 when it cannot be parsed.
func CountPages(data []byte) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}
