package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthtwin/healthtwin/internal/domain/analysis"
	"github.com/healthtwin/healthtwin/internal/domain/assistant"
	"github.com/healthtwin/healthtwin/internal/domain/intake"
	"github.com/healthtwin/healthtwin/internal/domain/record"
	"github.com/healthtwin/healthtwin/internal/domain/report"
	"github.com/healthtwin/healthtwin/internal/domain/results"
	"github.com/healthtwin/healthtwin/internal/domain/session"
	"github.com/healthtwin/healthtwin/internal/platform/backend"
	"github.com/healthtwin/healthtwin/internal/platform/blobstore"
	"github.com/healthtwin/healthtwin/pkg/pagination"
)

type Handler struct {
	wf             *Workflow
	uploadMaxBytes int64
}

func NewHandler(wf *Workflow, uploadMaxBytes int64) *Handler {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = intake.DefaultMaxBytes
	}
	return &Handler{wf: wf, uploadMaxBytes: uploadMaxBytes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/fields", h.ListFields)

	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.DeleteSession)

	api.PUT("/sessions/:id/fields/:name", h.SetField)
	api.PUT("/sessions/:id/view", h.SetView)
	api.POST("/sessions/:id/upload", h.Upload)
	api.POST("/sessions/:id/analyze", h.Analyze)
	api.POST("/sessions/:id/reset", h.Reset)
	api.DELETE("/sessions/:id/notices", h.DismissNotices)

	api.GET("/sessions/:id/results", h.GetResults)
	api.POST("/sessions/:id/chat", h.Chat)
	api.POST("/sessions/:id/explain", h.Explain)

	api.POST("/sessions/:id/report", h.DownloadReport)
	api.GET("/sessions/:id/summary.pdf", h.SummaryPDF)
	api.GET("/sessions/:id/reports", h.ListReports)
	api.GET("/sessions/:id/reports/:name", h.GetReport)
}

// -- Sessions --

func (h *Handler) ListFields(c echo.Context) error {
	return c.JSON(http.StatusOK, record.Fields())
}

func (h *Handler) CreateSession(c echo.Context) error {
	sess, err := h.wf.Create(c.Request().Context())
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusCreated, sess.State())
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	states, total, err := h.wf.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(states, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.wf.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, sess.State())
}

func (h *Handler) DeleteSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	if err := h.wf.Delete(c.Request().Context(), id); err != nil {
		return httpError(err, "")
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Input --

type fieldRequest struct {
	Value any `json:"value"`
}

func (h *Handler) SetField(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req fieldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.wf.SetField(c.Request().Context(), id, c.Param("name"), req.Value)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, sess.State())
}

type viewRequest struct {
	View string `json:"view"`
}

func (h *Handler) SetView(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req viewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.wf.SetView(c.Request().Context(), id, req.View)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, sess.State())
}

func (h *Handler) Upload(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if fh.Size > h.uploadMaxBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the upload size limit of %d bytes", h.uploadMaxBytes))
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.uploadMaxBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess, err := h.wf.Upload(c.Request().Context(), id, fh.Filename, data)
	if err != nil {
		return httpError(err, intake.NoticeFailed)
	}
	return c.JSON(http.StatusOK, sess.State())
}

func (h *Handler) Analyze(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.wf.Analyze(c.Request().Context(), id)
	if err != nil {
		return httpError(err, analysis.NoticeFailed)
	}
	return c.JSON(http.StatusOK, sess.State())
}

func (h *Handler) Reset(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.wf.Reset(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, sess.State())
}

func (h *Handler) DismissNotices(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.wf.DismissNotices(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, sess.State())
}

// -- Results --

func (h *Handler) GetResults(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sum, err := h.wf.Results(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, sum)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Sent    bool          `json:"sent"`
	Replied bool          `json:"replied"`
	Session session.State `json:"session"`
}

func (h *Handler) Chat(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, sent, replied, err := h.wf.Chat(c.Request().Context(), id, req.Message)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, chatResponse{Sent: sent, Replied: replied, Session: sess.State()})
}

func (h *Handler) Explain(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	text, err := h.wf.Explain(c.Request().Context(), id)
	if err != nil {
		return httpError(err, assistant.NoticeExplainFailed)
	}
	return c.JSON(http.StatusOK, map[string]string{"explanation": text})
}

// -- Reports --

func (h *Handler) DownloadReport(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	rep, err := h.wf.Report(c.Request().Context(), id)
	if err != nil {
		return httpError(err, report.NoticeFailed)
	}
	return sendReport(c, rep)
}

func (h *Handler) SummaryPDF(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	rep, err := h.wf.Summary(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	return sendReport(c, rep)
}

func (h *Handler) ListReports(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	objs, err := h.wf.StoredReports(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	if objs == nil {
		objs = []blobstore.Object{}
	}
	return c.JSON(http.StatusOK, objs)
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	rep, err := h.wf.OpenReport(c.Request().Context(), id, c.Param("name"))
	if err != nil {
		return httpError(err, "")
	}
	return sendReport(c, rep)
}

func sendReport(c echo.Context, rep *report.Report) error {
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", rep.FileName))
	hdr.Set("X-Report-Pages", strconv.Itoa(rep.Pages))
	if rep.Key != "" {
		hdr.Set("X-Report-Key", rep.Key)
	}
	return c.Blob(http.StatusOK, rep.ContentType, rep.Data)
}

// -- Helpers --

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

// httpError maps workflow errors to HTTP statuses. notice is the message
// used when the remote service failed.
func httpError(err error, notice string) error {
	var re *backend.RemoteError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInFlight), errors.Is(err, session.ErrStale):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, results.ErrNoResult):
		return echo.NewHTTPError(http.StatusConflict, "analysis has not completed")
	case errors.Is(err, session.ErrUnknownView), errors.Is(err, blobstore.ErrInvalidKey):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, intake.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrNotFound), errors.Is(err, report.ErrStoreDisabled):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, notice).SetInternal(err)
	case errors.As(err, &re):
		return echo.NewHTTPError(http.StatusBadGateway, notice).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
