package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthtwin/healthtwin/internal/domain/analysis"
	"github.com/healthtwin/healthtwin/internal/domain/session"
	"github.com/healthtwin/healthtwin/internal/platform/backend"
	"github.com/healthtwin/healthtwin/internal/platform/telemetry"
)

type testServer struct {
	e       *echo.Echo
	wf      *Workflow
	backend *fakeBackend
	metrics *telemetry.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	b := newFakeBackend()
	wf, m := newTestWorkflow(b)
	e := echo.New()
	NewHandler(wf, 1024).RegisterRoutes(e.Group("/api/v1"))
	return &testServer{e: e, wf: wf, backend: b, metrics: m}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, target, bytes.NewReader(buf))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) create(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeState(t, rec).ID.String()
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) session.State {
	t.Helper()
	var st session.State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v: %s", err, rec.Body.String())
	}
	return st
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v: %s", err, rec.Body.String())
	}
	return body.Message
}

func multipartFile(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return body, w.FormDataContentType()
}

func TestHandler_ListFields(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/fields", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var fields []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &fields); err != nil {
		t.Fatal(err)
	}
	if len(fields) != 12 || fields[0]["name"] != "age" {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestHandler_CreateAndGet(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	rec := s.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	st := decodeState(t, rec)
	if st.Phase != session.PhaseInput || st.View != session.ViewUpload {
		t.Errorf("unexpected initial state %s/%s", st.Phase, st.View)
	}
	if len(st.Turns) != 1 || st.Turns[0].Role != session.RoleAssistant {
		t.Errorf("expected welcome turn, got %+v", st.Turns)
	}
	if st.Record["gender"] != "Male" {
		t.Errorf("expected default record, got %v", st.Record)
	}
}

func TestHandler_ListSessions(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.create(t)
	}
	rec := s.do(t, http.MethodGet, "/api/v1/sessions?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []session.State `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 2 || page.Total != 3 || !page.HasMore {
		t.Errorf("unexpected page %d/%d more=%v", len(page.Data), page.Total, page.HasMore)
	}
}

func TestHandler_DeleteSession(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	if rec := s.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHandler_FullFlow(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)
	base := "/api/v1/sessions/" + id

	rec := s.do(t, http.MethodPut, base+"/fields/age", map[string]any{"value": 52})
	if rec.Code != http.StatusOK {
		t.Fatalf("set field: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeState(t, rec).Record["age"]; got != 52.0 {
		t.Errorf("expected age 52, got %v", got)
	}

	rec = s.do(t, http.MethodPost, base+"/analyze", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze: %d %s", rec.Code, rec.Body.String())
	}
	st := decodeState(t, rec)
	if st.Phase != session.PhaseResults || st.Result == nil {
		t.Fatalf("expected results phase with a result, got %s", st.Phase)
	}

	rec = s.do(t, http.MethodGet, base+"/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("results: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"band_label":"Low Risk"`) {
		t.Errorf("expected low risk card, got %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, base+"/chat", map[string]string{"message": "Should I worry?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", rec.Code, rec.Body.String())
	}
	var chat struct {
		Sent    bool          `json:"sent"`
		Replied bool          `json:"replied"`
		Session session.State `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &chat); err != nil {
		t.Fatal(err)
	}
	if !chat.Sent || !chat.Replied || len(chat.Session.Turns) != 3 {
		t.Errorf("unexpected chat response %+v", chat)
	}

	rec = s.do(t, http.MethodPost, base+"/explain", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), s.backend.explain) {
		t.Errorf("explain: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, base+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d %s", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); cd != "attachment; filename=Health_Analysis_Report.pdf" {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if rec.Header().Get(echo.HeaderContentType) != "application/pdf" {
		t.Errorf("unexpected content type %q", rec.Header().Get(echo.HeaderContentType))
	}
	key := rec.Header().Get("X-Report-Key")
	if key == "" {
		t.Fatal("expected X-Report-Key")
	}

	rec = s.do(t, http.MethodGet, base+"/reports", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), key) {
		t.Errorf("reports list: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodGet, base+"/reports/"+path.Base(key), nil)
	if rec.Code != http.StatusOK || rec.Body.String() != string(s.backend.report) {
		t.Errorf("stored report: %d %q", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, base+"/summary.pdf", nil)
	if rec.Code != http.StatusOK || !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Errorf("summary: %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, base+"/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d", rec.Code)
	}
	st = decodeState(t, rec)
	if st.Phase != session.PhaseInput || st.Result != nil || st.Record["age"] != 52.0 {
		t.Errorf("expected input phase with record kept, got %+v", st)
	}

	if s.metrics.Operations(OpReport, telemetry.OutcomeOK) != 1 || s.metrics.Operations(OpSummary, telemetry.OutcomeOK) != 1 {
		t.Error("expected report and summary counted")
	}
}

func TestHandler_Upload(t *testing.T) {
	s := newTestServer(t)
	s.backend.extracted = map[string]any{"age": json.Number("45"), "bmi": json.Number("27.5")}
	id := s.create(t)

	body, ct := multipartFile(t, "labs.pdf", []byte("%PDF-1.4 labs"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/upload", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeState(t, rec)
	if st.View != session.ViewManual {
		t.Errorf("expected manual view, got %s", st.View)
	}
	if st.Record["age"] != 45.0 || st.Record["bmi"] != 27.5 {
		t.Errorf("expected merged values, got %v", st.Record)
	}
}

func TestHandler_UploadRequiresFile(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)
	if rec := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/upload", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_UploadTooLarge(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)

	body, ct := multipartFile(t, "big.pdf", bytes.Repeat([]byte("x"), 2048))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/upload", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if s.backend.count(backend.OpExtract) != 0 {
		t.Error("expected no extraction request")
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)
	base := "/api/v1/sessions/" + id

	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"bad id", http.MethodGet, "/api/v1/sessions/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown session", http.MethodPost, "/api/v1/sessions/" + uuid.NewString() + "/analyze", nil, http.StatusNotFound},
		{"unknown view", http.MethodPut, base + "/view", map[string]string{"view": "camera"}, http.StatusBadRequest},
		{"results before analysis", http.MethodGet, base + "/results", nil, http.StatusConflict},
		{"chat before analysis", http.MethodPost, base + "/chat", map[string]string{"message": "hi"}, http.StatusConflict},
		{"invalid report name", http.MethodGet, base + "/reports/..", nil, http.StatusBadRequest},
		{"missing report", http.MethodGet, base + "/reports/none.pdf", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, tt.method, tt.target, tt.body); rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_RemoteFailureCarriesNotice(t *testing.T) {
	s := newTestServer(t)
	s.backend.err[backend.OpAnalyze] = &backend.RemoteError{Op: backend.OpAnalyze, StatusCode: http.StatusInternalServerError}
	id := s.create(t)

	rec := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/analyze", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != analysis.NoticeFailed {
		t.Errorf("unexpected message %q", msg)
	}

	st := decodeState(t, s.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil))
	if len(st.Notices) != 1 || st.Notices[0].Message != analysis.NoticeFailed {
		t.Errorf("expected persisted notice, got %+v", st.Notices)
	}

	st = decodeState(t, s.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/notices", nil))
	if len(st.Notices) != 0 {
		t.Errorf("expected notices dismissed, got %+v", st.Notices)
	}
}

func TestHandler_RemoteTimeout(t *testing.T) {
	s := newTestServer(t)
	s.backend.err[backend.OpAnalyze] = &backend.RemoteError{Op: backend.OpAnalyze, Err: context.DeadlineExceeded}
	id := s.create(t)

	rec := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/analyze", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
	if s.metrics.Operations(OpAnalyze, telemetry.OutcomeTimeout) != 1 {
		t.Error("expected timed out analysis counted")
	}
}

func TestHandler_InFlightConflict(t *testing.T) {
	s := newTestServer(t)
	id := s.create(t)
	sess, err := s.wf.Get(context.Background(), uuid.MustParse(id))
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Begin(session.FlagAnalyzing); err != nil {
		t.Fatal(err)
	}
	defer sess.End(session.FlagAnalyzing)

	rec := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/analyze", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if s.backend.count(backend.OpAnalyze) != 0 {
		t.Error("expected no analysis request while one is in flight")
	}
}
