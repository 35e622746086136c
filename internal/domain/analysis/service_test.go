package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/domain/session"
)

// fakeAnalyzer answers with canned JSON bodies in order.
type fakeAnalyzer struct {
	mu       sync.Mutex
	bodies   []string
	err      error
	block    chan struct{}
	received []map[string]any
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ string, userData map[string]any, out any) error {
	f.mu.Lock()
	f.received = append(f.received, userData)
	var body string
	if len(f.bodies) > 0 {
		body, f.bodies = f.bodies[0], f.bodies[1:]
	}
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(body), out)
}

func (f *fakeAnalyzer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

const diabetes15 = `{"risks": {"Diabetes_Risk_%": 15}, "classifications": {"HbA1c": "Normal", "Cholesterol": {"HDL": "Low", "LDL": "Optimal"}}}`

func TestAnalyze_SuccessEntersResults(t *testing.T) {
	f := &fakeAnalyzer{bodies: []string{diabetes15}}
	sess := session.New("")

	res, err := NewService(f, time.Second, zerolog.Nop()).Analyze(context.Background(), sess)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Risks["Diabetes_Risk_%"] != 15 {
		t.Errorf("unexpected risks %v", res.Risks)
	}
	if sess.Phase() != session.PhaseResults {
		t.Errorf("expected results phase, got %s", sess.Phase())
	}
	stored := sess.Result()
	if stored == nil || stored.Classifications["Cholesterol"].Nested["HDL"] != "Low" {
		t.Errorf("expected nested classification stored, got %+v", stored)
	}
	if f.received[0]["gender"] != "Male" || f.received[0]["age"] != 30 {
		t.Errorf("expected default record submitted, got %v", f.received[0])
	}
	if sess.InFlight(session.FlagAnalyzing) {
		t.Error("expected analyzing flag cleared")
	}
}

func TestAnalyze_FailureStaysInInput(t *testing.T) {
	f := &fakeAnalyzer{err: errors.New("status 500")}
	sess := session.New("")

	if _, err := NewService(f, time.Second, zerolog.Nop()).Analyze(context.Background(), sess); err == nil {
		t.Fatal("expected error")
	}
	if sess.Phase() != session.PhaseInput || sess.Result() != nil {
		t.Errorf("expected input phase and no result, got %s %+v", sess.Phase(), sess.Result())
	}
	notices := sess.Notices()
	if len(notices) != 1 || notices[0].Message != NoticeFailed {
		t.Errorf("expected analysis notice, got %v", notices)
	}
}

func TestAnalyze_FailureKeepsPreviousResult(t *testing.T) {
	f := &fakeAnalyzer{bodies: []string{diabetes15}}
	sess := session.New("")
	svc := NewService(f, time.Second, zerolog.Nop())
	if _, err := svc.Analyze(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	f.err = errors.New("timeout")
	if _, err := svc.Analyze(context.Background(), sess); err == nil {
		t.Fatal("expected error")
	}
	if sess.Phase() != session.PhaseResults || sess.Result().Risks["Diabetes_Risk_%"] != 15 {
		t.Error("expected previous result to survive a failed re-analysis")
	}
}

func TestAnalyze_ReplacesResult(t *testing.T) {
	f := &fakeAnalyzer{bodies: []string{diabetes15, `{"risks": {"Hypertension_Risk_%": 42}, "classifications": {}}`}}
	sess := session.New("")
	svc := NewService(f, time.Second, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := svc.Analyze(context.Background(), sess); err != nil {
			t.Fatal(err)
		}
	}
	res := sess.Result()
	if _, ok := res.Risks["Diabetes_Risk_%"]; ok {
		t.Error("expected first result replaced in full")
	}
	if res.Risks["Hypertension_Risk_%"] != 42 {
		t.Errorf("unexpected risks %v", res.Risks)
	}
}

func TestAnalyze_ConcurrentRejected(t *testing.T) {
	f := &fakeAnalyzer{bodies: []string{diabetes15}, block: make(chan struct{})}
	sess := session.New("")
	svc := NewService(f, time.Second, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Analyze(context.Background(), sess)
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !sess.InFlight(session.FlagAnalyzing) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := svc.Analyze(context.Background(), sess); !errors.Is(err, session.ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}
	close(f.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if f.calls() != 1 {
		t.Errorf("expected one request, got %d", f.calls())
	}
}

func TestAnalyze_SubmitsSnapshot(t *testing.T) {
	f := &fakeAnalyzer{bodies: []string{diabetes15}, block: make(chan struct{})}
	sess := session.New("")
	svc := NewService(f, time.Second, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Analyze(context.Background(), sess)
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for f.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sess.SetField("age", 99)
	close(f.block)
	<-done

	if f.received[0]["age"] != 30 {
		t.Errorf("edit during flight leaked into request: %v", f.received[0]["age"])
	}
	if sess.Record()["age"] != 99 {
		t.Error("expected edit to be kept on the record")
	}
}

func TestAnalyze_TimeoutClearsFlag(t *testing.T) {
	f := &fakeAnalyzer{block: make(chan struct{})}
	defer close(f.block)
	sess := session.New("")

	_, err := NewService(f, 20*time.Millisecond, zerolog.Nop()).Analyze(context.Background(), sess)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if sess.InFlight(session.FlagAnalyzing) || sess.Phase() != session.PhaseInput {
		t.Error("expected flag cleared and phase unchanged")
	}
}

func TestReset(t *testing.T) {
	f := &fakeAnalyzer{bodies: []string{diabetes15}}
	sess := session.New("")
	sess.SetField("age", 52)
	svc := NewService(f, time.Second, zerolog.Nop())
	if _, err := svc.Analyze(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	sess.AppendTurn(session.RoleUser, "hi")

	svc.Reset(sess)

	if sess.Phase() != session.PhaseInput || sess.Result() != nil {
		t.Error("expected input phase without result")
	}
	if turns := sess.Turns(); len(turns) != 1 || turns[0].Role != session.RoleAssistant {
		t.Errorf("expected only the welcome turn, got %v", turns)
	}
	if sess.Record()["age"] != 52 {
		t.Error("expected record preserved across reset")
	}
}
