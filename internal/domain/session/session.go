// Package session holds the workflow aggregate that every component operates
// on: the health record, the latest analysis result, the assistant
// conversation and the in-flight flags that keep each remote operation
// single-flight.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthtwin/healthtwin/internal/domain/record"
)

var (
	ErrInFlight    = errors.New("operation already in progress")
	ErrNotFound    = errors.New("session not found")
	ErrUnknownView = errors.New("unknown input view")
	// ErrStale reports an outcome that arrived after the session was reset.
	ErrStale = errors.New("session was reset while the request was pending")
)

// DefaultWelcome is the assistant greeting that opens every conversation.
const DefaultWelcome = "Hello! I'm your AI health assistant. Ask me anything about your results."

const maxNotices = 20

type Phase string

const (
	PhaseInput   Phase = "input"
	PhaseResults Phase = "results"
)

type View string

const (
	ViewUpload View = "upload"
	ViewManual View = "manual"
)

// ParseView validates a view name coming from a client.
func ParseView(s string) (View, error) {
	switch View(s) {
	case ViewUpload, ViewManual:
		return View(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownView, s)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the assistant conversation.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Flag names one remote operation that may be in flight.
type Flag string

const (
	FlagUploading   Flag = "uploading"
	FlagAnalyzing   Flag = "analyzing"
	FlagChatPending Flag = "chat_pending"
	FlagDownloading Flag = "downloading"
	FlagExplaining  Flag = "explaining"
)

// Notice is a user-visible message raised by a failed operation.
type Notice struct {
	Op      string    `json:"op"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Session is safe for concurrent use. Callers never hold its lock across a
// network call: they mark the operation in flight, release, call out, and
// apply the outcome through one of the mutators.
type Session struct {
	mu sync.Mutex

	id          uuid.UUID
	phase       Phase
	view        View
	record      *record.HealthRecord
	result      *AnalysisResult
	turns       []Turn
	inFlight    map[Flag]bool
	explanation string
	notices     []Notice
	welcome     string
	generation  uint64
	createdAt   time.Time
	updatedAt   time.Time
}

// New starts a session in the input phase with a default record and the
// welcome turn. An empty welcome uses DefaultWelcome.
func New(welcome string) *Session {
	if welcome == "" {
		welcome = DefaultWelcome
	}
	now := time.Now().UTC()
	s := &Session{
		id:        uuid.New(),
		phase:     PhaseInput,
		view:      ViewUpload,
		record:    record.New(),
		inFlight:  make(map[Flag]bool),
		welcome:   welcome,
		createdAt: now,
		updatedAt: now,
	}
	s.turns = []Turn{{Role: RoleAssistant, Content: welcome, At: now}}
	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) touch() {
	s.updatedAt = time.Now().UTC()
}

// Begin marks op as in flight. It returns ErrInFlight if op is already running.
func (s *Session) Begin(op Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[op] {
		return fmt.Errorf("%s: %w", op, ErrInFlight)
	}
	s.inFlight[op] = true
	return nil
}

// End clears the in-flight mark for op.
func (s *Session) End(op Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, op)
}

func (s *Session) InFlight(op Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[op]
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// SetView switches the input view without touching the record.
func (s *Session) SetView(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
	s.touch()
}

// SetField records a manual edit. Edits are accepted in either phase.
func (s *Session) SetField(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.SetField(name, value)
	s.touch()
}

// ApplyExtraction merges extracted values and switches to the manual view so
// the user can review them. A nil mapping means the service found nothing and
// leaves both record and view alone.
func (s *Session) ApplyExtraction(extracted map[string]any) {
	if extracted == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.MergeExtracted(extracted)
	s.view = ViewManual
	s.touch()
}

// Record returns an independent snapshot of the health record.
func (s *Session) Record() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Snapshot()
}

// ApplyResult replaces the analysis result and moves to the results phase.
func (s *Session) ApplyResult(r *AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r.Clone()
	s.phase = PhaseResults
	s.touch()
}

// Result returns a copy of the current analysis result, or nil.
func (s *Session) Result() *AnalysisResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result.Clone()
}

// Inputs returns the record and result together so callers building remote
// requests see a consistent pair.
func (s *Session) Inputs() (map[string]any, *AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Snapshot(), s.result.Clone()
}

// Reset returns to the input phase. The result, explanation and conversation
// are discarded; the health record is kept. Reset starts a new generation, so
// replies to requests issued before it are dropped.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.phase = PhaseInput
	s.result = nil
	s.explanation = ""
	s.turns = []Turn{{Role: RoleAssistant, Content: s.welcome, At: time.Now().UTC()}}
	s.touch()
}

// AppendTurn adds a message to the conversation.
func (s *Session) AppendTurn(role Role, content string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Turn{Role: role, Content: content, At: time.Now().UTC()}
	s.turns = append(s.turns, t)
	s.touch()
	return t
}

// Generation identifies the conversation in effect. It changes on every Reset.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// AppendTurnFor appends a turn only while gen is still current. It reports
// whether the turn was added.
func (s *Session) AppendTurnFor(gen uint64, role Role, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.turns = append(s.turns, Turn{Role: role, Content: content, At: time.Now().UTC()})
	s.touch()
	return true
}

func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) SetExplanation(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explanation = text
	s.touch()
}

// SetExplanationFor stores text only while gen is still current.
func (s *Session) SetExplanationFor(gen uint64, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.explanation = text
	s.touch()
	return true
}

func (s *Session) Explanation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.explanation
}

// Notify raises a user-visible notice. Only the most recent notices are kept.
func (s *Session) Notify(op, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, Notice{Op: op, Message: message, At: time.Now().UTC()})
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}
	s.touch()
}

func (s *Session) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

// DismissNotices clears every pending notice.
func (s *Session) DismissNotices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = nil
	s.touch()
}

// State is a point-in-time copy of a session, used for rendering and
// persistence.
type State struct {
	ID          uuid.UUID       `json:"id"`
	Phase       Phase           `json:"phase"`
	View        View            `json:"view"`
	Record      map[string]any  `json:"health_record"`
	Result      *AnalysisResult `json:"result,omitempty"`
	Turns       []Turn          `json:"turns"`
	InFlight    map[Flag]bool   `json:"in_flight"`
	Explanation string          `json:"explanation,omitempty"`
	Notices     []Notice        `json:"notices"`
	Welcome     string          `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// State returns a consistent copy of the whole session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := make(map[Flag]bool, len(s.inFlight))
	for k, v := range s.inFlight {
		flags[k] = v
	}
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	notices := make([]Notice, len(s.notices))
	copy(notices, s.notices)

	return State{
		ID:          s.id,
		Phase:       s.phase,
		View:        s.view,
		Record:      s.record.Snapshot(),
		Result:      s.result.Clone(),
		Turns:       turns,
		InFlight:    flags,
		Explanation: s.explanation,
		Notices:     notices,
		Welcome:     s.welcome,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}

// Restore rebuilds a session from persisted state. In-flight flags are not
// restored.
func Restore(st State) *Session {
	s := &Session{
		id:          st.ID,
		phase:       st.Phase,
		view:        st.View,
		record:      record.FromMap(st.Record),
		result:      st.Result.Clone(),
		turns:       append([]Turn(nil), st.Turns...),
		inFlight:    make(map[Flag]bool),
		explanation: st.Explanation,
		notices:     append([]Notice(nil), st.Notices...),
		welcome:     st.Welcome,
		createdAt:   st.CreatedAt,
		updatedAt:   st.UpdatedAt,
	}
	if s.phase == "" {
		s.phase = PhaseInput
	}
	if s.view == "" {
		s.view = ViewUpload
	}
	if s.welcome == "" {
		s.welcome = DefaultWelcome
	}
	if len(s.turns) == 0 {
		s.turns = []Turn{{Role: RoleAssistant, Content: s.welcome, At: s.createdAt}}
	}
	return s
}
