package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SessionStore is the external conversation-history collaborator. Append is
// called once per completed turn; Load returns at most limit prior
// messages, oldest first.
type SessionStore interface {
	LoadHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)
	AppendTurn(ctx context.Context, sessionID, patientID string, userText, assistantText string, meta TurnMetadata) error
}

// TurnInput is the single entry contract of the workflow.
type TurnInput struct {
	PatientID string
	SessionID string
	Text      string
	AudioRef  string
	ImageRef  string
}

// TurnMetadata is the observability envelope returned with every response.
type TurnMetadata struct {
	InputKind         InputKind `json:"input_kind"`
	EmergencyDetected bool      `json:"emergency_detected"`
	SafetyPassed      bool      `json:"safety_passed"`
	ToolsUsed         []string  `json:"tools_used"`
	ErrorKind         Kind      `json:"error_kind,omitempty"`
}

// TurnResult is what the caller receives; Response is the only state field
// that leaves the workflow.
type TurnResult struct {
	Response string       `json:"response"`
	Metadata TurnMetadata `json:"metadata"`
}

// Orchestrator binds the executor to the session store: it loads the
// trimmed history before a turn and persists the completed turn after.
// It is safe for concurrent use; every turn gets its own state.
type Orchestrator struct {
	exec     *Executor
	sessions SessionStore
	window   int
	log      *zap.Logger
}

// NewOrchestrator builds the full workflow against the given collaborators.
func NewOrchestrator(deps Deps, sessions SessionStore, cfg Config, log *zap.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		exec:     NewExecutor(deps, cfg, log),
		sessions: sessions,
		window:   cfg.HistoryWindow,
		log:      log,
	}
}

// RunTurn processes one patient turn start to finish. It always returns a
// usable response unless the context was cancelled, in which case nothing
// is persisted and the error is returned.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	history, err := o.sessions.LoadHistory(ctx, in.SessionID, o.window)
	if err != nil {
		// History is enrichment; the turn still runs without it.
		o.log.Warn("history load failed, starting turn without history",
			zap.String("session_id", in.SessionID),
			zap.Error(err),
		)
		history = nil
	}

	st := newConversationState(in, history, o.window)
	if err := o.exec.run(ctx, st); err != nil {
		return TurnResult{}, fmt.Errorf("turn abandoned: %w", err)
	}

	meta := TurnMetadata{
		InputKind:         st.Kind,
		EmergencyDetected: st.EmergencyFlag,
		SafetyPassed:      st.SafetyPassed,
		ToolsUsed:         st.ToolsUsed(),
		ErrorKind:         st.ErrKind,
	}

	if err := o.sessions.AppendTurn(ctx, in.SessionID, in.PatientID, userFacingText(st), st.Final, meta); err != nil {
		o.log.Warn("turn persistence failed",
			zap.String("session_id", in.SessionID),
			zap.Error(err),
		)
	}

	return TurnResult{Response: st.Final, Metadata: meta}, nil
}

// userFacingText is the history entry for the patient side of the turn:
// the typed text, else the transcript, else an attachment placeholder.
func userFacingText(st *ConversationState) string {
	if q := st.EffectiveQuery(); q != "" {
		return q
	}
	if st.ImageRef != "" {
		return "[image attachment]"
	}
	if st.AudioRef != "" {
		return "[audio attachment]"
	}
	return ""
}
