// Package workflow implements the turn-processing core of medscreening: a
// directed-graph executor that routes one patient turn through input
// classification, transcription, image analysis, optional record retrieval,
// reasoning, and a terminal safety gate. All routing decisions live in the
// stage edge table in executor.go; stages communicate only through the
// ConversationState they are handed.
package workflow

import "strings"

// Stage identifies a node in the workflow graph.
type Stage string

const (
	StageClassify      Stage = "classify"
	StageTranscribe    Stage = "transcribe"
	StageImageAnalysis Stage = "image_analysis"
	StageRetrieve      Stage = "retrieve"
	StageReason        Stage = "reason"
	StageSafety        Stage = "safety"
	StageError         Stage = "error"

	// StageDone is the terminal sentinel set by SafetyStage and ErrorStage.
	// It is never executed.
	StageDone Stage = "done"
)

// InputKind classifies the modality of one patient turn.
type InputKind string

const (
	InputText       InputKind = "text"
	InputSpeech     InputKind = "speech"
	InputImage      InputKind = "image"
	InputMultimodal InputKind = "multimodal"
)

// Message roles as stored in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single prior turn entry in the history window.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ImageFinding is the structured result of the image-classification
// collaborator. A degraded finding (Degraded=true, Confidence=0) is produced
// when the collaborator fails; image analysis is advisory, never blocking.
type ImageFinding struct {
	Label        string             `json:"label"`
	Confidence   float64            `json:"confidence"`
	Note         string             `json:"note"`
	Distribution map[string]float64 `json:"distribution"`
	Degraded     bool               `json:"degraded"`
}

// RetrievalContext is grounding material fetched from the patient's own
// records. An empty GroundingText means retrieval found nothing usable.
type RetrievalContext struct {
	GroundingText string   `json:"grounding_text"`
	SourceIDs     []string `json:"source_ids"`
}

// ConversationState is the mutable record threaded through every stage of
// one turn. It is owned exclusively by the Executor for the duration of the
// turn and is never persisted; only the final response and the updated
// history survive into the session store.
type ConversationState struct {
	PatientID string
	SessionID string

	// History is the trimmed FIFO window of prior turns, oldest first.
	History []Message

	Kind     InputKind
	RawText  string
	AudioRef string
	ImageRef string

	// Derived fields, each populated by exactly one stage.
	Transcript string
	Finding    *ImageFinding
	Retrieved  *RetrievalContext
	Draft      string
	Final      string

	EmergencyFlag bool
	SafetyPassed  bool

	// ErrKind records why the turn was diverted to ErrorStage.
	ErrKind   Kind
	errDetail string

	next               Stage
	retrievalRequested bool
	toolsUsed          []string
}

func newConversationState(in TurnInput, history []Message, window int) *ConversationState {
	return &ConversationState{
		PatientID: in.PatientID,
		SessionID: in.SessionID,
		History:   trimHistory(history, window),
		RawText:   in.Text,
		AudioRef:  in.AudioRef,
		ImageRef:  in.ImageRef,
		next:      StageClassify,
	}
}

// RouteTo records the routing decision for the executor to act on.
func (s *ConversationState) RouteTo(next Stage) {
	s.next = next
}

// Next returns the pending routing decision.
func (s *ConversationState) Next() Stage {
	return s.next
}

// failTurn diverts the turn to ErrorStage with a recorded kind. The first
// recorded kind wins; later failures never overwrite it.
func (s *ConversationState) failTurn(kind Kind, detail string) {
	if s.ErrKind == KindNone {
		s.ErrKind = kind
		s.errDetail = detail
	}
	s.next = StageError
}

// RequestRetrieval marks the turn as wanting a retrieval pass. The flag is
// settable at most once per turn; the second and any later call reports
// false so the caller cannot re-open the retrieval cycle.
func (s *ConversationState) RequestRetrieval() bool {
	if s.retrievalRequested {
		return false
	}
	s.retrievalRequested = true
	return true
}

// EffectiveQuery is the text the reasoning stage works from: raw text when
// present, the transcript otherwise.
func (s *ConversationState) EffectiveQuery() string {
	if strings.TrimSpace(s.RawText) != "" {
		return s.RawText
	}
	return s.Transcript
}

func (s *ConversationState) markTool(name string) {
	for _, t := range s.toolsUsed {
		if t == name {
			return
		}
	}
	s.toolsUsed = append(s.toolsUsed, name)
}

// ToolsUsed lists the collaborators invoked this turn, in invocation order.
func (s *ConversationState) ToolsUsed() []string {
	out := make([]string, len(s.toolsUsed))
	copy(out, s.toolsUsed)
	return out
}

// trimHistory keeps the most recent n messages. The window is a FIFO over
// turns, not a summary; oldest entries fall off first.
func trimHistory(history []Message, n int) []Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
