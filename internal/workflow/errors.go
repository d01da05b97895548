package workflow

import (
	"context"

	"go.uber.org/zap"
)

// Kind is the internal failure taxonomy for a turn. Kinds are recorded for
// observability only; the patient always sees the fixed generic message.
type Kind string

const (
	KindNone                Kind = ""
	KindInvalidIdentifier   Kind = "invalid_identifier"
	KindInvalidAttachment   Kind = "invalid_attachment"
	KindEmptyInput          Kind = "empty_input"
	KindTranscriptionFailed Kind = "transcription_failed"
	KindGenerationFailed    Kind = "generation_failed"
	KindWorkflowExceeded    Kind = "workflow_exceeded"
	KindUnclassified        Kind = "unclassified"
)

// GenericErrorMessage is the only failure text ever shown to a patient.
// Error kinds and details stay in the logs.
const GenericErrorMessage = "I'm sorry, I wasn't able to process your request right now. Please try again in a moment."

// errorStage terminates a failed turn with the non-leaking generic message.
type errorStage struct {
	log *zap.Logger
}

func (s *errorStage) Name() Stage { return StageError }

func (s *errorStage) Run(ctx context.Context, st *ConversationState) error {
	if st.ErrKind == KindNone {
		st.ErrKind = KindUnclassified
	}
	s.log.Warn("turn failed",
		zap.String("session_id", st.SessionID),
		zap.String("error_kind", string(st.ErrKind)),
		zap.String("detail", st.errDetail),
	)
	st.Final = GenericErrorMessage
	st.SafetyPassed = false
	st.RouteTo(StageDone)
	return nil
}
