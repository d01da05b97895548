package workflow

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// inputClassifier determines the turn's modality and validates attachments
// before any downstream stage runs. Routing priority is fixed: audio first,
// then image-only, then plain text.
type inputClassifier struct {
	log *zap.Logger
}

func (s *inputClassifier) Name() Stage { return StageClassify }

func (s *inputClassifier) Run(ctx context.Context, st *ConversationState) error {
	if err := ValidatePatientID(st.PatientID); err != nil {
		st.failTurn(KindInvalidIdentifier, err.Error())
		return nil
	}

	st.RawText = SanitizeText(st.RawText)

	if st.AudioRef != "" {
		if err := ValidateAudioRef(st.AudioRef); err != nil {
			st.failTurn(KindInvalidAttachment, err.Error())
			return nil
		}
	}
	if st.ImageRef != "" {
		if err := ValidateImageRef(st.ImageRef); err != nil {
			st.failTurn(KindInvalidAttachment, err.Error())
			return nil
		}
	}

	hasText := strings.TrimSpace(st.RawText) != ""
	hasAudio := st.AudioRef != ""
	hasImage := st.ImageRef != ""

	switch {
	case hasAudio && hasImage:
		st.Kind = InputMultimodal
	case hasAudio:
		st.Kind = InputSpeech
	case hasImage:
		st.Kind = InputImage
	case hasText:
		st.Kind = InputText
	default:
		st.failTurn(KindEmptyInput, "no text, audio, or image provided")
		return nil
	}

	s.log.Debug("input classified",
		zap.String("session_id", st.SessionID),
		zap.String("input_kind", string(st.Kind)),
	)

	// Audio wins the first hop so that, for multimodal input, the image
	// stage always sees the transcript before reasoning runs.
	switch {
	case hasAudio:
		st.RouteTo(StageTranscribe)
	case hasImage:
		st.RouteTo(StageImageAnalysis)
	default:
		st.RouteTo(StageReason)
	}
	return nil
}
