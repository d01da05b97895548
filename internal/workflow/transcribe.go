package workflow

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Transcriber is the speech-to-text collaborator contract. One call per
// turn, no automatic retry; a timeout counts as a failure.
type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (string, error)
}

// nonSpeechPattern matches transcription artifacts like [music], (coughs),
// <noise> that speech models emit for non-speech audio.
var nonSpeechPattern = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|<[^>]*>`)

// CleanTranscript normalizes whitespace and strips non-speech artifacts
// from a raw transcript.
func CleanTranscript(text string) string {
	text = nonSpeechPattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}

type transcriptionStage struct {
	stt Transcriber
	log *zap.Logger
}

func (s *transcriptionStage) Name() Stage { return StageTranscribe }

func (s *transcriptionStage) Run(ctx context.Context, st *ConversationState) error {
	text, err := s.stt.Transcribe(ctx, st.AudioRef)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st.markTool("transcription")
	if err != nil {
		st.failTurn(KindTranscriptionFailed, err.Error())
		return nil
	}

	cleaned := CleanTranscript(text)
	if cleaned == "" {
		st.failTurn(KindTranscriptionFailed, "empty transcript")
		return nil
	}
	st.Transcript = cleaned

	s.log.Debug("audio transcribed",
		zap.String("session_id", st.SessionID),
		zap.Int("transcript_chars", len(cleaned)),
	)

	if st.ImageRef != "" {
		st.RouteTo(StageImageAnalysis)
	} else {
		st.RouteTo(StageReason)
	}
	return nil
}
