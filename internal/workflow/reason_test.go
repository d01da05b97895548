package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newReasoningStage(gen Generator) *reasoningStage {
	return &reasoningStage{
		generator:     gen,
		emergency:     NewPhraseDetector(DefaultEmergencyPhrases()),
		historyIntent: NewPhraseDetector(DefaultHistoryIntentPhrases()),
		log:           zap.NewNop(),
	}
}

// Emergency detection is a pure function of the effective query text: media
// and history must not influence it.
func TestReasoningStage_EmergencyIgnoresContext(t *testing.T) {
	gen := &mockGenerator{text: "irrelevant"}
	stage := newReasoningStage(gen)

	st := &ConversationState{
		PatientID: testPatientID,
		RawText:   "uncontrolled bleeding from my leg",
		History:   []Message{{Role: RoleUser, Content: "hello"}},
		Finding:   &ImageFinding{Label: "Acne", Confidence: 0.9},
		Retrieved: &RetrievalContext{GroundingText: "old records"},
	}
	require.NoError(t, stage.Run(context.Background(), st))

	assert.True(t, st.EmergencyFlag)
	assert.Equal(t, EmergencyDirective, st.Draft)
	assert.Equal(t, StageSafety, st.Next())
	assert.Empty(t, gen.calls, "no model call on emergency")
}

func TestReasoningStage_EmergencyOnTranscript(t *testing.T) {
	gen := &mockGenerator{text: "irrelevant"}
	stage := newReasoningStage(gen)

	st := &ConversationState{PatientID: testPatientID, Transcript: "i think she passed out"}
	require.NoError(t, stage.Run(context.Background(), st))

	assert.True(t, st.EmergencyFlag)
}

func TestReasoningStage_HistoryIntentRoutesToRetrieval(t *testing.T) {
	gen := &mockGenerator{text: "irrelevant"}
	stage := newReasoningStage(gen)

	st := &ConversationState{PatientID: testPatientID, RawText: "please list my medications"}
	require.NoError(t, stage.Run(context.Background(), st))

	assert.Equal(t, StageRetrieve, st.Next())
	assert.Empty(t, gen.calls, "generation waits for the retrieval pass")
}

func TestReasoningStage_SecondPassGenerates(t *testing.T) {
	gen := &mockGenerator{text: "Your records show two active prescriptions."}
	stage := newReasoningStage(gen)

	st := &ConversationState{
		PatientID: testPatientID,
		RawText:   "please list my medications",
		Retrieved: &RetrievalContext{GroundingText: "metformin 500mg; lisinopril 10mg", SourceIDs: []string{"rec-2"}},
	}
	require.NoError(t, stage.Run(context.Background(), st))

	assert.Equal(t, StageSafety, st.Next())
	require.Len(t, gen.calls, 1)
	assert.Contains(t, gen.calls[0].prompt, "metformin")
}

func TestReasoningStage_EmptyRetrievalStillGenerates(t *testing.T) {
	gen := &mockGenerator{text: "I don't have records to draw on, but in general..."}
	stage := newReasoningStage(gen)

	// Retrieval already ran and produced nothing; the stage must not loop.
	st := &ConversationState{
		PatientID: testPatientID,
		RawText:   "please list my medications",
		Retrieved: &RetrievalContext{},
	}
	require.NoError(t, stage.Run(context.Background(), st))

	assert.Equal(t, StageSafety, st.Next())
	require.Len(t, gen.calls, 1)
	assert.NotContains(t, gen.calls[0].prompt, "records:")
}

func TestReasoningStage_PromptBundle(t *testing.T) {
	gen := &mockGenerator{text: "answer"}
	stage := newReasoningStage(gen)

	st := &ConversationState{
		PatientID: testPatientID,
		RawText:   "is this rash eczema",
		Finding: &ImageFinding{
			Label:      "Eczema",
			Confidence: 0.82,
			Note:       "Inflammatory pattern consistent with eczema.",
		},
		Retrieved: &RetrievalContext{GroundingText: "2026-03-11: prescribed topical steroid."},
	}
	require.NoError(t, stage.Run(context.Background(), st))

	require.Len(t, gen.calls, 1)
	prompt := gen.calls[0].prompt
	assert.Contains(t, prompt, "Eczema (confidence 0.82)")
	assert.Contains(t, prompt, "topical steroid")
	assert.Contains(t, prompt, "Patient question: is this rash eczema")
	assert.Equal(t, GenerationSystemPrompt, gen.calls[0].system)
}

func TestReasoningStage_GeneratorError(t *testing.T) {
	gen := &mockGenerator{err: context.DeadlineExceeded}
	stage := newReasoningStage(gen)

	st := &ConversationState{PatientID: testPatientID, RawText: "what causes fatigue"}
	require.NoError(t, stage.Run(context.Background(), st))

	assert.Equal(t, KindGenerationFailed, st.ErrKind)
	assert.Equal(t, StageError, st.Next())
}
