package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T, deps Deps, cfg Config) (*Orchestrator, *mockSessionStore) {
	t.Helper()
	sessions := &mockSessionStore{}
	return NewOrchestrator(deps, sessions, cfg, zap.NewNop()), sessions
}

func writeTempFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestRunTurn_PlainText(t *testing.T) {
	deps, _, _, re, ge := testDeps()
	orch, sessions := newTestOrchestrator(t, deps, Config{})

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-1",
		Text:      "What are symptoms of diabetes?",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Response)
	assert.False(t, res.Metadata.EmergencyDetected)
	assert.Equal(t, InputText, res.Metadata.InputKind)
	assert.Equal(t, []string{"generation"}, res.Metadata.ToolsUsed)
	assert.Len(t, ge.calls, 1)
	assert.Empty(t, re.calls, "no retrieval for a general question")
	assert.Contains(t, res.Response, MedicalDisclaimer)

	require.Len(t, sessions.appends, 1)
	assert.Equal(t, "What are symptoms of diabetes?", sessions.appends[0].userText)
}

func TestRunTurn_RetrievalRoundTrip(t *testing.T) {
	deps, _, _, re, ge := testDeps()
	orch, _ := newTestOrchestrator(t, deps, Config{})

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-2",
		Text:      "What were my last blood test results?",
	})
	require.NoError(t, err)

	require.Len(t, re.calls, 1, "exactly one retrieval per turn")
	assert.Equal(t, testPatientID, re.calls[0].patientID)
	assert.Equal(t, DefaultTopK, re.calls[0].topK)

	require.Len(t, ge.calls, 1)
	assert.Contains(t, ge.calls[0].prompt, "blood panel", "generation must see the grounding text")
	assert.Equal(t, []string{"retrieval", "generation"}, res.Metadata.ToolsUsed)
}

func TestRunTurn_EmergencyShortCircuit(t *testing.T) {
	deps, _, _, re, ge := testDeps()
	orch, _ := newTestOrchestrator(t, deps, Config{})

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-3",
		Text:      "I have severe chest pain and can't breathe",
	})
	require.NoError(t, err)

	assert.True(t, res.Metadata.EmergencyDetected)
	assert.Equal(t, EmergencyDirective, res.Response, "emergency directive must reach the patient verbatim")
	assert.Empty(t, ge.calls, "generation is bypassed on emergency")
	assert.Empty(t, re.calls)
}

func TestRunTurn_MultimodalOrder(t *testing.T) {
	deps, tr, ic, _, ge := testDeps()
	tr.text = "does this rash on my arm look serious"
	orch, _ := newTestOrchestrator(t, deps, Config{})

	audio := writeTempFile(t, "question.wav", 1024)
	image := writeTempFile(t, "rash.jpg", 2048)

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-4",
		AudioRef:  audio,
		ImageRef:  image,
	})
	require.NoError(t, err)

	assert.Equal(t, InputMultimodal, res.Metadata.InputKind)
	require.Len(t, tr.calls, 1)
	require.Len(t, ic.calls, 1)
	require.Len(t, ge.calls, 1)
	assert.Equal(t, []string{"transcription", "image_analysis", "generation"}, res.Metadata.ToolsUsed,
		"transcription must precede image analysis so the transcript is available")
	assert.Contains(t, ge.calls[0].prompt, "does this rash on my arm look serious",
		"the transcript is the effective query")
	assert.Contains(t, ge.calls[0].prompt, "Eczema")
}

func TestRunTurn_OversizedImage(t *testing.T) {
	deps, _, ic, _, ge := testDeps()
	orch, _ := newTestOrchestrator(t, deps, Config{})

	image := writeTempFile(t, "huge.png", 15<<20)

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-5",
		Text:      "what is this",
		ImageRef:  image,
	})
	require.NoError(t, err)

	assert.Equal(t, GenericErrorMessage, res.Response)
	assert.Equal(t, KindInvalidAttachment, res.Metadata.ErrorKind)
	assert.Empty(t, ic.calls)
	assert.Empty(t, ge.calls)
}

func TestRunTurn_InvalidPatientID(t *testing.T) {
	deps, _, _, _, ge := testDeps()
	orch, _ := newTestOrchestrator(t, deps, Config{})

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: "P-1",
		SessionID: "s-6",
		Text:      "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, GenericErrorMessage, res.Response)
	assert.Equal(t, KindInvalidIdentifier, res.Metadata.ErrorKind)
	assert.Empty(t, ge.calls)
}

func TestRunTurn_EmptyInput(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	orch, _ := newTestOrchestrator(t, deps, Config{})

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-7",
	})
	require.NoError(t, err)

	assert.Equal(t, GenericErrorMessage, res.Response)
	assert.Equal(t, KindEmptyInput, res.Metadata.ErrorKind)
}

func TestRunTurn_GenerationFailure(t *testing.T) {
	deps, _, _, _, ge := testDeps()
	ge.err = context.DeadlineExceeded
	ge.text = ""
	orch, _ := newTestOrchestrator(t, deps, Config{})

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-8",
		Text:      "tell me about migraines",
	})
	require.NoError(t, err)

	assert.Equal(t, GenericErrorMessage, res.Response)
	assert.Equal(t, KindGenerationFailed, res.Metadata.ErrorKind)
	assert.Len(t, ge.calls, 1, "no automatic retry")
}

func TestRunTurn_RetrievalFailureDegrades(t *testing.T) {
	deps, _, _, re, ge := testDeps()
	re.err = context.DeadlineExceeded
	re.ctx = RetrievalContext{}
	orch, _ := newTestOrchestrator(t, deps, Config{})

	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-9",
		Text:      "show me my test results please",
	})
	require.NoError(t, err)

	assert.NotEqual(t, GenericErrorMessage, res.Response, "retrieval failure must not abort the turn")
	require.Len(t, re.calls, 1)
	require.Len(t, ge.calls, 1)
}

func TestRunTurn_DegradedImageAnalysis(t *testing.T) {
	deps, _, ic, _, ge := testDeps()
	ic.err = context.DeadlineExceeded
	orch, _ := newTestOrchestrator(t, deps, Config{})

	image := writeTempFile(t, "mole.jpeg", 4096)
	res, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-10",
		Text:      "is this mole normal",
		ImageRef:  image,
	})
	require.NoError(t, err)

	assert.NotEqual(t, GenericErrorMessage, res.Response)
	require.Len(t, ge.calls, 1)
	assert.NotContains(t, ge.calls[0].prompt, "confidence", "degraded finding is excluded from the prompt")
}

// TestExecutor_RetrievalInvariant drives a deliberately misbehaving
// reasoning stage that demands retrieval on every pass. The retriever must
// still be invoked exactly once.
func TestExecutor_RetrievalInvariant(t *testing.T) {
	deps, _, _, re, _ := testDeps()
	exec := NewExecutor(deps, Config{}, zap.NewNop())

	exec.stages[StageReason] = &stubStage{
		name: StageReason,
		run: func(ctx context.Context, st *ConversationState) error {
			st.RouteTo(StageRetrieve)
			return nil
		},
	}

	st := newConversationState(TurnInput{PatientID: testPatientID, Text: "loop"}, nil, DefaultHistoryWindow)
	require.NoError(t, exec.run(context.Background(), st))

	assert.Len(t, re.calls, 1, "invariant: at most one retrieval per turn")
	assert.Equal(t, GenericErrorMessage, st.Final)
}

func TestExecutor_StepBudgetExceeded(t *testing.T) {
	deps, _, _, _, ge := testDeps()
	exec := NewExecutor(deps, Config{StepBudget: 1}, zap.NewNop())

	st := newConversationState(TurnInput{PatientID: testPatientID, Text: "hello there"}, nil, DefaultHistoryWindow)
	require.NoError(t, exec.run(context.Background(), st))

	assert.Equal(t, KindWorkflowExceeded, st.ErrKind)
	assert.Equal(t, GenericErrorMessage, st.Final)
	assert.Empty(t, ge.calls)
}

func TestExecutor_IllegalTransitionRoutesToError(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	exec := NewExecutor(deps, Config{}, zap.NewNop())

	// A classifier that routes straight to safety violates the edge table.
	exec.stages[StageClassify] = &stubStage{
		name: StageClassify,
		run: func(ctx context.Context, st *ConversationState) error {
			st.RouteTo(StageSafety)
			return nil
		},
	}

	st := newConversationState(TurnInput{PatientID: testPatientID, Text: "hi"}, nil, DefaultHistoryWindow)
	require.NoError(t, exec.run(context.Background(), st))

	assert.Equal(t, KindUnclassified, st.ErrKind)
	assert.Equal(t, GenericErrorMessage, st.Final)
}

func TestExecutor_StageWithoutRouteFails(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	exec := NewExecutor(deps, Config{}, zap.NewNop())

	exec.stages[StageClassify] = &stubStage{
		name: StageClassify,
		run: func(ctx context.Context, st *ConversationState) error {
			return nil // leaves the routing decision untouched
		},
	}

	st := newConversationState(TurnInput{PatientID: testPatientID, Text: "hi"}, nil, DefaultHistoryWindow)
	require.NoError(t, exec.run(context.Background(), st))

	assert.Equal(t, KindUnclassified, st.ErrKind)
	assert.Equal(t, GenericErrorMessage, st.Final)
}

func TestRunTurn_CancelledContextAbandonsTurn(t *testing.T) {
	deps, _, _, _, _ := testDeps()
	orch, sessions := newTestOrchestrator(t, deps, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.RunTurn(ctx, TurnInput{
		PatientID: testPatientID,
		SessionID: "s-11",
		Text:      "tell me about migraines",
	})
	require.Error(t, err)
	assert.Empty(t, sessions.appends, "an abandoned turn persists nothing")
}

func TestRunTurn_HistoryWindowPassedToGenerator(t *testing.T) {
	deps, _, _, _, ge := testDeps()
	sessions := &mockSessionStore{}
	for i := 0; i < 12; i++ {
		sessions.history = append(sessions.history,
			Message{Role: RoleUser, Content: "older question"},
			Message{Role: RoleAssistant, Content: "older answer"},
		)
	}
	orch := NewOrchestrator(deps, sessions, Config{HistoryWindow: 5}, zap.NewNop())

	_, err := orch.RunTurn(context.Background(), TurnInput{
		PatientID: testPatientID,
		SessionID: "s-12",
		Text:      "and what about headaches?",
	})
	require.NoError(t, err)

	require.Len(t, ge.calls, 1)
	assert.Len(t, ge.calls[0].history, 5, "history is capped at the FIFO window")
}
