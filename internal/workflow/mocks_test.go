package workflow

import (
	"context"
	"sync"
)

// Collaborator doubles shared by the workflow tests. Each records its
// invocations so tests can assert call counts and arguments.

type mockTranscriber struct {
	mu    sync.Mutex
	calls []string
	text  string
	err   error
}

func (m *mockTranscriber) Transcribe(ctx context.Context, audioRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, audioRef)
	return m.text, m.err
}

type mockImageClassifier struct {
	mu      sync.Mutex
	calls   []string
	finding ImageFinding
	err     error
}

func (m *mockImageClassifier) Classify(ctx context.Context, imageRef string) (ImageFinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, imageRef)
	return m.finding, m.err
}

type retrieveCall struct {
	patientID string
	query     string
	topK      int
}

type mockRetriever struct {
	mu    sync.Mutex
	calls []retrieveCall
	ctx   RetrievalContext
	err   error
}

func (m *mockRetriever) Retrieve(ctx context.Context, patientID, query string, topK int) (RetrievalContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, retrieveCall{patientID: patientID, query: query, topK: topK})
	return m.ctx, m.err
}

type generateCall struct {
	system  string
	prompt  string
	history []Message
}

type mockGenerator struct {
	mu    sync.Mutex
	calls []generateCall
	text  string
	err   error
}

func (m *mockGenerator) Generate(ctx context.Context, systemPrompt, prompt string, history []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, generateCall{system: systemPrompt, prompt: prompt, history: history})
	return m.text, m.err
}

type mockSessionStore struct {
	mu      sync.Mutex
	history []Message
	loadErr error
	appends []appendedTurn
}

type appendedTurn struct {
	sessionID     string
	patientID     string
	userText      string
	assistantText string
	meta          TurnMetadata
}

func (m *mockSessionStore) LoadHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if limit > 0 && len(m.history) > limit {
		return m.history[len(m.history)-limit:], nil
	}
	return m.history, nil
}

func (m *mockSessionStore) AppendTurn(ctx context.Context, sessionID, patientID, userText, assistantText string, meta TurnMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends = append(m.appends, appendedTurn{
		sessionID:     sessionID,
		patientID:     patientID,
		userText:      userText,
		assistantText: assistantText,
		meta:          meta,
	})
	return nil
}

// stubStage lets executor tests inject arbitrary routing behavior.
type stubStage struct {
	name Stage
	run  func(ctx context.Context, st *ConversationState) error
}

func (s *stubStage) Name() Stage { return s.name }

func (s *stubStage) Run(ctx context.Context, st *ConversationState) error {
	return s.run(ctx, st)
}

const testPatientID = "Jane1_Doe2_550e8400-e29b-41d4-a716-446655440000"

func testDeps() (Deps, *mockTranscriber, *mockImageClassifier, *mockRetriever, *mockGenerator) {
	tr := &mockTranscriber{text: "what were my last blood test results"}
	ic := &mockImageClassifier{finding: ImageFinding{
		Label:      "Eczema",
		Confidence: 0.82,
		Note:       "Inflammatory pattern consistent with eczema.",
		Distribution: map[string]float64{
			"Eczema": 0.82, "Dermatitis": 0.1, "Psoriasis": 0.08,
		},
	}}
	re := &mockRetriever{ctx: RetrievalContext{
		GroundingText: "2026-07-01 blood panel: HbA1c 5.4%, cholesterol normal.",
		SourceIDs:     []string{"rec-17"},
	}}
	ge := &mockGenerator{text: "Here is some general information about your question."}
	return Deps{Transcriber: tr, Classifier: ic, Retriever: re, Generator: ge}, tr, ic, re, ge
}
