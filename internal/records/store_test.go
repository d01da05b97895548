package records

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	patientA = "Jane1_Doe2_550e8400-e29b-41d4-a716-446655440000"
	patientB = "John3_Roe4_6ba7b810-9dad-11d1-80b4-00c04fd430c8"
)

// fakeEngine embeds a few known phrases at fixed points so similarity
// ordering is deterministic in tests.
type fakeEngine struct{}

func (fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	switch {
	case strings.Contains(text, "medication"), strings.Contains(text, "metformin"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "blood"), strings.Contains(text, "lab"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func (e fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (fakeEngine) Dimensions() int { return 3 }
func (fakeEngine) Name() string    { return "fake" }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"), fakeEngine{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFixtures(t *testing.T, s *Store) {
	t.Helper()
	now := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Seed(context.Background(), []Record{
		{ID: "rec-1", PatientID: patientA, Category: "medication", RecordedAt: now, Content: "metformin 500mg twice daily"},
		{ID: "rec-2", PatientID: patientA, Category: "lab_result", RecordedAt: now.AddDate(0, -1, 0), Content: "blood panel within normal range"},
		{ID: "rec-3", PatientID: patientA, Category: "visit_note", RecordedAt: now.AddDate(0, -2, 0), Content: "complained of seasonal allergies"},
		{ID: "rec-4", PatientID: patientB, Category: "medication", RecordedAt: now, Content: "metformin 850mg once daily"},
	}))
}

func TestStore_RetrieveRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	rc, err := s.Retrieve(context.Background(), patientA, "what are my medications", 2)
	require.NoError(t, err)

	require.NotEmpty(t, rc.SourceIDs)
	assert.Equal(t, "rec-1", rc.SourceIDs[0], "medication record ranks first for a medication query")
	assert.Contains(t, rc.GroundingText, "metformin 500mg")
	assert.Contains(t, rc.GroundingText, "medication")
	assert.Len(t, rc.SourceIDs, 2)
}

func TestStore_RetrieveScopedToPatient(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	rc, err := s.Retrieve(context.Background(), patientA, "metformin dose", 10)
	require.NoError(t, err)

	assert.NotContains(t, rc.SourceIDs, "rec-4", "another patient's record must never surface")
	assert.NotContains(t, rc.GroundingText, "850mg")
}

func TestStore_RetrieveUnknownPatientIsEmpty(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	rc, err := s.Retrieve(context.Background(), "Amy5_Poe6_550e8400-e29b-41d4-a716-446655440999", "my history", 3)
	require.NoError(t, err)
	assert.Empty(t, rc.GroundingText)
	assert.Empty(t, rc.SourceIDs)
}

func TestStore_AddRequiresIdentifiers(t *testing.T) {
	s := newTestStore(t)
	err := s.Add(context.Background(), Record{Content: "orphan"})
	assert.Error(t, err)
}

func TestStore_Count(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	n, err := s.Count(context.Background(), patientA)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_NoEngineFallsBackToRecent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "records.db"), nil, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	now := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Seed(context.Background(), []Record{
		{ID: "old", PatientID: patientA, Category: "visit_note", RecordedAt: now.AddDate(-1, 0, 0), Content: "old note"},
		{ID: "new", PatientID: patientA, Category: "visit_note", RecordedAt: now, Content: "new note"},
	}))

	rc, err := s.Retrieve(context.Background(), patientA, "anything", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, rc.SourceIDs)
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
}
