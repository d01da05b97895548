package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/tehqua/medscreening/internal/workflow"
)

const testPatient = "Jane1_Doe2_550e8400-e29b-41d4-a716-446655440000"

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), ttl, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, testPatient)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, testPatient, sess.PatientID)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	require.NoError(t, s.Touch(ctx, sess.ID))

	require.NoError(t, s.Invalidate(ctx, sess.ID))
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ExpiredSessionNotReturned(t *testing.T) {
	s := newTestStore(t, -time.Minute) // already expired on creation
	ctx := context.Background()

	sess, err := s.Create(ctx, testPatient)
	require.NoError(t, err)

	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStore_TouchMissingSession(t *testing.T) {
	s := newTestStore(t, time.Hour)
	assert.ErrorIs(t, s.Touch(context.Background(), "nope"), ErrNotFound)
}

func TestStore_HistoryRoundTrip(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, testPatient)
	require.NoError(t, err)

	meta := workflow.TurnMetadata{InputKind: workflow.InputText, SafetyPassed: true, ToolsUsed: []string{"generation"}}
	for _, pair := range [][2]string{
		{"first question", "first answer"},
		{"second question", "second answer"},
		{"third question", "third answer"},
	} {
		require.NoError(t, s.AppendTurn(ctx, sess.ID, testPatient, pair[0], pair[1], meta))
	}

	msgs, err := s.LoadHistory(ctx, sess.ID, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 4, "limit caps the flattened messages")
	assert.Equal(t, workflow.RoleUser, msgs[0].Role)
	assert.Equal(t, "second question", msgs[0].Content, "oldest surviving message first")
	assert.Equal(t, "third answer", msgs[3].Content)

	turns, err := s.History(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "third question", turns[0].UserText, "newest first")
	assert.Equal(t, []string{"generation"}, turns[0].Metadata.ToolsUsed)
}

func TestStore_ClearHistory(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, testPatient)
	require.NoError(t, err)
	meta := workflow.TurnMetadata{InputKind: workflow.InputText, SafetyPassed: true}
	require.NoError(t, s.AppendTurn(ctx, sess.ID, testPatient, "q1", "a1", meta))
	require.NoError(t, s.AppendTurn(ctx, sess.ID, testPatient, "q2", "a2", meta))

	other, err := s.Create(ctx, testPatient)
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, other.ID, testPatient, "keep", "kept", meta))

	n, err := s.ClearHistory(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	turns, err := s.History(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	// The session stays live and other sessions keep their turns.
	_, err = s.Get(ctx, sess.ID)
	assert.NoError(t, err)
	turns, err = s.History(ctx, other.ID, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestStore_LoadHistoryEmptySession(t *testing.T) {
	s := newTestStore(t, time.Hour)

	msgs, err := s.LoadHistory(context.Background(), "unknown", 6)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCleaner_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestStore(t, -time.Minute)
	_, err := s.Create(context.Background(), testPatient)
	require.NoError(t, err)

	cleaner := NewCleaner(s, 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go cleaner.Run(ctx)

	// Let at least one sweep happen.
	assert.Eventually(t, func() bool {
		n, err := s.count(context.Background())
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-cleaner.Done():
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}
}

func TestCleaner_SweepsStaleUploads(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestStore(t, time.Hour)
	dir := t.TempDir()

	stale := filepath.Join(dir, "old.jpg")
	require.NoError(t, os.WriteFile(stale, []byte{0xFF, 0xD8, 0xFF}, 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	fresh := filepath.Join(dir, "new.jpg")
	require.NoError(t, os.WriteFile(fresh, []byte{0xFF, 0xD8, 0xFF}, 0o644))

	cleaner := NewCleaner(s, 10*time.Millisecond, zap.NewNop())
	cleaner.TrackUploads(dir, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go cleaner.Run(ctx)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	_, err := os.Stat(fresh)
	assert.NoError(t, err, "recent uploads stay")

	cancel()
	<-cleaner.Done()
}
