package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knockd/internal/knock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func frontDoor() *Pattern {
	return &Pattern{Name: "front-door", Beats: knock.NormalizedSequence{0, 0.2, 0.4, 1}}
}

func TestOpenCreatesDirectoryAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(path, WithBusyTimeout(time.Second))
	require.NoError(t, err)

	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	// reopening an up-to-date database is a no-op
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestSaveAndGetPattern(t *testing.T) {
	s := openTestStore(t)

	p := frontDoor()
	require.NoError(t, s.SavePattern(p))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, knock.Fingerprint(p.Beats), p.Digest)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := s.GetPattern(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Beats, got.Beats)
	assert.Equal(t, p.Digest, got.Digest)
	assert.Nil(t, got.Threshold)
	assert.Nil(t, got.AllowedErrors)
	assert.Equal(t, p.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	byName, err := s.GetPatternByName("front-door")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)
}

func TestSavePattern_Overrides(t *testing.T) {
	s := openTestStore(t)

	threshold, allowed := 0.09, 0
	p := frontDoor()
	p.Threshold = &threshold
	p.AllowedErrors = &allowed
	require.NoError(t, s.SavePattern(p))

	got, err := s.GetPattern(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Threshold)
	require.NotNil(t, got.AllowedErrors)
	assert.Equal(t, 0.09, *got.Threshold)
	assert.Equal(t, 0, *got.AllowedErrors)

	def := knock.Policy{Threshold: 0.04, AllowedErrors: 2}
	assert.Equal(t, knock.Policy{Threshold: 0.09, AllowedErrors: 0}, got.Policy(def))
	assert.Equal(t, def, frontDoor().Policy(def))
}

func TestSavePattern_Rejects(t *testing.T) {
	s := openTestStore(t)

	assert.ErrorIs(t, s.SavePattern(&Pattern{Beats: knock.NormalizedSequence{0, 1}}), ErrInvalidPattern)
	assert.ErrorIs(t, s.SavePattern(&Pattern{Name: "x"}), ErrInvalidPattern)
	assert.ErrorIs(t, s.SavePattern(&Pattern{Name: "x", Beats: knock.NormalizedSequence{0, 1.5}}), ErrInvalidPattern)
	assert.ErrorIs(t, s.SavePattern(&Pattern{Name: "x", Beats: knock.NormalizedSequence{0.2, 0.4, 0.7}}), ErrInvalidPattern)

	require.NoError(t, s.SavePattern(frontDoor()))
	assert.ErrorIs(t, s.SavePattern(frontDoor()), ErrDuplicateName)
}

func TestGetPattern_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetPattern("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPatternByName("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeletePattern("missing"), ErrNotFound)
}

func TestListAndCountPatterns(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, s.SavePattern(&Pattern{Name: name, Beats: knock.NormalizedSequence{0, 0.5, 1}}))
	}

	patterns, err := s.ListPatterns()
	require.NoError(t, err)
	require.Len(t, patterns, 3)
	assert.Equal(t, "alpha", patterns[0].Name)
	assert.Equal(t, "zulu", patterns[2].Name)

	n, err := s.CountPatterns()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAttempts(t *testing.T) {
	s := openTestStore(t)

	p := frontDoor()
	require.NoError(t, s.SavePattern(p))

	ref := p.Beats
	for _, cand := range []knock.NormalizedSequence{
		{0, 0.2, 0.4, 1},
		{0, 0.3, 0.4, 1},
		{0, 1},
	} {
		res := knock.Evaluate(ref, cand, knock.DefaultPolicy())
		require.NoError(t, s.RecordAttempt(AttemptFromResult(p.ID, res)))
	}

	attempts, err := s.ListAttempts(p.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	assert.True(t, attempts[0].LengthMismatch, "newest first")
	assert.False(t, attempts[1].Matched)
	assert.Equal(t, 1, attempts[1].Errors)
	assert.InDelta(t, 0.1, attempts[1].MaxDeviation, 1e-9)
	assert.True(t, attempts[2].Matched)

	limited, err := s.ListAttempts(p.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecordAttempt_UnknownPattern(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.RecordAttempt(&Attempt{PatternID: "nope"}), ErrNotFound)
}

func TestDeletePatternCascades(t *testing.T) {
	s := openTestStore(t)

	p := frontDoor()
	require.NoError(t, s.SavePattern(p))
	require.NoError(t, s.RecordAttempt(&Attempt{PatternID: p.ID, Matched: true}))

	require.NoError(t, s.DeletePattern(p.ID))

	attempts, err := s.ListAttempts(p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, attempts)

	// the name is free again
	require.NoError(t, s.SavePattern(frontDoor()))
}
