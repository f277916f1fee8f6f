package inbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	seen, err := s.Seen("group-a", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed("group-a", "evt-1"))

	seen, err = s.Seen("group-a", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Groups track independently: the same event id is fresh for group-b.
	seen, err = s.Seen("group-b", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	// Marking twice is harmless.
	require.NoError(t, s.MarkProcessed("group-a", "evt-1"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	testStore(t, s)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed("group-a", "evt-1"))
	require.NoError(t, s.Close())

	// A consumer restart must still remember processed events.
	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	seen, err := s.Seen("group-a", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
