package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecentNewestFirst(t *testing.T) {
	j, err := Open("")
	require.NoError(t, err)
	defer j.Close()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := j.Append(Entry{File: name, Direction: "send", Transport: "tcp", OK: true})
		require.NoError(t, err)
	}

	got, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c.txt", got[0].File)
	require.Equal(t, uint64(3), got[0].Seq)
	require.Equal(t, "b.txt", got[1].File)
	require.False(t, got[0].At.IsZero())

	all, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestEmptyJournal(t *testing.T) {
	j, err := Open("")
	require.NoError(t, err)
	defer j.Close()

	got, err := j.Recent(5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(Entry{File: "a.txt", Bytes: 10, Length: 10, OK: true})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	seq, err := j.Append(Entry{File: "b.txt", Bytes: 3, Length: 10, Recoveries: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	got, err := j.Recent(2)
	require.NoError(t, err)
	require.Equal(t, "b.txt", got[0].File)
	require.Equal(t, 2, got[0].Recoveries)
	require.False(t, got[0].OK)
	require.Equal(t, "a.txt", got[1].File)
	require.Contains(t, got[1].String(), "10/10")
}

func TestClosedJournal(t *testing.T) {
	j, err := Open("")
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(Entry{File: "a.txt"})
	require.ErrorIs(t, err, ErrClosed)
	_, err = j.Recent(1)
	require.ErrorIs(t, err, ErrClosed)
}
