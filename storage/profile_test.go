package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProfileRecordMerges(t *testing.T) {
	s, err := OpenProfileStore("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record([]ProfileRecord{
		{PC: 0x1000, Flags: 1, Hits: 10, Insns: 3},
		{PC: 0x2000, Flags: 1, Hits: 2, Insns: 1},
	}))
	require.NoError(t, s.Record([]ProfileRecord{
		{PC: 0x2000, Flags: 1, Hits: 20, Insns: 2},
		{PC: 0x1000, Flags: 3, Hits: 1, Insns: 3},
	}))

	r, ok, err := s.Get(0x2000, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ProfileRecord{PC: 0x2000, Flags: 1, Hits: 22, Insns: 2, Runs: 2}, r)

	_, ok, err = s.Get(0x3000, 1)
	require.NoError(t, err)
	require.False(t, ok)

	hot, err := s.Hot(2)
	require.NoError(t, err)
	require.Len(t, hot, 2)
	require.Equal(t, uint64(0x2000), hot[0].PC)
	require.Equal(t, uint64(0x1000), hot[1].PC)
	require.Equal(t, uint32(1), hot[1].Flags)

	all, err := s.Hot(0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, s.Reset())
	all, err = s.All()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestProfileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenProfileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Record([]ProfileRecord{{PC: 0x1000, Hits: 5, Insns: 4}}))
	require.NoError(t, s.Close())

	s, err = OpenProfileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	hot, err := s.Hot(1)
	require.NoError(t, err)
	require.Equal(t, []ProfileRecord{{PC: 0x1000, Hits: 5, Insns: 4, Runs: 1}}, hot)
}
