package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunsahu/gorent/metainfo"
)

func TestSingleFileWriteReadAndSeed(t *testing.T) {
	dir := t.TempDir()
	m := &metainfo.Metainfo{
		Name:        "movie.mkv",
		TotalLength: 100,
		PieceLength: 50,
		IsMultiFile: false,
		Files:       []metainfo.File{{Path: []string{"movie.mkv"}, Length: 100}},
	}

	s, err := New(dir, m)
	require.NoError(t, err)

	data := make([]byte, 50)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, s.Write(0, 0, data))

	got, err := s.Read(0, 50)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.SwitchToSeeding())
	assert.True(t, s.IsSeeding())

	finalPath := filepath.Join(dir, "movie.mkv")
	_, err = os.Stat(finalPath)
	assert.NoError(t, err)

	// Idempotent.
	require.NoError(t, s.SwitchToSeeding())

	s.Cleanup()
	s.Cleanup() // tolerates double-close
}

func TestMultiFileScatter(t *testing.T) {
	dir := t.TempDir()
	m := &metainfo.Metainfo{
		Name:        "pack",
		TotalLength: 30,
		PieceLength: 10,
		IsMultiFile: true,
		Files: []metainfo.File{
			{Path: []string{"a.txt"}, Length: 10, GlobalStart: 0},
			{Path: []string{"sub", "b.txt"}, Length: 20, GlobalStart: 10},
		},
	}

	s, err := New(dir, m)
	require.NoError(t, err)

	full := make([]byte, 30)
	for i := range full {
		full[i] = byte(i)
	}
	for off := 0; off < 30; off += 10 {
		require.NoError(t, s.Write(off/10, 0, full[off:off+10]))
	}

	require.NoError(t, s.SwitchToSeeding())

	aPath := filepath.Join(dir, "pack", "a.txt")
	bPath := filepath.Join(dir, "pack", "sub", "b.txt")

	aData, err := os.ReadFile(aPath)
	require.NoError(t, err)
	assert.Equal(t, full[0:10], aData)

	bData, err := os.ReadFile(bPath)
	require.NoError(t, err)
	assert.Equal(t, full[10:30], bData)

	// .part is retained for continued seeding.
	_, err = os.Stat(filepath.Join(dir, "pack", "pack.part"))
	assert.NoError(t, err)

	s.Cleanup()
}

func TestWriteRejectedAfterSeeding(t *testing.T) {
	dir := t.TempDir()
	m := &metainfo.Metainfo{
		Name:        "f",
		TotalLength: 10,
		PieceLength: 10,
		Files:       []metainfo.File{{Path: []string{"f"}, Length: 10}},
	}
	s, err := New(dir, m)
	require.NoError(t, err)
	require.NoError(t, s.Write(0, 0, make([]byte, 10)))
	require.NoError(t, s.SwitchToSeeding())

	err = s.Write(0, 0, make([]byte, 10))
	assert.Error(t, err)

	s.Cleanup()
}
