package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddListRemove(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "session.json"))
	rec := r.Add("a.torrent", "/tmp/a", false, false, time.Now())
	require.NotEmpty(t, rec.ID)

	assert.Len(t, r.List(), 1)
	assert.True(t, r.Remove(rec.ID))
	assert.Empty(t, r.List())
	assert.False(t, r.Remove(rec.ID))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	r := NewRegistry(path)

	first := time.Now().Add(-time.Hour)
	second := time.Now()
	r.Add("a.torrent", "/tmp/a", false, false, first)
	r.Add("b.torrent", "/tmp/b", true, true, second)

	require.NoError(t, r.Save())

	loaded := NewRegistry(path)
	require.NoError(t, loaded.Load())

	records := loaded.List()
	assert.Len(t, records, 2)

	var paths []string
	for _, rec := range records {
		paths = append(paths, rec.TorrentPath)
	}
	assert.ElementsMatch(t, []string{"a.torrent", "b.torrent"}, paths)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "missing.json"))
	assert.NoError(t, r.Load())
	assert.Empty(t, r.List())
}

func TestMarkCompletedAndSetPaused(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "session.json"))
	rec := r.Add("a.torrent", "/tmp/a", false, false, time.Now())

	r.SetPaused(rec.ID, true)
	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.True(t, got.Paused)

	now := time.Now()
	r.MarkCompleted(rec.ID, now)
	got, _ = r.Get(rec.ID)
	assert.True(t, got.IsFinished)
	assert.WithinDuration(t, now, got.CompletedOn, time.Second)
}
