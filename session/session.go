// Package session implements the persisted list of added torrents (spec
// §6) and the explicit registry the §9 design note calls for in place of
// the source's process-wide global list.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one persisted torrent entry — exactly the fields spec §6
// requires to survive a restart.
type Record struct {
	ID          string    `json:"id"`
	TorrentPath string    `json:"torrent_path"`
	DownloadDir string    `json:"download_dir"`
	Paused      bool      `json:"paused"`
	IsFinished  bool      `json:"is_finished"`
	AddedOn     time.Time `json:"added_on"`
	CompletedOn time.Time `json:"completed_on,omitempty"`
}

// Registry is the explicit, process-wide list of torrents the control
// surface and session file operate against (spec §9: "re-architect as an
// explicit registry struct with add/remove/list, passed to the HTTP
// layer").
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	path    string
}

// NewRegistry constructs an empty registry backed by the session file at
// path (not yet loaded; call Load to populate it).
func NewRegistry(path string) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		path:    path,
	}
}

// Add inserts a new record with a fresh ID and returns it.
func (r *Registry) Add(torrentPath, downloadDir string, paused, isFinished bool, addedOn time.Time) *Record {
	rec := &Record{
		ID:          uuid.NewString(),
		TorrentPath: torrentPath,
		DownloadDir: downloadDir,
		Paused:      paused,
		IsFinished:  isFinished,
		AddedOn:     addedOn,
	}
	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()
	return rec
}

// Remove deletes a record by ID. Reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	return true
}

// Get returns the record for id, if present.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// List returns every record, in no particular order (the session file
// preserves insertion order on disk; the in-memory registry does not need
// to).
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// MarkCompleted records a completion time on a record and flags it
// finished, so a future reload skips the verify pass.
func (r *Registry) MarkCompleted(id string, completedOn time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.IsFinished = true
		rec.CompletedOn = completedOn
	}
}

// SetPaused updates a record's paused flag.
func (r *Registry) SetPaused(id string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Paused = paused
	}
}

// onDiskRecord is the JSON shape written to the session file: an ordered
// list, oldest first.
type onDiskRecord = Record

// Save writes every record to the session file as an ordered JSON array,
// sorted by AddedOn so re-Load reproduces the same order (spec §6: "An
// ordered list of records").
func (r *Registry) Save() error {
	r.mu.RLock()
	out := make([]onDiskRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].AddedOn.Before(out[j-1].AddedOn); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("session: io-error: marshaling: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: io-error: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("session: io-error: renaming into place: %w", err)
	}
	return nil
}

// Load reads the session file, replacing the in-memory record set. A
// missing file is treated as an empty session, not an error.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: io-error: reading %s: %w", r.path, err)
	}

	var records []onDiskRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("session: io-error: unmarshaling %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Record, len(records))
	for i := range records {
		rec := records[i]
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		r.records[rec.ID] = &rec
	}
	return nil
}
