// Package control implements the read-only status and command HTTP
// surface a UI consumes (spec §6). Session persistence and process
// lifecycle are out of scope per spec §1; this package only serves what
// §6 enumerates against an in-memory registry of running engines.
package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"

	"github.com/arjunsahu/gorent/engine"
	"github.com/arjunsahu/gorent/metainfo"
	"github.com/arjunsahu/gorent/tracker"
)

// Torrent is the subset of engine.Engine the control surface depends on —
// narrowed to an interface so handlers are testable against a fake.
type Torrent interface {
	MetaInfo() *metainfo.Metainfo
	DownloadDir() string
	AddedOn() time.Time
	CompletedOn() time.Time
	DownloadedBytes() int64
	UploadedBytes() int64
	PieceComplete() []bool
	Paused() bool
	TrackerEntries() []tracker.Entry
	PeerSnapshots() []engine.PeerSnapshot
	Pause()
	Resume()
	AnnounceNow(ctx context.Context, ev tracker.Event)
	Shutdown()
}

// Registry is the set of currently running torrents, keyed by the session
// record ID that named them (spec §9: "explicit registry struct ...
// passed to the HTTP layer").
type Registry struct {
	mu       sync.RWMutex
	torrents map[string]Torrent
}

// NewRegistry constructs an empty control registry.
func NewRegistry() *Registry {
	return &Registry{torrents: make(map[string]Torrent)}
}

// Add registers a running torrent under id.
func (r *Registry) Add(id string, t Torrent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.torrents[id] = t
}

// Remove unregisters id, if present, and reports whether it was found.
func (r *Registry) Remove(id string) (Torrent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.torrents[id]
	delete(r.torrents, id)
	return t, ok
}

func (r *Registry) get(id string) (Torrent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.torrents[id]
	return t, ok
}

// All returns every registered (id, torrent) pair.
func (r *Registry) All() map[string]Torrent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Torrent, len(r.torrents))
	for id, t := range r.torrents {
		out[id] = t
	}
	return out
}

// Server serves the control surface over HTTP via chi (spec §6).
type Server struct {
	registry *Registry
	router   chi.Router
}

// NewServer builds the control HTTP handler, wired to registry.
func NewServer(registry *Registry) *Server {
	s := &Server{registry: registry}
	r := chi.NewRouter()
	r.Get("/torrents", s.listTorrents)
	r.Get("/torrents/{id}", s.getTorrent)
	r.Post("/torrents/{id}/pause", s.pauseTorrent)
	r.Post("/torrents/{id}/resume", s.resumeTorrent)
	r.Delete("/torrents/{id}", s.removeTorrent)
	r.Post("/torrents/reannounce", s.reannounce)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// torrentSummary mirrors spec §6's per-torrent control-surface fields.
type torrentSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TotalLength     int64     `json:"total_length"`
	InfoHash        string    `json:"info_hash"`
	DownloadPath    string    `json:"download_path"`
	NumPieces       int       `json:"num_pieces"`
	PieceLength     int64     `json:"piece_length"`
	AddedOn         time.Time `json:"added_on"`
	CompletedOn     time.Time `json:"completed_on,omitempty"`
	Paused          bool      `json:"paused"`
	PieceComplete   []bool    `json:"piece_complete"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	UploadedBytes   int64     `json:"uploaded_bytes"`
}

type peerSummary struct {
	IP              string  `json:"ip"`
	Port            uint16  `json:"port"`
	RemoteID        string  `json:"remote_id"`
	Bitfield        string  `json:"bitfield_hex"`
	AmChoking       bool    `json:"am_choking"`
	AmInterested    bool    `json:"am_interested"`
	PeerChoking     bool    `json:"peer_choking"`
	PeerInterested  bool    `json:"peer_interested"`
	DownBPS         float64 `json:"down_bps"`
	UpBPS           float64 `json:"up_bps"`
	TotalDownloaded int64   `json:"total_downloaded"`
	TotalUploaded   int64   `json:"total_uploaded"`
}

type trackerSummary struct {
	URL                string `json:"url"`
	Tier               int    `json:"tier"`
	Status             string `json:"status"`
	LastPeers          int    `json:"last_peers"`
	LastSeeds          int    `json:"last_seeds"`
	LastMsg            string `json:"last_msg"`
	SecondsToNextAnnounce float64 `json:"seconds_to_next_announce"`
}

type torrentDetail struct {
	torrentSummary
	Peers    []peerSummary    `json:"peers"`
	Trackers []trackerSummary `json:"trackers"`
}

func summarize(id string, t Torrent) torrentSummary {
	m := t.MetaInfo()
	return torrentSummary{
		ID:              id,
		Name:            m.Name,
		TotalLength:     m.TotalLength,
		InfoHash:        hex.EncodeToString(m.InfoHash[:]),
		DownloadPath:    t.DownloadDir(),
		NumPieces:       m.NumPieces(),
		PieceLength:     m.PieceLength,
		AddedOn:         t.AddedOn(),
		CompletedOn:     t.CompletedOn(),
		Paused:          t.Paused(),
		PieceComplete:   t.PieceComplete(),
		DownloadedBytes: t.DownloadedBytes(),
		UploadedBytes:   t.UploadedBytes(),
	}
}

func detail(id string, t Torrent) torrentDetail {
	d := torrentDetail{torrentSummary: summarize(id, t)}
	for _, p := range t.PeerSnapshots() {
		d.Peers = append(d.Peers, peerSummary{
			IP:              p.IP,
			Port:            p.Port,
			RemoteID:        p.RemoteID,
			Bitfield:        hex.EncodeToString(p.Bitfield),
			AmChoking:       p.AmChoking,
			AmInterested:    p.AmInterested,
			PeerChoking:     p.PeerChoking,
			PeerInterested:  p.PeerInterested,
			DownBPS:         p.DownBPS,
			UpBPS:           p.UpBPS,
			TotalDownloaded: p.TotalDownloaded,
			TotalUploaded:   p.TotalUploaded,
		})
	}
	for _, e := range t.TrackerEntries() {
		d.Trackers = append(d.Trackers, trackerSummary{
			URL:                   e.URL,
			Tier:                  e.Tier,
			Status:                e.LastStatus.String(),
			LastPeers:             e.LastPeers,
			LastSeeds:             e.LastSeeds,
			LastMsg:               e.LastMsg,
			SecondsToNextAnnounce: time.Until(e.NextAnnounce).Seconds(),
		})
	}
	return d
}

func (s *Server) listTorrents(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make([]torrentSummary, 0, len(all))
	for id, t := range all {
		out = append(out, summarize(id, t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTorrent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.registry.get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, detail(id, t))
}

func (s *Server) pauseTorrent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.registry.get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	t.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeTorrent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.registry.get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	t.Resume()
	w.WriteHeader(http.StatusNoContent)
}

// removeTorrent implies pause + cleanup + detach (spec §6).
func (s *Server) removeTorrent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.registry.Remove(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	t.Pause()
	t.Shutdown()
	w.WriteHeader(http.StatusNoContent)
}

// reannounce triggers a force-reannounce for an optional torrent selector
// (empty = all), per spec §6.
func (s *Server) reannounce(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	targets := s.registry.All()
	if id != "" {
		t, ok := targets[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		targets = map[string]Torrent{id: t}
	}
	for _, t := range targets {
		t.AnnounceNow(r.Context(), tracker.EventNone)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
