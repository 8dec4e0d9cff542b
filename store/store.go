// Package store implements the memory-mapped piece storage backing a
// single torrent: one ".part" file during download, scattered (multi-file)
// or renamed (single-file) into the final on-disk layout on completion
// (spec §4.3).
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/arjunsahu/gorent/metainfo"
)

// Store owns the ".part" backing file for a torrent and, after
// SwitchToSeeding, the scattered final files for multi-file torrents.
type Store struct {
	mu sync.Mutex

	downloadDir string
	name        string
	isMultiFile bool
	files       []metainfo.File
	pieceLength int64
	totalLength int64

	partPath string
	file     *os.File
	data     mmap.MMap

	seeding bool
	closed  bool
}

// New creates (or opens) the .part file for the torrent described by m,
// rooted at downloadDir, and memory-maps it read-write.
func New(downloadDir string, m *metainfo.Metainfo) (*Store, error) {
	s := &Store{
		downloadDir: downloadDir,
		name:        m.Name,
		isMultiFile: m.IsMultiFile,
		files:       m.Files,
		pieceLength: m.PieceLength,
		totalLength: m.TotalLength,
	}

	outputDir := downloadDir
	if m.IsMultiFile {
		outputDir = filepath.Join(downloadDir, m.Name)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: io-error: mkdir %s: %w", outputDir, err)
	}

	s.partPath = filepath.Join(outputDir, m.Name+".part")

	f, err := os.OpenFile(s.partPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: io-error: open %s: %w", s.partPath, err)
	}
	if err := f.Truncate(m.TotalLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("store: io-error: truncate %s: %w", s.partPath, err)
	}

	data, err := mmapFile(f, mmap.RDWR)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: io-error: mmap %s: %w", s.partPath, err)
	}

	s.file = f
	s.data = data
	return s, nil
}

func mmapFile(f *os.File, mode int) (mmap.MMap, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		// mmap-go refuses to map a zero-length file; a zero-length torrent
		// has no bytes to map, so hand back an empty (but non-nil) map.
		return mmap.MMap{}, nil
	}
	return mmap.Map(f, mode, 0)
}

// Write writes data at pieceIndex*pieceLength + pieceOffset.
func (s *Store) Write(pieceIndex, pieceOffset int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store: io-error: write after close")
	}
	if s.seeding {
		return fmt.Errorf("store: io-error: write to read-only seeding store")
	}
	begin := int64(pieceIndex)*s.pieceLength + int64(pieceOffset)
	end := begin + int64(len(data))
	if end > int64(len(s.data)) {
		return fmt.Errorf("store: io-error: write [%d,%d) exceeds mapped length %d", begin, end, len(s.data))
	}
	copy(s.data[begin:end], data)
	return nil
}

// Read returns a view of length bytes at the given global offset. The
// returned slice aliases the mmap'd region and is valid during both
// download and seeding.
func (s *Store) Read(globalOffset int64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store: io-error: read after close")
	}
	end := globalOffset + int64(length)
	if end > int64(len(s.data)) {
		return nil, fmt.Errorf("store: io-error: read [%d,%d) exceeds mapped length %d", globalOffset, end, len(s.data))
	}
	return s.data[globalOffset:end], nil
}

// IsSeeding reports whether the store has completed its seeding
// transition.
func (s *Store) IsSeeding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeding
}

// SwitchToSeeding flushes and unmaps the writable .part map, scatters its
// bytes into the final file layout (multi-file) or renames it (single
// file), then reopens the chosen path read-only. Idempotent: a second call
// is a no-op.
func (s *Store) SwitchToSeeding() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seeding {
		return nil
	}

	if err := s.data.Flush(); err != nil {
		return fmt.Errorf("store: io-error: flush: %w", err)
	}
	if err := s.data.Unmap(); err != nil {
		return fmt.Errorf("store: io-error: unmap: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("store: io-error: close .part: %w", err)
	}

	finalPath := s.partPath
	if s.isMultiFile {
		if err := s.scatter(); err != nil {
			return err
		}
	} else {
		finalPath = filepath.Join(filepath.Dir(s.partPath), s.name)
		if err := os.Rename(s.partPath, finalPath); err != nil {
			return fmt.Errorf("store: io-error: rename to %s: %w", finalPath, err)
		}
	}

	f, err := os.OpenFile(finalPath, os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: io-error: reopen %s: %w", finalPath, err)
	}
	data, err := mmapFile(f, mmap.RDONLY)
	if err != nil {
		f.Close()
		return fmt.Errorf("store: io-error: mmap read-only %s: %w", finalPath, err)
	}

	s.file = f
	s.data = data
	s.seeding = true
	return nil
}

// scatter streams the .part file (still on disk, retained for seeding)
// into each declared file at its offset, one pieceLength-sized chunk at a
// time, creating subdirectories as needed.
func (s *Store) scatter() error {
	part, err := os.Open(s.partPath)
	if err != nil {
		return fmt.Errorf("store: io-error: reopen %s for scatter: %w", s.partPath, err)
	}
	defer part.Close()

	outputDir := filepath.Join(s.downloadDir, s.name)
	chunk := make([]byte, s.pieceLength)

	for _, file := range s.files {
		dest := filepath.Join(outputDir, filepath.Join(file.Path...))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("store: io-error: mkdir for %s: %w", dest, err)
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("store: io-error: open %s: %w", dest, err)
		}

		if _, err := part.Seek(file.GlobalStart, io.SeekStart); err != nil {
			out.Close()
			return fmt.Errorf("store: io-error: seek in .part: %w", err)
		}
		remaining := file.Length
		for remaining > 0 {
			n := int64(len(chunk))
			if remaining < n {
				n = remaining
			}
			if _, err := io.CopyN(out, part, n); err != nil {
				out.Close()
				return fmt.Errorf("store: io-error: scatter copy to %s: %w", dest, err)
			}
			remaining -= n
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("store: io-error: close %s: %w", dest, err)
		}
	}
	return nil
}

// Cleanup closes the map and file, tolerating double-calls and
// already-closed states (errors are swallowed per spec §4.3/§7).
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.data != nil {
		_ = s.data.Unmap()
	}
	if s.file != nil {
		_ = s.file.Close()
	}
}
