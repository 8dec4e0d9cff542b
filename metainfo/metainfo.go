// Package metainfo parses .torrent files into an immutable in-memory
// description of a torrent: its info-hash, tracker URLs, piece hashes, and
// file layout.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/arjunsahu/gorent/bencode"
)

const HashSize = 20

// File is one entry of a (possibly multi-file) torrent's layout, in
// declaration order.
type File struct {
	Path   []string // path components, e.g. ["subdir", "movie.mkv"]
	Length int64
	// GlobalStart is the sum of the lengths of every file that precedes this
	// one; the byte at torrent-wide offset GlobalStart is this file's first
	// byte.
	GlobalStart int64
}

// Metainfo is the parsed, immutable content of a .torrent file.
type Metainfo struct {
	InfoHash     [HashSize]byte
	Announce     string
	AnnounceList [][]string // tiers of tracker URLs, outer slice ordered by tier
	PieceLength  int64
	Pieces       [][HashSize]byte
	TotalLength  int64
	Name         string
	Files        []File
	IsMultiFile  bool

	Comment      string
	CreatedBy    string
	CreationDate int64
}

// Parse reads and decodes a .torrent file from r.
func Parse(r io.Reader) (*Metainfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read: %w", err)
	}

	decoded, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: %w", err)
	}

	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: top-level value is not a dictionary")
	}

	infoRaw, ok := top["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: missing \"info\" dictionary")
	}
	info, ok := infoRaw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: \"info\" is not a dictionary")
	}

	canonicalInfo, err := bencode.Encode(info)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: re-encoding info dict: %w", err)
	}
	infoHash := sha1.Sum(canonicalInfo)

	m := &Metainfo{
		InfoHash: infoHash,
	}

	if announce, ok := top["announce"].(string); ok {
		m.Announce = announce
	}
	if tiersRaw, ok := top["announce-list"].([]interface{}); ok {
		for _, tierRaw := range tiersRaw {
			tierList, ok := tierRaw.([]interface{})
			if !ok {
				continue
			}
			var tier []string
			for _, u := range tierList {
				if s, ok := u.(string); ok {
					tier = append(tier, s)
				}
			}
			m.AnnounceList = append(m.AnnounceList, tier)
		}
	}
	if c, ok := top["comment"].(string); ok {
		m.Comment = c
	}
	if c, ok := top["created by"].(string); ok {
		m.CreatedBy = c
	}
	if c, ok := top["creation date"].(int64); ok {
		m.CreationDate = c
	}

	name, _ := info["name"].(string)
	m.Name = name

	pieceLength, ok := intField(info["piece length"])
	if !ok || pieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: missing or invalid \"piece length\"")
	}
	m.PieceLength = pieceLength

	piecesStr, err := piecesBytes(info["pieces"])
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: %w", err)
	}
	if len(piecesStr)%HashSize != 0 {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: \"pieces\" length %d is not a multiple of %d", len(piecesStr), HashSize)
	}
	numPieces := len(piecesStr) / HashSize
	m.Pieces = make([][HashSize]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(m.Pieces[i][:], piecesStr[i*HashSize:(i+1)*HashSize])
	}

	if lengthRaw, ok := info["length"]; ok {
		length, ok := intField(lengthRaw)
		if !ok {
			return nil, fmt.Errorf("metainfo: invalid-metainfo: invalid \"length\"")
		}
		m.IsMultiFile = false
		m.TotalLength = length
		m.Files = []File{{Path: []string{name}, Length: length, GlobalStart: 0}}
	} else if filesRaw, ok := info["files"].([]interface{}); ok {
		m.IsMultiFile = true
		var offset int64
		for _, fRaw := range filesRaw {
			fDict, ok := fRaw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("metainfo: invalid-metainfo: file entry is not a dictionary")
			}
			flen, ok := intField(fDict["length"])
			if !ok {
				return nil, fmt.Errorf("metainfo: invalid-metainfo: file entry missing \"length\"")
			}
			pathList, ok := fDict["path"].([]interface{})
			if !ok {
				return nil, fmt.Errorf("metainfo: invalid-metainfo: file entry missing \"path\"")
			}
			var path []string
			for _, p := range pathList {
				s, ok := p.(string)
				if !ok {
					return nil, fmt.Errorf("metainfo: invalid-metainfo: non-string path component")
				}
				path = append(path, s)
			}
			m.Files = append(m.Files, File{Path: path, Length: flen, GlobalStart: offset})
			offset += flen
		}
		m.TotalLength = offset
	} else {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: \"info\" has neither \"length\" nor \"files\"")
	}

	expectedPieces := (m.TotalLength + m.PieceLength - 1) / m.PieceLength
	if int64(len(m.Pieces)) != expectedPieces {
		return nil, fmt.Errorf("metainfo: invalid-metainfo: %d piece hashes, expected %d for total length %d at piece length %d",
			len(m.Pieces), expectedPieces, m.TotalLength, m.PieceLength)
	}

	return m, nil
}

func intField(v interface{}) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

func piecesBytes(v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case bencode.Bytes:
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("\"pieces\" is not a byte string")
	}
}

// PieceLengthAt returns the length of piece index i: PieceLength for every
// piece but the last, which may be shorter.
func (m *Metainfo) PieceLengthAt(index int) int64 {
	begin := int64(index) * m.PieceLength
	end := begin + m.PieceLength
	if end > m.TotalLength {
		end = m.TotalLength
	}
	return end - begin
}

// NumPieces returns the number of pieces in the torrent.
func (m *Metainfo) NumPieces() int {
	return len(m.Pieces)
}

// FileLayout yields the files in declaration order, alongside their global
// starting offset (already stored on File.GlobalStart; provided here as the
// spec's named accessor).
func (m *Metainfo) FileLayout() []File {
	return m.Files
}
