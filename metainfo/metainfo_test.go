package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSingleFileTorrent(t *testing.T, pieceLength int, data []byte) []byte {
	t.Helper()

	var pieces []byte
	for off := 0; off < len(data); off += pieceLength {
		end := off + pieceLength
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[off:end])
		pieces = append(pieces, h[:]...)
	}

	info := fmtDict(map[string]string{
		"length":       fmtInt(len(data)),
		"name":         fmtStr("movie.mkv"),
		"piece length": fmtInt(pieceLength),
		"pieces":       fmtBytesRaw(pieces),
	})

	top := "d8:announce20:http://tracker.local4:info" + info + "e"
	return []byte(top)
}

func fmtInt(n int) string      { return "i" + itoa(n) + "e" }
func fmtStr(s string) string   { return fmtBytesRaw([]byte(s)) }
func fmtBytesRaw(b []byte) string {
	return itoa(len(b)) + ":" + string(b)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func fmtDict(fields map[string]string) string {
	// caller-controlled small field sets; not meant to be a general encoder
	keys := []string{"length", "name", "piece length", "pieces"}
	var buf bytes.Buffer
	buf.WriteByte('d')
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		buf.WriteString(fmtStr(k))
		buf.WriteString(v)
	}
	buf.WriteByte('e')
	return buf.String()
}

func TestParseSingleFileLayout(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	raw := buildSingleFileTorrent(t, 40, data)

	m, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.local", m.Announce)
	assert.Equal(t, "movie.mkv", m.Name)
	assert.Equal(t, int64(100), m.TotalLength)
	assert.Equal(t, int64(40), m.PieceLength)
	assert.False(t, m.IsMultiFile)
	require.Len(t, m.Files, 1)
	assert.Equal(t, []string{"movie.mkv"}, m.Files[0].Path)
	assert.Equal(t, int64(100), m.Files[0].Length)

	// ceil(100/40) == 3
	assert.Equal(t, 3, m.NumPieces())
	assert.Equal(t, int64(40), m.PieceLengthAt(0))
	assert.Equal(t, int64(40), m.PieceLengthAt(1))
	assert.Equal(t, int64(20), m.PieceLengthAt(2))
}

func TestParseRejectsMismatchedPieceCount(t *testing.T) {
	// 10 bytes of "pieces" means zero whole hashes but a nonzero remainder.
	raw := []byte("d8:announce4:http4:infod6:lengthi10e4:name1:x12:piece lengthi5e6:pieces10:0123456789ee")
	_, err := Parse(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestParseRejectsNonDictTopLevel(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("i5e")))
	assert.Error(t, err)
}
