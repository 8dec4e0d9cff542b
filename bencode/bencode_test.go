package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeScenario1(t *testing.T) {
	v, err := Decode([]byte("d4:listl5:apple6:bananai42ee3:numi7ee"))
	require.NoError(t, err)

	m, ok := v.(map[string]interface{})
	require.True(t, ok)

	list, ok := m["list"].([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"apple", "banana", int64(42)}, list)

	num, ok := m["num"].(int64)
	require.True(t, ok)
	assert.Equal(t, int64(7), num)
}

func TestDecodeInt(t *testing.T) {
	cases := map[string]int64{
		"i0e":   0,
		"i42e":  42,
		"i-42e": -42,
	}
	for in, want := range cases {
		v, err := Decode([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, v)
	}
}

func TestDecodeIntMalformed(t *testing.T) {
	for _, in := range []string{"ie", "i-0e", "i03e", "i4", "i4.5e"} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestDecodeStringTooShort(t *testing.T) {
	_, err := Decode([]byte("5:ab"))
	assert.Error(t, err)
}

func TestDecodeUnterminatedContainer(t *testing.T) {
	for _, in := range []string{"l1:ae", "le", "l1:a", "d3:fooe", "d3:foo3:bar"} {
		_, err := Decode([]byte(in))
		if in == "l1:ae" || in == "le" {
			assert.NoError(t, err, in)
			continue
		}
		assert.Error(t, err, in)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	_, err := Decode([]byte("i1egarbage"))
	assert.Error(t, err)
}

func TestDecodeUnknownLeadByte(t *testing.T) {
	_, err := Decode([]byte("x"))
	assert.Error(t, err)
}

func TestDecodeNonUTF8StringSurfacesAsBytes(t *testing.T) {
	raw := []byte{0xff, 0xfe, 0xfd}
	in := append([]byte("3:"), raw...)
	v, err := Decode(in)
	require.NoError(t, err)
	b, ok := v.(Bytes)
	require.True(t, ok)
	assert.Equal(t, raw, []byte(b))
}

func TestEncodeCanonicalDictOrder(t *testing.T) {
	dict := map[string]interface{}{
		"zebra": int64(1),
		"apple": int64(2),
		"mango": int64(3),
	}
	out, err := Encode(dict)
	require.NoError(t, err)
	assert.Equal(t, "d5:applei2e5:mangoi3e5:zebrai1ee", string(out))
}

// TestBencodeRoundTrip exercises decode(encode(x)) == x for ints, strings, lists,
// and dicts built from those kinds, in place of a full property-test
// generator.
func TestBencodeRoundTrip(t *testing.T) {
	cases := []interface{}{
		int64(0),
		int64(-17),
		int64(123456789),
		"hello",
		"",
		[]interface{}{"a", "b", int64(3)},
		map[string]interface{}{
			"a": int64(1),
			"b": []interface{}{"x", "y"},
			"c": map[string]interface{}{"nested": int64(9)},
		},
	}
	for _, c := range cases {
		enc, err := Encode(c)
		require.NoError(t, err)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, c, dec)

		// Canonical: re-encoding the decoded value reproduces the same bytes.
		enc2, err := Encode(dec)
		require.NoError(t, err)
		assert.Equal(t, enc, enc2)
	}
}
