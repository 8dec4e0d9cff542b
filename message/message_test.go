package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeKeepAlive(t *testing.T) {
	m := &Message{Kind: KeepAlive}
	assert.Equal(t, []byte{0, 0, 0, 0}, m.Serialize())
}

func TestSerializeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		NewChoke(),
		NewUnchoke(),
		NewInterested(),
		NewNotInterested(),
		NewHave(7),
		NewBitfield([]byte{0xFF, 0x00}),
		NewRequest(1, 16384, 16384),
		NewCancel(1, 16384, 16384),
		NewPiece(1, 0, []byte("hello world")),
	}
	for _, m := range cases {
		wire := m.Serialize()
		require.True(t, len(wire) >= 5)
		id := ID(wire[4])
		got, err := decode(id, wire[5:])
		require.NoError(t, err)
		assert.Equal(t, m.Kind, got.Kind)
	}
}

func TestParserSingleShotVsSplit(t *testing.T) {
	var full []byte
	full = append(full, NewChoke().Serialize()...)
	full = append(full, make([]byte, 4)...) // keep-alive
	full = append(full, NewHave(3).Serialize()...)
	full = append(full, NewPiece(2, 0, []byte("abcdefgh")).Serialize()...)

	// One shot.
	oneShot := &Parser{}
	msgsOne, err := oneShot.Feed(full)
	require.NoError(t, err)
	require.Len(t, msgsOne, 4)

	// Split at every byte boundary.
	split := &Parser{}
	var msgsSplit []*Message
	for i := 0; i < len(full); i++ {
		got, err := split.Feed(full[i : i+1])
		require.NoError(t, err)
		msgsSplit = append(msgsSplit, got...)
	}
	require.Len(t, msgsSplit, 4)

	for i := range msgsOne {
		assert.Equal(t, msgsOne[i].Kind, msgsSplit[i].Kind)
	}
	assert.Equal(t, Choke, msgsOne[0].Kind)
	assert.Equal(t, KeepAlive, msgsOne[1].Kind)
	assert.Equal(t, Have, msgsOne[2].Kind)
	assert.Equal(t, 3, msgsOne[2].HaveIndex)
	assert.Equal(t, Piece, msgsOne[3].Kind)
	assert.Equal(t, []byte("abcdefgh"), msgsOne[3].Piece.Data)
}

func TestParserMultipleMessagesInOneRead(t *testing.T) {
	var full []byte
	full = append(full, NewUnchoke().Serialize()...)
	full = append(full, NewInterested().Serialize()...)

	p := &Parser{}
	msgs, err := p.Feed(full)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, Unchoke, msgs[0].Kind)
	assert.Equal(t, Interested, msgs[1].Kind)
}

func TestDecodeUnknownIDIsBadMessage(t *testing.T) {
	_, err := decode(ID(99), nil)
	assert.Error(t, err)
}
