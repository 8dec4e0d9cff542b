// Package message implements the BitTorrent peer wire protocol's framing
// and message (de)serialization (spec §4.6), using a tagged variant per
// the REDESIGN FLAGS in spec §9 instead of the (ID, Payload []byte) pairs
// the teacher's version passes around.
package message

import (
	"encoding/binary"
	"fmt"
)

// ID is the one-byte message identifier on the wire.
type ID uint8

const (
	IDChoke         ID = 0
	IDUnchoke       ID = 1
	IDInterested    ID = 2
	IDNotInterested ID = 3
	IDHave          ID = 4
	IDBitfield      ID = 5
	IDRequest       ID = 6
	IDPiece         ID = 7
	IDCancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case IDChoke:
		return "choke"
	case IDUnchoke:
		return "unchoke"
	case IDInterested:
		return "interested"
	case IDNotInterested:
		return "not-interested"
	case IDHave:
		return "have"
	case IDBitfield:
		return "bitfield"
	case IDRequest:
		return "request"
	case IDPiece:
		return "piece"
	case IDCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Kind tags which case of Message is populated.
type Kind int

const (
	KeepAlive Kind = iota
	Choke
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

// Message is a tagged union over the 9 wire message kinds plus keep-alive.
// Exactly one of the typed fields is meaningful, selected by Kind.
type Message struct {
	Kind Kind

	HaveIndex int             // valid when Kind == Have
	Bits      []byte          // valid when Kind == Bitfield
	Request   RequestPayload  // valid when Kind == Request or Kind == Cancel
	Piece     PiecePayload    // valid when Kind == Piece
}

// RequestPayload is the (index, begin, length) triple shared by REQUEST and
// CANCEL.
type RequestPayload struct {
	Index  int
	Begin  int
	Length int
}

// PiecePayload is a delivered block: (index, begin, data).
type PiecePayload struct {
	Index int
	Begin int
	Data  []byte
}

// Serialize encodes m into wire bytes: [4-byte length][1-byte id][payload],
// or a bare 4 zero bytes for a keep-alive.
func (m *Message) Serialize() []byte {
	switch m.Kind {
	case KeepAlive:
		return make([]byte, 4)
	case Choke:
		return frame(IDChoke, nil)
	case Unchoke:
		return frame(IDUnchoke, nil)
	case Interested:
		return frame(IDInterested, nil)
	case NotInterested:
		return frame(IDNotInterested, nil)
	case Have:
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(m.HaveIndex))
		return frame(IDHave, payload)
	case Bitfield:
		return frame(IDBitfield, m.Bits)
	case Request:
		return frame(IDRequest, encodeRequest(m.Request))
	case Cancel:
		return frame(IDCancel, encodeRequest(m.Request))
	case Piece:
		payload := make([]byte, 8+len(m.Piece.Data))
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Piece.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Piece.Begin))
		copy(payload[8:], m.Piece.Data)
		return frame(IDPiece, payload)
	default:
		return make([]byte, 4)
	}
}

// Helper constructors mirroring the teacher's format* free functions.

func NewChoke() *Message         { return &Message{Kind: Choke} }
func NewUnchoke() *Message       { return &Message{Kind: Unchoke} }
func NewInterested() *Message    { return &Message{Kind: Interested} }
func NewNotInterested() *Message { return &Message{Kind: NotInterested} }

func NewHave(index int) *Message {
	return &Message{Kind: Have, HaveIndex: index}
}

func NewBitfield(bits []byte) *Message {
	return &Message{Kind: Bitfield, Bits: bits}
}

func NewRequest(index, begin, length int) *Message {
	return &Message{Kind: Request, Request: RequestPayload{Index: index, Begin: begin, Length: length}}
}

func NewCancel(index, begin, length int) *Message {
	return &Message{Kind: Cancel, Request: RequestPayload{Index: index, Begin: begin, Length: length}}
}

func NewPiece(index, begin int, data []byte) *Message {
	return &Message{Kind: Piece, Piece: PiecePayload{Index: index, Begin: begin, Data: data}}
}

func encodeRequest(r RequestPayload) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(r.Index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(r.Begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(r.Length))
	return payload
}

func frame(id ID, payload []byte) []byte {
	length := uint32(len(payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

// decode turns a raw (id, payload) pair — as produced by the incremental
// Parser — into a tagged Message.
func decode(id ID, payload []byte) (*Message, error) {
	switch id {
	case IDChoke:
		return &Message{Kind: Choke}, nil
	case IDUnchoke:
		return &Message{Kind: Unchoke}, nil
	case IDInterested:
		return &Message{Kind: Interested}, nil
	case IDNotInterested:
		return &Message{Kind: NotInterested}, nil
	case IDHave:
		if len(payload) != 4 {
			return nil, fmt.Errorf("message: bad-message: have payload length %d, want 4", len(payload))
		}
		return &Message{Kind: Have, HaveIndex: int(binary.BigEndian.Uint32(payload))}, nil
	case IDBitfield:
		bits := make([]byte, len(payload))
		copy(bits, payload)
		return &Message{Kind: Bitfield, Bits: bits}, nil
	case IDRequest:
		r, err := decodeRequest(payload)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: Request, Request: r}, nil
	case IDCancel:
		r, err := decodeRequest(payload)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: Cancel, Request: r}, nil
	case IDPiece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("message: bad-message: piece payload length %d < 8", len(payload))
		}
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return &Message{Kind: Piece, Piece: PiecePayload{
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Data:  data,
		}}, nil
	default:
		return nil, fmt.Errorf("message: bad-message: unknown id %d", uint8(id))
	}
}

func decodeRequest(payload []byte) (RequestPayload, error) {
	if len(payload) != 12 {
		return RequestPayload{}, fmt.Errorf("message: bad-message: request payload length %d, want 12", len(payload))
	}
	return RequestPayload{
		Index:  int(binary.BigEndian.Uint32(payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}
