package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a BitTorrent wire message.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
)

func (mid MessageID) String() string {
	switch mid {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "NotInterested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	case MsgPort:
		return "Port"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(mid))
	}
}

// Message is a single length-prefixed BitTorrent message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise:  <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("protocol: short message")
	ErrBadLengthPrefix = errors.New("protocol: invalid length prefix")
	ErrBadPayloadSize  = errors.New("protocol: invalid payload size for message")
	ErrUnknownMessage  = errors.New("protocol: unknown message id")
)

// MaxFrameLength bounds the accepted length prefix. The largest legitimate
// frame is a piece message carrying one block plus its 9-byte header; the
// bitfield of any realistic torrent is far smaller.
const MaxFrameLength = 9 + 128*1024

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: MsgChoke} }
func MessageUnchoke() *Message       { return &Message{ID: MsgUnchoke} }
func MessageInterested() *Message    { return &Message{ID: MsgInterested} }
func MessageNotInterested() *Message { return &Message{ID: MsgNotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: MsgHave, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: MsgBitfield, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: MsgRequest, Payload: packTriple(index, begin, length)}
}

func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: MsgCancel, Payload: packTriple(index, begin, length)}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)

	return &Message{ID: MsgPiece, Payload: payload}
}

func MessagePort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)

	return &Message{ID: MsgPort, Payload: payload}
}

func packTriple(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return payload
}

// ParseHave returns the piece index of a Have message. ok is false if the
// payload is not exactly 4 bytes.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request or Cancel payload into index, begin, length.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != MsgRequest && m.ID != MsgCancel) ||
		len(m.Payload) != 12 {
		return 0, 0, 0, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
// The returned block aliases the payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != MsgPiece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// ParsePort returns the advertised listen port of a Port message.
func (m *Message) ParsePort() (port uint16, ok bool) {
	if m == nil || m.ID != MsgPort || len(m.Payload) != 2 {
		return 0, false
	}

	return binary.BigEndian.Uint16(m.Payload), true
}

// Validate checks that the payload length is consistent with the message id.
func (m *Message) Validate() error {
	if m == nil {
		return nil // keep-alive
	}

	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	case MsgHave:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case MsgRequest, MsgCancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case MsgPiece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case MsgPort:
		if len(m.Payload) != 2 {
			return ErrBadPayloadSize
		}
	case MsgBitfield:
		// any length; checked against the piece count by the receiver
	default:
		return ErrUnknownMessage
	}

	return nil
}

// MarshalBinary encodes the full frame including the length prefix.
func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary decodes a full frame. Keep-alive zeroes the receiver.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	// A non-nil empty payload keeps a decoded choke (id 0, no payload)
	// distinguishable from the nil keep-alive convention.
	m.Payload = append([]byte{}, b[5:4+int(length)]...)

	return nil
}

// WriteTo writes the frame to w. A nil receiver writes a keep-alive.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads one full frame from r.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		*m = Message{} // keep-alive
		return 4, nil
	}
	if length > MaxFrameLength {
		return 4, ErrBadLengthPrefix
	}

	buf := make([]byte, length)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(4 + n), err
	}

	m.ID = MessageID(buf[0])
	m.Payload = append([]byte{}, buf[1:]...)

	return int64(4 + n), nil
}

// ReadMessage reads one frame from r. Keep-alive is returned as (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}

	if m.ID == 0 && m.Payload == nil {
		return nil, nil
	}

	return &m, nil
}

// WriteMessage writes m to w. A nil m writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}
