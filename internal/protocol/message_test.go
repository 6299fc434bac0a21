package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestKeepAliveRoundTrip(t *testing.T) {
	var m *Message

	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive: %v", err)
	}
	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("keep-alive encoded = %v, want %v", b, want)
	}

	got, err := ReadMessage(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadMessage keep-alive: %v", err)
	}
	if !IsKeepAlive(got) {
		t.Fatalf("decoded keep-alive = %+v, want nil", got)
	}
}

func TestFramingRoundTrip(t *testing.T) {
	msgs := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(42),
		MessageBitfield([]byte{0xA0, 0x01, 0xFF}),
		MessageRequest(7, 16384, 16384),
		MessagePiece(3, 32768, []byte("block bytes")),
		MessageCancel(7, 16384, 16384),
		MessagePort(6881),
	}

	for _, m := range msgs {
		b, err := m.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary: %v", m.ID, err)
		}

		// Length prefix equals len(body).
		if got, want := binary.BigEndian.Uint32(b[0:4]), uint32(1+len(m.Payload)); got != want {
			t.Fatalf("%s: length prefix = %d, want %d", m.ID, got, want)
		}
		if b[4] != byte(m.ID) {
			t.Fatalf("%s: id byte = %d", m.ID, b[4])
		}

		dec, err := ReadMessage(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("%s: ReadMessage: %v", m.ID, err)
		}
		if dec.ID != m.ID || !bytes.Equal(dec.Payload, m.Payload) {
			t.Fatalf("%s: decode(encode(m)) = %+v, want %+v", m.ID, dec, m)
		}
		if err := dec.Validate(); err != nil {
			t.Fatalf("%s: Validate: %v", m.ID, err)
		}
	}
}

func TestFixedWireLengths(t *testing.T) {
	tests := []struct {
		m    *Message
		wire int
	}{
		{MessageChoke(), 5},
		{MessageUnchoke(), 5},
		{MessageInterested(), 5},
		{MessageNotInterested(), 5},
		{MessageHave(0), 9},
		{MessageRequest(0, 0, 0), 17},
		{MessageCancel(0, 0, 0), 17},
		{MessagePort(0), 7},
	}

	for _, tt := range tests {
		b, _ := tt.m.MarshalBinary()
		if len(b) != tt.wire {
			t.Fatalf("%s: wire length = %d, want %d", tt.m.ID, len(b), tt.wire)
		}
	}
}

func TestParsers(t *testing.T) {
	if idx, ok := MessageHave(9).ParseHave(); !ok || idx != 9 {
		t.Fatalf("ParseHave = (%d,%v)", idx, ok)
	}

	i, b, l, ok := MessageRequest(1, 16384, 1024).ParseRequest()
	if !ok || i != 1 || b != 16384 || l != 1024 {
		t.Fatalf("ParseRequest = (%d,%d,%d,%v)", i, b, l, ok)
	}

	block := []byte{0xDE, 0xAD}
	pi, pb, blk, ok := MessagePiece(2, 8, block).ParsePiece()
	if !ok || pi != 2 || pb != 8 || !bytes.Equal(blk, block) {
		t.Fatal("ParsePiece mismatch")
	}

	port, ok := MessagePort(51413).ParsePort()
	if !ok || port != 51413 {
		t.Fatalf("ParsePort = (%d,%v)", port, ok)
	}
}

func TestValidateErrors(t *testing.T) {
	bad := []*Message{
		{ID: MsgChoke, Payload: []byte{1}},
		{ID: MsgHave, Payload: []byte{1, 2}},
		{ID: MsgRequest, Payload: []byte("short")},
		{ID: MsgPiece, Payload: []byte{0, 1, 2, 3, 4, 5, 6}},
		{ID: MsgPort, Payload: []byte{1, 2, 3}},
	}
	for _, m := range bad {
		if err := m.Validate(); !errors.Is(err, ErrBadPayloadSize) {
			t.Fatalf("%s: Validate = %v, want ErrBadPayloadSize", m.ID, err)
		}
	}

	if err := (&Message{ID: 77}).Validate(); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("unknown id Validate = %v", err)
	}
}

func TestReadMessageRejectsHugePrefix(t *testing.T) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], MaxFrameLength+1)

	if _, err := ReadMessage(bytes.NewReader(b[:])); !errors.Is(err, ErrBadLengthPrefix) {
		t.Fatalf("err = %v, want ErrBadLengthPrefix", err)
	}
}

func TestReadMessageTruncatedFrame(t *testing.T) {
	m := MessageRequest(0, 0, 16384)
	b, _ := m.MarshalBinary()

	if _, err := ReadMessage(bytes.NewReader(b[:len(b)-3])); err == nil {
		t.Fatal("truncated frame decoded without error")
	}
}
