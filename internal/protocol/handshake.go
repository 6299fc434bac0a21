package protocol

import (
	"crypto/sha1"
	"errors"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8

	// HandshakeLength is the fixed wire size of a BEP 3 handshake:
	// <pstrlen=19><pstr><reserved:8><info_hash:20><peer_id:20>.
	HandshakeLength = 1 + len(btProtocol) + reservedN + sha1.Size + sha1.Size
)

// Handshake is the 68-byte greeting exchanged before any framed message.
// It is never length-prefixed.
type Handshake struct {
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

// NewHandshake returns a handshake for the given torrent and local peer id
// with zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// MarshalBinary encodes the handshake into its 68-byte wire form.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeLength)

	buf[0] = byte(len(btProtocol))
	off := 1
	off += copy(buf[off:], btProtocol)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake, requiring the canonical protocol
// string.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < HandshakeLength {
		return ErrShortHandshake
	}
	if int(b[0]) != len(btProtocol) || string(b[1:1+len(btProtocol)]) != btProtocol {
		return ErrProtocolMismatch
	}

	off := 1 + len(btProtocol)
	copy(h.Reserved[:], b[off:off+reservedN])
	off += reservedN
	copy(h.InfoHash[:], b[off:off+sha1.Size])
	off += sha1.Size
	copy(h.PeerID[:], b[off:off+sha1.Size])

	return nil
}

// WriteTo writes the 68-byte handshake to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads exactly one handshake from r.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HandshakeLength)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(n), ErrShortHandshake
		}
		return int64(n), err
	}

	return int64(n), h.UnmarshalBinary(buf)
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire form.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange performs the outbound handshake: write ours, read theirs, verify
// the shared info hash. Returns the remote handshake.
func (h Handshake) Exchange(rw io.ReadWriter) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	peer, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if peer.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	return peer, nil
}
