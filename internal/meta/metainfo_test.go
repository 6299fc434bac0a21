package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// buildTorrent assembles a bencoded single-file torrent document by hand so
// the test controls the exact info-dict bytes.
func buildTorrent(announce, name string, length, pieceLen int, pieces []byte) (string, [sha1.Size]byte) {
	info := fmt.Sprintf(
		"d6:lengthi%de4:name%d:%s12:piece lengthi%de6:pieces%d:%se",
		length, len(name), name, pieceLen, len(pieces), pieces,
	)
	doc := fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info)

	return doc, sha1.Sum([]byte(info))
}

func TestParseSingleFile(t *testing.T) {
	pieces := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaa"), 3)
	copy(pieces[20:], "bbbbbbbbbbbbbbbbbbbb")

	doc, wantHash := buildTorrent("http://tracker.local/announce", "data.bin", 40000, 16384, pieces)

	m, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Announce != "http://tracker.local/announce" {
		t.Fatalf("announce = %q", m.Announce)
	}
	if m.Name != "data.bin" || m.Length != 40000 || m.PieceLength != 16384 {
		t.Fatalf("fields = %q %d %d", m.Name, m.Length, m.PieceLength)
	}
	if m.NumPieces() != 3 {
		t.Fatalf("NumPieces = %d, want 3", m.NumPieces())
	}
	if string(m.PieceHashes[1][:]) != "bbbbbbbbbbbbbbbbbbbb" {
		t.Fatalf("piece hash 1 = %q", m.PieceHashes[1])
	}
	if m.InfoHash != wantHash {
		t.Fatalf("info hash = %x, want %x", m.InfoHash, wantHash)
	}
}

func TestParseBadPiecesLength(t *testing.T) {
	doc, _ := buildTorrent("http://t/announce", "x", 1, 16384, []byte("short"))

	if _, err := Parse(strings.NewReader(doc)); !errors.Is(err, ErrBadPieceStr) {
		t.Fatalf("err = %v, want ErrBadPieceStr", err)
	}
}

func TestCanScrape(t *testing.T) {
	tests := []struct {
		announce string
		want     bool
	}{
		{"http://tracker.local/announce", true},
		{"http://tracker.local/announce.php", true},
		{"http://tracker.local/a/announce", true},
		{"http://tracker.local/x", false},
		{"http://tracker.local/", false},
	}

	for _, tt := range tests {
		m := &Metainfo{Announce: tt.announce}
		if got := m.CanScrape(); got != tt.want {
			t.Fatalf("CanScrape(%q) = %v, want %v", tt.announce, got, tt.want)
		}
	}
}
