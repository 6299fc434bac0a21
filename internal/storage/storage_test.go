package storage

import (
	"bytes"
	"os"
	"testing"
)

func TestCreateTruncatesToLength(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, "out.bin", 16384, 40000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	fi, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 40000 {
		t.Fatalf("size = %d, want 40000", fi.Size())
	}
}

func TestWritePieceReadBlock(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, "out.bin", 8, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	piece1 := []byte("BBBBBBBB")
	if err := s.WritePiece(1, piece1); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	got, err := s.ReadBlock(1, 2, 4)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, []byte("BBBB")) {
		t.Fatalf("ReadBlock = %q", got)
	}

	// Piece 1 lives at byte offset 8.
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(raw[8:16], piece1) {
		t.Fatalf("file bytes at piece offset = %q", raw[8:16])
	}
}

func TestReadBlockPastEnd(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, "out.bin", 8, 20)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	// Last piece is short: offset 16 + 8 bytes would run past 20.
	if _, err := s.ReadBlock(2, 0, 8); err == nil {
		t.Fatal("read past end succeeded")
	}
	if _, err := s.ReadBlock(2, 0, 4); err != nil {
		t.Fatalf("in-range read failed: %v", err)
	}
}
