package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store owns the single backing file of a torrent. The byte layout is the
// concatenation of piece bodies at their natural offsets; no header.
//
// Writes land at piece granularity and only for pieces that are not yet
// complete; reads serve the upload path and only for pieces that are. The
// two therefore never race on the same byte range and *os.File's WriteAt/
// ReadAt need no extra synchronization.
type Store struct {
	f        *os.File
	path     string
	pieceLen int64
	totalLen int64
}

// Create opens (or creates) the target file under dir and extends it to
// totalLen bytes.
func Create(dir, name string, pieceLen int, totalLen int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := f.Truncate(totalLen); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncate %s: %w", path, err)
	}

	return &Store{
		f:        f,
		path:     path,
		pieceLen: int64(pieceLen),
		totalLen: totalLen,
	}, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string { return s.path }

// WritePiece commits a verified piece body at index*pieceLen.
func (s *Store) WritePiece(index int, data []byte) error {
	off := int64(index) * s.pieceLen

	n, err := s.f.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	if n != len(data) {
		return fmt.Errorf("storage: short write for piece %d: %d of %d bytes",
			index, n, len(data))
	}

	return nil
}

// ReadBlock reads length bytes starting at begin within piece index. The
// caller guarantees the piece is complete.
func (s *Store) ReadBlock(index int, begin, length int) ([]byte, error) {
	off := int64(index)*s.pieceLen + int64(begin)
	if off+int64(length) > s.totalLen {
		return nil, fmt.Errorf("storage: read past end of file: piece %d begin %d length %d",
			index, begin, length)
	}

	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("storage: read piece %d: %w", index, err)
	}

	return buf, nil
}

// Sync flushes the backing file.
func (s *Store) Sync() error { return s.f.Sync() }

// Close flushes and closes the backing file.
func (s *Store) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}

	return s.f.Close()
}
