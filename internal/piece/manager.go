package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mdurrani808/BitTorrentClient/internal/bitfield"
	"github.com/mdurrani808/BitTorrentClient/internal/config"
	"github.com/mdurrani808/BitTorrentClient/internal/storage"
)

// Block describes one requestable unit: a substring of a piece.
type Block struct {
	Index  int // piece index
	Begin  int // byte offset within the piece, a multiple of BlockSize
	Length int // min(BlockSize, piece length - Begin)
}

// piece tracks download state for a single piece. Block buffers live only
// until the piece verifies; afterwards the backing file is authoritative.
type piece struct {
	index    int
	hash     [sha1.Size]byte
	length   int
	blocks   map[int][]byte // begin -> data, nil once complete
	buffered int            // bytes currently buffered in blocks
	received int            // blocks arrived since the last reset
	next     int            // dispatch cursor: selection starts here; every offset below is pending or stored
	pending  map[int]struct{}
	complete bool
}

// Manager owns piece metadata, the backing store, the local bitfield, and
// pending-block bookkeeping. All methods are safe for concurrent use by the
// peer sessions and the request scheduler.
type Manager struct {
	log   *slog.Logger
	store *storage.Store

	mut             sync.Mutex
	pieces          []*piece
	pieceLen        int
	totalLen        int64
	completed       map[int]struct{}
	totalUploaded   int64
	totalDownloaded int64

	// onComplete is invoked, outside the lock, after a verified piece has
	// been committed to the store.
	onComplete func(index int)
}

// Metrics is the uploaded/downloaded/left triple reported to the tracker.
type Metrics struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

var ErrNoHashes = errors.New("piece: no piece hashes")

// NewManager builds one piece record per hash. The last piece's length is
// the remainder of the total length.
func NewManager(
	hashes [][sha1.Size]byte,
	pieceLen int,
	totalLen int64,
	store *storage.Store,
	log *slog.Logger,
) (*Manager, error) {
	if len(hashes) == 0 {
		return nil, ErrNoHashes
	}
	if log == nil {
		log = slog.Default()
	}

	n := len(hashes)
	pieces := make([]*piece, n)
	for i, h := range hashes {
		length := pieceLen
		if i == n-1 {
			length = int(totalLen - int64(pieceLen)*int64(n-1))
		}

		pieces[i] = &piece{
			index:   i,
			hash:    h,
			length:  length,
			blocks:  make(map[int][]byte),
			pending: make(map[int]struct{}),
		}
	}

	return &Manager{
		log:       log.With("component", "pieces"),
		store:     store,
		pieces:    pieces,
		pieceLen:  pieceLen,
		totalLen:  totalLen,
		completed: make(map[int]struct{}),
	}, nil
}

// OnPieceComplete injects the completion callback. Must be set before any
// session runs.
func (m *Manager) OnPieceComplete(fn func(index int)) { m.onComplete = fn }

// NumPieces returns the piece count.
func (m *Manager) NumPieces() int { return len(m.pieces) }

// PieceLength returns the length of piece index.
func (m *Manager) PieceLength(index int) int {
	if index < 0 || index >= len(m.pieces) {
		return 0
	}

	return m.pieces[index].length
}

// HasPiece reports whether piece index has been verified.
func (m *Manager) HasPiece(index int) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.completed[index]
	return ok
}

// Complete reports whether every piece has been verified.
func (m *Manager) Complete() bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	return len(m.completed) == len(m.pieces)
}

// SelectBlocks picks up to capacity blocks the given peer can serve,
// scanning pieces strictly left to right. Each returned block's offset is
// entered into the piece's pending set atomically with selection, and the
// dispatch cursor advances so several blocks of one piece can be inflight
// at once. Arrival accounting is tracked separately (see RecvBlock).
func (m *Manager) SelectBlocks(peerBF bitfield.Bitfield, capacity int) []Block {
	m.mut.Lock()
	defer m.mut.Unlock()

	var selected []Block

	for _, p := range m.pieces {
		if capacity <= 0 {
			break
		}
		if p.complete || !peerBF.Has(p.index) {
			continue
		}

		for off := p.next; off < p.length && capacity > 0; off += config.BlockSize {
			if _, dup := p.pending[off]; dup {
				continue
			}
			if _, stored := p.blocks[off]; stored {
				continue
			}

			length := min(config.BlockSize, p.length-off)
			selected = append(selected, Block{Index: p.index, Begin: off, Length: length})
			p.pending[off] = struct{}{}
			capacity--

			if off >= p.next {
				p.next = off + config.BlockSize
			}
		}
	}

	return selected
}

// UnmarkPending returns a dispatched block to the free pool so another peer
// can pick it up: reclaim on timeout, peer disconnect, or a failed send.
func (m *Manager) UnmarkPending(index, begin int) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return
	}

	p := m.pieces[index]
	delete(p.pending, begin)

	// Rewind the dispatch cursor so the freed offset is selectable again.
	if begin < p.next {
		p.next = begin
	}
}

// PendingCount returns the number of inflight offsets for piece index.
func (m *Manager) PendingCount(index int) int {
	m.mut.Lock()
	defer m.mut.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return 0
	}

	return len(m.pieces[index].pending)
}

// RecvBlock stores an arrived block. Duplicate offsets and blocks for
// already-complete pieces are ignored. When the piece's buffered bytes reach
// its length the piece is hashed: on match it is committed to the store and
// the completion callback fires; on mismatch all block state is purged and
// the piece becomes re-requestable.
//
// The returned error is non-nil only for store failures, which are fatal to
// the client.
func (m *Manager) RecvBlock(index, begin int, data []byte) error {
	m.mut.Lock()

	if index < 0 || index >= len(m.pieces) {
		m.mut.Unlock()
		return nil
	}

	p := m.pieces[index]
	if p.complete {
		m.mut.Unlock()
		return nil
	}
	if begin < 0 || begin+len(data) > p.length {
		m.mut.Unlock()
		return nil
	}
	if _, dup := p.blocks[begin]; dup {
		m.mut.Unlock()
		return nil
	}

	p.blocks[begin] = append([]byte(nil), data...)
	p.buffered += len(data)
	p.received++
	m.totalDownloaded += int64(len(data))
	delete(p.pending, begin)

	if p.buffered < p.length {
		m.mut.Unlock()
		return nil
	}

	body := assemble(p)

	if sha1.Sum(body) != p.hash {
		m.log.Warn("piece hash mismatch, resetting", "piece", index)
		p.blocks = make(map[int][]byte)
		p.buffered = 0
		p.received = 0
		p.next = 0
		p.pending = make(map[int]struct{})
		m.mut.Unlock()
		return nil
	}

	p.complete = true
	p.blocks = nil
	p.pending = make(map[int]struct{})
	m.mut.Unlock()

	if err := m.store.WritePiece(index, body); err != nil {
		return fmt.Errorf("piece %d commit: %w", index, err)
	}

	// Only a piece that is on disk joins the completed set, so the upload
	// path never reads a range that is still being written.
	m.mut.Lock()
	m.completed[index] = struct{}{}
	m.mut.Unlock()

	m.log.Debug("piece verified", "piece", index, "bytes", len(body))

	if m.onComplete != nil {
		m.onComplete(index)
	}

	return nil
}

// assemble concatenates a piece's buffered blocks in ascending offset
// order. Caller holds the lock.
func assemble(p *piece) []byte {
	offsets := make([]int, 0, len(p.blocks))
	for off := range p.blocks {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	var buf bytes.Buffer
	buf.Grow(p.length)
	for _, off := range offsets {
		buf.Write(p.blocks[off])
	}

	return buf.Bytes()
}

// GetBlock serves the upload path: bytes [begin, begin+length) of a
// complete piece, read from the store. Returns nil for out-of-bounds
// requests and pieces we do not have.
func (m *Manager) GetBlock(index, begin, length int) []byte {
	m.mut.Lock()

	if index < 0 || index >= len(m.pieces) ||
		begin < 0 || begin >= m.pieceLen ||
		length <= 0 || length > m.pieceLen-begin {
		m.mut.Unlock()
		return nil
	}
	if _, ok := m.completed[index]; !ok {
		m.mut.Unlock()
		return nil
	}
	m.mut.Unlock()

	data, err := m.store.ReadBlock(index, begin, length)
	if err != nil {
		m.log.Warn("upload read failed", "piece", index, "error", err)
		return nil
	}

	m.mut.Lock()
	m.totalUploaded += int64(len(data))
	m.mut.Unlock()

	return data
}

// Bitfield computes the local bitfield from the completed set.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mut.Lock()
	defer m.mut.Unlock()

	bf := bitfield.New(len(m.pieces))
	for index := range m.completed {
		bf.Set(index)
	}

	return bf
}

// Metrics returns the lifetime counters reported to the tracker. The last
// piece contributes its true (shorter) length.
func (m *Manager) Metrics() Metrics {
	m.mut.Lock()
	defer m.mut.Unlock()

	var have int64
	for index := range m.completed {
		have += int64(m.pieces[index].length)
	}

	left := m.totalLen - have
	if left < 0 {
		left = 0
	}

	return Metrics{
		Uploaded:   m.totalUploaded,
		Downloaded: m.totalDownloaded,
		Left:       left,
	}
}
