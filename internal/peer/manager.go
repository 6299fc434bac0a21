package peer

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdurrani808/BitTorrentClient/internal/bitfield"
	"github.com/mdurrani808/BitTorrentClient/internal/config"
	"github.com/mdurrani808/BitTorrentClient/internal/piece"
	"github.com/mdurrani808/BitTorrentClient/internal/protocol"
)

// ID is a 20-byte BitTorrent peer identifier.
type ID = [sha1.Size]byte

type blockKey struct {
	index int
	begin int
}

// state is the per-peer protocol state tracked by the Manager. The write
// sink is the session's outbox; the Manager never touches the connection
// directly.
type state struct {
	bitfield   bitfield.Bitfield
	outbox     chan<- *protocol.Message
	unchoked   bool // we may transfer with this peer
	interested bool // they want pieces from us
	inflight   map[blockKey]time.Time
}

// Manager tracks protocol state for every live peer and runs the request
// scheduling pass. One mutex serializes the pass against the per-message
// mutators called from session read loops.
type Manager struct {
	log    *slog.Logger
	pieces *piece.Manager

	mut   sync.Mutex
	peers map[ID]*state
}

// NewManager returns a Manager issuing blocks from pieces.
func NewManager(pieces *piece.Manager, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		log:    log.With("component", "peers"),
		pieces: pieces,
		peers:  make(map[ID]*state),
	}
}

// Add registers a peer after a successful handshake. An existing entry for
// the same id is torn down first so its pending blocks return to the pool.
func (m *Manager) Add(id ID, outbox chan<- *protocol.Message) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if old, ok := m.peers[id]; ok {
		m.reclaimLocked(old)
	}

	m.peers[id] = &state{
		outbox:   outbox,
		inflight: make(map[blockKey]time.Time),
	}
}

// Remove tears down a peer: its inflight blocks return to the piece
// manager's free pool.
func (m *Manager) Remove(id ID) {
	m.mut.Lock()
	defer m.mut.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return
	}

	m.reclaimLocked(p)
	delete(m.peers, id)
}

func (m *Manager) reclaimLocked(p *state) {
	for key := range p.inflight {
		m.pieces.UnmarkPending(key.index, key.begin)
	}
	p.inflight = make(map[blockKey]time.Time)
}

// Known reports whether id has a live entry.
func (m *Manager) Known(id ID) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.peers[id]
	return ok
}

// Count returns the number of live peers.
func (m *Manager) Count() int {
	m.mut.Lock()
	defer m.mut.Unlock()

	return len(m.peers)
}

// SetBitfield overwrites the peer's piece advertisement.
func (m *Manager) SetBitfield(id ID, bf bitfield.Bitfield) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if p, ok := m.peers[id]; ok {
		p.bitfield = bf
	}
}

// SetHave sets one bit in the peer's advertisement. Peers that never sent a
// bitfield get an empty one sized to the torrent.
func (m *Manager) SetHave(id ID, index int) {
	m.mut.Lock()
	defer m.mut.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return
	}
	if p.bitfield == nil {
		p.bitfield = bitfield.New(m.pieces.NumPieces())
	}

	p.bitfield.Set(index)
}

// SetUnchoked flips the transfer flag for id.
func (m *Manager) SetUnchoked(id ID, unchoked bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if p, ok := m.peers[id]; ok {
		p.unchoked = unchoked
	}
}

// SetInterested records whether the remote wants pieces from us.
func (m *Manager) SetInterested(id ID, interested bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if p, ok := m.peers[id]; ok {
		p.interested = interested
	}
}

// IsChoked reports whether transfers with id are currently off. Unknown
// peers are choked.
func (m *Manager) IsChoked(id ID) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	p, ok := m.peers[id]
	return !ok || !p.unchoked
}

// IsInterested reports whether id wants pieces from us.
func (m *Manager) IsInterested(id ID) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	p, ok := m.peers[id]
	return ok && p.interested
}

// BlockReceived drops the inflight record for an arrived block.
func (m *Manager) BlockReceived(id ID, index, begin int) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if p, ok := m.peers[id]; ok {
		delete(p.inflight, blockKey{index, begin})
	}
}

// InflightCount returns the number of outstanding requests to id.
func (m *Manager) InflightCount(id ID) int {
	m.mut.Lock()
	defer m.mut.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return 0
	}

	return len(p.inflight)
}

// RequestBlocks runs one scheduling pass: reclaim requests older than the
// request timeout, then top every unchoked peer with a known bitfield up to
// the inflight cap, writing REQUEST frames through its outbox. A block whose
// enqueue fails goes straight back to the piece manager's free pool.
func (m *Manager) RequestBlocks() {
	cfg := config.Load()
	now := time.Now()

	m.mut.Lock()
	defer m.mut.Unlock()

	for _, p := range m.peers {
		for key, sentAt := range p.inflight {
			if now.Sub(sentAt) <= cfg.RequestTimeout {
				continue
			}

			delete(p.inflight, key)
			m.pieces.UnmarkPending(key.index, key.begin)
		}
	}

	for id, p := range m.peers {
		if !p.unchoked || p.bitfield == nil {
			continue
		}

		capacity := cfg.MaxInflightPerPeer - len(p.inflight)
		if capacity <= 0 {
			continue
		}

		blocks := m.pieces.SelectBlocks(p.bitfield, capacity)
		for _, b := range blocks {
			msg := protocol.MessageRequest(uint32(b.Index), uint32(b.Begin), uint32(b.Length))

			select {
			case p.outbox <- msg:
				p.inflight[blockKey{b.Index, b.Begin}] = time.Now()
			default:
				m.log.Debug("outbox full, returning block",
					"peer", peerTag(id), "piece", b.Index, "begin", b.Begin)
				m.pieces.UnmarkPending(b.Index, b.Begin)
			}
		}
	}
}

// peerTag renders a peer id for logs: verbatim when printable, hex otherwise.
func peerTag(id ID) string {
	for _, c := range id {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%x", id[:])
		}
	}

	return string(id[:])
}
