package config

import (
	"crypto/sha1"
	"math/rand"
	"time"
)

// BlockSize is the transfer unit for piece data; every request is for at
// most this many bytes.
const BlockSize = 16384

// clientTag is the fixed Azureus-style prefix of our peer id.
const clientTag = "-GO0001-"

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is the directory the target file is created in.
	DownloadDir string

	// ClientID is the 20-byte identifier sent in every handshake: the
	// fixed client tag followed by 12 random digits.
	ClientID [sha1.Size]byte

	// Port is the TCP port this client listens on for incoming peer
	// connections; it is also the port advertised to the tracker.
	Port uint16

	// ========== Networking ==========

	// DialTimeout bounds establishing a new peer connection.
	DialTimeout time.Duration

	// PeerOutboxBacklog is the per-peer outbound message queue depth.
	PeerOutboxBacklog int

	// ========== Requests ==========

	// MaxInflightPerPeer limits outstanding block requests to one peer.
	MaxInflightPerPeer int

	// RequestTimeout is the age after which an in-flight block request is
	// reclaimed and becomes assignable again.
	RequestTimeout time.Duration

	// RequestPassInterval is the cadence of the peer manager's request
	// scheduling pass.
	RequestPassInterval time.Duration

	// ========== Choking ==========

	// RegularUnchokeSlots is the number of rate-ranked unchoke slots; one
	// more peer is unchoked optimistically.
	RegularUnchokeSlots int

	// RechokeInterval is how often choke decisions are reevaluated.
	RechokeInterval time.Duration

	// ========== Keepalive ==========

	// KeepAliveScanInterval is how often peers are checked for send-side
	// idleness.
	KeepAliveScanInterval time.Duration

	// KeepAliveIdle is the send-side idle duration after which a
	// keep-alive frame is emitted.
	KeepAliveIdle time.Duration

	// ========== Tracker ==========

	// AnnounceRefreshCap bounds the time between periodic announces even
	// when the tracker asks for a longer interval.
	AnnounceRefreshCap time.Duration

	// AnnounceRetryDelay is the pause after a failed announce.
	AnnounceRetryDelay time.Duration

	// Compact requests the compact peer list form from the tracker.
	Compact bool
}

func defaultConfig() Config {
	return Config{
		DownloadDir:           ".",
		ClientID:              generateClientID(),
		Port:                  6881,
		DialTimeout:           5 * time.Second,
		PeerOutboxBacklog:     256,
		MaxInflightPerPeer:    300,
		RequestTimeout:        10 * time.Second,
		RequestPassInterval:   500 * time.Millisecond,
		RegularUnchokeSlots:   3,
		RechokeInterval:       10 * time.Second,
		KeepAliveScanInterval: 30 * time.Second,
		KeepAliveIdle:         120 * time.Second,
		AnnounceRefreshCap:    300 * time.Second,
		AnnounceRetryDelay:    60 * time.Second,
	}
}

// generateClientID derives the local peer id from the fixed client tag and
// 12 random digits.
func generateClientID() [sha1.Size]byte {
	var id [sha1.Size]byte

	n := copy(id[:], clientTag)
	for i := n; i < sha1.Size; i++ {
		id[i] = byte('0' + rand.Intn(10))
	}

	return id
}

// TestPeerID is the deterministic id (tag plus twelve zero digits) used by
// a client started with a manually pinned peer. The coordinator excludes it
// from the choke ranking and always serves it.
func TestPeerID() [sha1.Size]byte {
	var id [sha1.Size]byte

	n := copy(id[:], clientTag)
	for i := n; i < sha1.Size; i++ {
		id[i] = '0'
	}

	return id
}
