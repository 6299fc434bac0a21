package peer

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/mdurrani808/BitTorrentClient/internal/bitfield"
	"github.com/mdurrani808/BitTorrentClient/internal/config"
	"github.com/mdurrani808/BitTorrentClient/internal/piece"
	"github.com/mdurrani808/BitTorrentClient/internal/protocol"
	"github.com/mdurrani808/BitTorrentClient/internal/storage"
)

func testPieces(t *testing.T, npieces, pieceLen int) *piece.Manager {
	t.Helper()

	hashes := make([][sha1.Size]byte, npieces)
	total := int64(npieces * pieceLen)

	store, err := storage.Create(t.TempDir(), "out.bin", pieceLen, total)
	if err != nil {
		t.Fatalf("storage.Create: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := piece.NewManager(hashes, pieceLen, total, store, nil)
	if err != nil {
		t.Fatalf("piece.NewManager: %v", err)
	}

	return m
}

func pid(s string) ID {
	var id ID
	copy(id[:], s)
	return id
}

func fullBF(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func drain(ch chan *protocol.Message) []*protocol.Message {
	var out []*protocol.Message
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestNoDoubleRequestAcrossPeers(t *testing.T) {
	config.Init()

	pieces := testPieces(t, 2, 2*config.BlockSize) // 4 blocks total
	mgr := NewManager(pieces, nil)

	a, b := pid("peer-a"), pid("peer-b")
	outA := make(chan *protocol.Message, 64)
	outB := make(chan *protocol.Message, 64)

	mgr.Add(a, outA)
	mgr.Add(b, outB)
	mgr.SetBitfield(a, fullBF(2))
	mgr.SetBitfield(b, fullBF(2))
	mgr.SetUnchoked(a, true)
	mgr.SetUnchoked(b, true)

	mgr.RequestBlocks()

	seen := make(map[[2]uint32]bool)
	for _, msgs := range [][]*protocol.Message{drain(outA), drain(outB)} {
		for _, m := range msgs {
			index, begin, _, ok := m.ParseRequest()
			if !ok {
				t.Fatalf("non-request frame in outbox: %v", m.ID)
			}
			key := [2]uint32{index, begin}
			if seen[key] {
				t.Fatalf("block %v requested from two peers", key)
			}
			seen[key] = true
		}
	}
	if len(seen) != 4 {
		t.Fatalf("requested %d distinct blocks, want 4", len(seen))
	}
}

func TestChokedPeerGetsNoRequests(t *testing.T) {
	config.Init()

	pieces := testPieces(t, 1, config.BlockSize)
	mgr := NewManager(pieces, nil)

	id := pid("choked-peer")
	out := make(chan *protocol.Message, 8)
	mgr.Add(id, out)
	mgr.SetBitfield(id, fullBF(1))
	// never unchoked

	mgr.RequestBlocks()
	if got := drain(out); len(got) != 0 {
		t.Fatalf("choked peer received %d requests", len(got))
	}
}

func TestTimeoutReclaim(t *testing.T) {
	config.Init()
	config.Update(func(c *config.Config) { c.RequestTimeout = 10 * time.Millisecond })

	pieces := testPieces(t, 1, config.BlockSize)
	mgr := NewManager(pieces, nil)

	slow := pid("slow-peer")
	outSlow := make(chan *protocol.Message, 8)
	mgr.Add(slow, outSlow)
	mgr.SetBitfield(slow, fullBF(1))
	mgr.SetUnchoked(slow, true)

	mgr.RequestBlocks()
	if n := mgr.InflightCount(slow); n != 1 {
		t.Fatalf("inflight = %d, want 1", n)
	}
	if pieces.PendingCount(0) != 1 {
		t.Fatalf("piece pending = %d, want 1", pieces.PendingCount(0))
	}

	time.Sleep(20 * time.Millisecond)

	// The remote went quiet; choke it so the reclaimed block must land on
	// the other eligible peer.
	mgr.SetUnchoked(slow, false)

	fast := pid("fast-peer")
	outFast := make(chan *protocol.Message, 8)
	mgr.Add(fast, outFast)
	mgr.SetBitfield(fast, fullBF(1))
	mgr.SetUnchoked(fast, true)

	mgr.RequestBlocks()

	if n := mgr.InflightCount(slow); n != 0 {
		t.Fatalf("slow peer inflight = %d after reclaim, want 0", n)
	}
	reissued := drain(outFast)
	if len(reissued) != 1 {
		t.Fatalf("fast peer got %d requests, want 1", len(reissued))
	}
}

func TestRemoveReturnsPendingBlocks(t *testing.T) {
	config.Init()

	pieces := testPieces(t, 1, 2*config.BlockSize)
	mgr := NewManager(pieces, nil)

	id := pid("leaving-peer")
	out := make(chan *protocol.Message, 8)
	mgr.Add(id, out)
	mgr.SetBitfield(id, fullBF(1))
	mgr.SetUnchoked(id, true)

	mgr.RequestBlocks()
	if pieces.PendingCount(0) != 2 {
		t.Fatalf("pending = %d, want 2", pieces.PendingCount(0))
	}

	mgr.Remove(id)

	if pieces.PendingCount(0) != 0 {
		t.Fatalf("pending = %d after remove, want 0", pieces.PendingCount(0))
	}
	if mgr.Known(id) {
		t.Fatal("peer still known after Remove")
	}
}

func TestInflightCap(t *testing.T) {
	config.Init()
	config.Update(func(c *config.Config) { c.MaxInflightPerPeer = 3 })

	pieces := testPieces(t, 4, 2*config.BlockSize) // 8 blocks available
	mgr := NewManager(pieces, nil)

	id := pid("capped-peer")
	out := make(chan *protocol.Message, 64)
	mgr.Add(id, out)
	mgr.SetBitfield(id, fullBF(4))
	mgr.SetUnchoked(id, true)

	mgr.RequestBlocks()

	if n := mgr.InflightCount(id); n != 3 {
		t.Fatalf("inflight = %d, want cap 3", n)
	}
}

func TestFailedEnqueueReturnsBlock(t *testing.T) {
	config.Init()

	pieces := testPieces(t, 1, config.BlockSize)
	mgr := NewManager(pieces, nil)

	id := pid("full-outbox")
	out := make(chan *protocol.Message) // unbuffered: every enqueue fails
	mgr.Add(id, out)
	mgr.SetBitfield(id, fullBF(1))
	mgr.SetUnchoked(id, true)

	mgr.RequestBlocks()

	if n := mgr.InflightCount(id); n != 0 {
		t.Fatalf("inflight = %d after failed send, want 0", n)
	}
	if pieces.PendingCount(0) != 0 {
		t.Fatalf("pending = %d after failed send, want 0", pieces.PendingCount(0))
	}
}
