package torrent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/mdurrani808/BitTorrentClient/internal/config"
	"github.com/mdurrani808/BitTorrentClient/internal/peer"
	"github.com/mdurrani808/BitTorrentClient/internal/piece"
	"github.com/mdurrani808/BitTorrentClient/internal/protocol"
	"github.com/mdurrani808/BitTorrentClient/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Client coordinates one torrent: the listening socket, peer session
// lifecycle, the choke algorithm, HAVE broadcasts, keep-alives, and the
// periodic announce.
type Client struct {
	log      *slog.Logger
	infoHash peer.ID
	localID  peer.ID

	pieces  *piece.Manager
	peers   *peer.Manager
	tracker *tracker.Client // nil when a peer was pinned manually

	mut      sync.Mutex
	sessions map[peer.ID]*peer.Session
	dialing  map[string]bool // remote addr -> session exists or dial underway

	// pinned is the deterministic id a remote test peer adopts when it is
	// started with --peer: that peer is excluded from the choke ranking and
	// always unchoked.
	pinned    peer.ID
	hasPinned bool

	fatal chan error
}

// Opts wires the client's collaborators.
type Opts struct {
	Log      *slog.Logger
	InfoHash peer.ID
	LocalID  peer.ID
	Pieces   *piece.Manager
	Tracker  *tracker.Client
	PinnedID peer.ID
	Pinned   bool
}

// NewClient builds the coordinator and hooks the piece manager's completion
// callback to the HAVE broadcast.
func NewClient(opts *Opts) *Client {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		log:       log.With("component", "client"),
		infoHash:  opts.InfoHash,
		localID:   opts.LocalID,
		pieces:    opts.Pieces,
		peers:     peer.NewManager(opts.Pieces, log),
		tracker:   opts.Tracker,
		sessions:  make(map[peer.ID]*peer.Session),
		dialing:   make(map[string]bool),
		pinned:    opts.PinnedID,
		hasPinned: opts.Pinned,
		fatal:     make(chan error, 1),
	}

	opts.Pieces.OnPieceComplete(c.broadcastHave)

	return c
}

// Run drives every coordinator loop until ctx is cancelled or a fatal error
// (disk commit failure) surfaces. initialPeers seeds the outbound dials;
// interval is the tracker's first re-announce suggestion.
func (c *Client) Run(ctx context.Context, initialPeers []tracker.Peer, interval time.Duration) error {
	cfg := config.Load()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("torrent: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	c.AddPeers(ctx, initialPeers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.acceptLoop(gctx, ln) })
	g.Go(func() error { return c.requestLoop(gctx) })
	g.Go(func() error { return c.chokeLoop(gctx) })
	g.Go(func() error { return c.keepAliveLoop(gctx) })
	if c.tracker != nil {
		g.Go(func() error { return c.announceLoop(gctx, interval) })
	}
	g.Go(func() error {
		select {
		case err := <-c.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	c.closeAllSessions()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// AddPeers spawns an outbound session for every endpoint we are not already
// connected to. A tracker-supplied peer id that matches a live session
// replaces that session.
func (c *Client) AddPeers(ctx context.Context, endpoints []tracker.Peer) {
	for _, p := range endpoints {
		addr := fmt.Sprintf("%s:%d", p.IP, p.Port)

		c.mut.Lock()
		if c.dialing[addr] {
			c.mut.Unlock()
			continue
		}
		c.dialing[addr] = true

		if p.ID != "" {
			var id peer.ID
			copy(id[:], p.ID)
			if old, ok := c.sessions[id]; ok {
				old.Close()
				delete(c.sessions, id)
			}
		}
		c.mut.Unlock()

		go c.dialPeer(ctx, addr)
	}
}

func (c *Client) dialPeer(ctx context.Context, addr string) {
	defer func() {
		c.mut.Lock()
		delete(c.dialing, addr)
		c.mut.Unlock()
	}()

	sess, err := peer.Dial(addr, c.sessionOpts())
	if err != nil {
		c.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}

	c.runSession(ctx, sess)
}

func (c *Client) sessionOpts() *peer.SessionOpts {
	return &peer.SessionOpts{
		Log:      c.log,
		InfoHash: c.infoHash,
		LocalID:  c.localID,
		Manager:  c.peers,
		Pieces:   c.pieces,
		OnFatal: func(err error) {
			select {
			case c.fatal <- err:
			default:
			}
		},
	}
}

// runSession tracks a handshaked session for the coordinator loops, runs it
// to completion, and untracks it. An existing session with the same remote
// id is cancelled and replaced.
func (c *Client) runSession(ctx context.Context, sess *peer.Session) {
	id := sess.RemoteID()

	c.mut.Lock()
	if old, ok := c.sessions[id]; ok {
		old.Close()
	}
	c.sessions[id] = sess
	c.mut.Unlock()

	_ = sess.Run(ctx)

	c.mut.Lock()
	if c.sessions[id] == sess {
		delete(c.sessions, id)
	}
	c.mut.Unlock()
}

func (c *Client) closeAllSessions() {
	c.mut.Lock()
	sessions := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mut.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (c *Client) snapshotSessions() []*peer.Session {
	c.mut.Lock()
	defer c.mut.Unlock()

	out := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}

	return out
}

// acceptLoop serves the listening socket: each inbound connection runs the
// inverse handshake and, if admitted, the same session loop as an outbound
// peer. Rejections are silent.
func (c *Client) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("torrent: accept: %w", err)
		}

		go func() {
			sess, err := peer.Accept(conn, c.sessionOpts())
			if err != nil {
				c.log.Debug("inbound rejected", "addr", conn.RemoteAddr(), "error", err)
				return
			}
			c.runSession(ctx, sess)
		}()
	}
}

// requestLoop drives the peer manager's scheduling pass.
func (c *Client) requestLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().RequestPassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.peers.RequestBlocks()
		}
	}
}

// broadcastHave queues HAVE(index) to every handshaked peer. A peer whose
// queue is gone is dropped; the broadcast continues.
func (c *Client) broadcastHave(index int) {
	for _, sess := range c.snapshotSessions() {
		if !sess.Handshaked() {
			continue
		}
		if !sess.SendHave(index) {
			c.log.Debug("have broadcast failed, dropping peer", "addr", sess.Addr())
			sess.Close()
		}
	}
}

// chokeLoop reevaluates unchoke slots every rechoke interval using the
// standard tit-for-tat policy.
func (c *Client) chokeLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().RechokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.rechoke()
		}
	}
}

type rankedPeer struct {
	id         peer.ID
	sess       *peer.Session
	rate       float64
	interested bool
}

// rechoke ranks peers by (interested, rate) where rate is the download rate
// while we are still leeching and the upload rate once we seed. The top
// regular slots go to the fastest interested peers; one more interested
// peer is unchoked optimistically at random.
func (c *Client) rechoke() {
	cfg := config.Load()
	leeching := c.pieces.Metrics().Left > 0

	var ranked []rankedPeer
	for _, sess := range c.snapshotSessions() {
		if !sess.Handshaked() {
			continue
		}
		if c.hasPinned && sess.RemoteID() == c.pinned {
			continue
		}

		up, down := sess.SnapshotRates()
		rate := up
		if leeching {
			rate = down
		}

		ranked = append(ranked, rankedPeer{
			id:         sess.RemoteID(),
			sess:       sess,
			rate:       rate,
			interested: c.peers.IsInterested(sess.RemoteID()),
		})
	}

	chosen := chooseUnchoked(ranked, cfg.RegularUnchokeSlots)

	for _, rp := range ranked {
		c.setChoke(rp.sess, !chosen[rp.id])
	}

	// The pinned test peer always transfers.
	if c.hasPinned {
		c.mut.Lock()
		pinnedSess := c.sessions[c.pinned]
		c.mut.Unlock()

		if pinnedSess != nil && pinnedSess.Handshaked() {
			c.setChoke(pinnedSess, false)
		}
	}
}

// chooseUnchoked picks the regular slots plus one optimistic unchoke from
// the remaining interested peers, uniformly at random.
func chooseUnchoked(ranked []rankedPeer, regularSlots int) map[peer.ID]bool {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].interested != ranked[j].interested {
			return ranked[i].interested
		}
		return ranked[i].rate > ranked[j].rate
	})

	chosen := make(map[peer.ID]bool)
	for _, rp := range ranked {
		if len(chosen) >= regularSlots || !rp.interested {
			break
		}
		chosen[rp.id] = true
	}

	var remaining []rankedPeer
	for _, rp := range ranked {
		if rp.interested && !chosen[rp.id] {
			remaining = append(remaining, rp)
		}
	}
	if len(remaining) > 0 {
		chosen[remaining[rand.Intn(len(remaining))].id] = true
	}

	return chosen
}

func (c *Client) setChoke(sess *peer.Session, choke bool) {
	id := sess.RemoteID()

	var ok bool
	if choke {
		ok = sess.Enqueue(protocol.MessageChoke())
	} else {
		ok = sess.Enqueue(protocol.MessageUnchoke())
	}
	if !ok {
		c.log.Debug("choke update failed, dropping peer", "addr", sess.Addr())
		sess.Close()
		return
	}

	c.peers.SetUnchoked(id, !choke)
}

// keepAliveLoop walks handshaked peers and keeps quiet connections open.
func (c *Client) keepAliveLoop(ctx context.Context) error {
	cfg := config.Load()
	ticker := time.NewTicker(cfg.KeepAliveScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sess := range c.snapshotSessions() {
				if !sess.Handshaked() {
					continue
				}
				if time.Since(sess.LastSentAt()) > cfg.KeepAliveIdle {
					sess.SendKeepAlive()
				}
			}
		}
	}
}

// announceLoop refreshes the peer set every min(trackerInterval, refresh
// cap) seconds, retrying failures after the configured delay.
func (c *Client) announceLoop(ctx context.Context, interval time.Duration) error {
	cfg := config.Load()

	for {
		wait := interval
		if wait <= 0 || wait > cfg.AnnounceRefreshCap {
			wait = cfg.AnnounceRefreshCap
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		metrics := c.pieces.Metrics()
		peers, next, err := c.tracker.Announce(
			ctx, metrics.Uploaded, metrics.Downloaded, metrics.Left, cfg.Compact)
		if err != nil {
			c.log.Warn("announce failed, will retry", "error", err)
			interval = cfg.AnnounceRetryDelay
			continue
		}

		c.AddPeers(ctx, peers)
		interval = next
	}
}
