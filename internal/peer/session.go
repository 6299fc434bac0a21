package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdurrani808/BitTorrentClient/internal/bitfield"
	"github.com/mdurrani808/BitTorrentClient/internal/config"
	"github.com/mdurrani808/BitTorrentClient/internal/piece"
	"github.com/mdurrani808/BitTorrentClient/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSelfConnect = errors.New("peer: connection from ourselves")
	errStopped     = errors.New("peer: session stopped")
)

// SessionOpts carries the collaborators a session needs.
type SessionOpts struct {
	Log      *slog.Logger
	InfoHash ID
	LocalID  ID
	Manager  *Manager
	Pieces   *piece.Manager

	// OnFatal, when set, receives errors that must stop the whole client
	// (disk failures during piece commit).
	OnFatal func(error)
}

// Session is one peer connection: handshake, read loop, and a write loop
// that owns the outbound side of the socket. Everyone else (request pass,
// choke scheduler, HAVE broadcast, keep-alives) writes by enqueueing to the
// outbox.
type Session struct {
	log      *slog.Logger
	conn     net.Conn
	opts     *SessionOpts
	remoteID ID

	outbox     chan *protocol.Message
	handshaked atomic.Bool
	stopped    atomic.Bool
	closeOnce  sync.Once
	cancel     context.CancelFunc

	lastSent atomic.Int64 // unix nanos
	lastRecv atomic.Int64

	// Interval accumulators for the choke ranker: bytes since the last
	// snapshot, plus the snapshot timestamp. A snapshot divides by the
	// wall-clock delta and resets.
	upInterval   atomic.Int64
	downInterval atomic.Int64
	snapshotAt   atomic.Int64
}

// Dial opens an outbound session: TCP connect with the configured timeout,
// handshake exchange, registration, and the initial BITFIELD. The returned
// session is ready for Run.
func Dial(addr string, opts *SessionOpts) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, config.Load().DialTimeout)
	if err != nil {
		return nil, err
	}

	s := newSession(conn, opts)

	remote, err := protocol.NewHandshake(opts.InfoHash, opts.LocalID).Exchange(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.admit(remote.PeerID); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Accept runs the inverse handshake on an inbound connection: read theirs
// first, validate the info hash, reject self-connections, reply, register,
// send BITFIELD. Rejections close the connection silently.
func Accept(conn net.Conn, opts *SessionOpts) (*Session, error) {
	s := newSession(conn, opts)

	remote, err := protocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if remote.InfoHash != opts.InfoHash {
		conn.Close()
		return nil, protocol.ErrInfoHashMismatch
	}
	if remote.PeerID == opts.LocalID {
		conn.Close()
		return nil, ErrSelfConnect
	}

	if err := protocol.WriteHandshake(conn, *protocol.NewHandshake(opts.InfoHash, opts.LocalID)); err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.admit(remote.PeerID); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func newSession(conn net.Conn, opts *SessionOpts) *Session {
	now := time.Now().UnixNano()

	s := &Session{
		log:    opts.Log.With("component", "session", "addr", conn.RemoteAddr().String()),
		conn:   conn,
		opts:   opts,
		outbox: make(chan *protocol.Message, config.Load().PeerOutboxBacklog),
	}
	s.lastSent.Store(now)
	s.lastRecv.Store(now)
	s.snapshotAt.Store(now)

	return s
}

// admit completes the handshake path: register with the manager and send
// our current bitfield synchronously, before the peer can be admitted to
// any HAVE broadcast.
func (s *Session) admit(remoteID ID) error {
	s.remoteID = remoteID
	s.opts.Manager.Add(remoteID, s.outbox)

	bf := s.opts.Pieces.Bitfield()
	if err := protocol.WriteMessage(s.conn, protocol.MessageBitfield(bf.Bytes())); err != nil {
		s.opts.Manager.Remove(remoteID)
		return fmt.Errorf("send bitfield: %w", err)
	}
	s.lastSent.Store(time.Now().UnixNano())

	s.handshaked.Store(true)
	s.log = s.log.With("peer", peerTag(remoteID))
	s.log.Debug("handshake complete")

	return nil
}

// RemoteID returns the peer id learned during the handshake.
func (s *Session) RemoteID() ID { return s.remoteID }

// Addr returns the remote address.
func (s *Session) Addr() string { return s.conn.RemoteAddr().String() }

// Handshaked reports whether the session finished its handshake.
func (s *Session) Handshaked() bool { return s.handshaked.Load() }

// Run drives the session until the connection drops or ctx is cancelled.
// On return the peer is deregistered and its pending blocks reclaimed.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.Enqueue(protocol.MessageInterested())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	// A blocked socket read only wakes on close, so tear the connection
	// down as soon as either loop (or the caller) is done.
	go func() {
		<-gctx.Done()
		_ = s.conn.Close()
	}()

	err := g.Wait()
	if err != nil && !errors.Is(err, errStopped) && !errors.Is(err, context.Canceled) {
		s.log.Debug("session ended", "error", err)
		return err
	}

	return nil
}

// Close tears the session down: the connection closes (waking both loops)
// and the peer leaves the manager, returning its inflight blocks.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}

		_ = s.conn.Close()
		s.opts.Manager.Remove(s.remoteID)
		s.log.Debug("session closed")
	})
}

// Enqueue queues a frame for the write loop. Returns false when the session
// is stopped or the outbox is full.
func (s *Session) Enqueue(m *protocol.Message) bool {
	if s.stopped.Load() {
		return false
	}

	select {
	case s.outbox <- m:
		return true
	default:
		return false
	}
}

// SendKeepAlive enqueues a zero-length frame.
func (s *Session) SendKeepAlive() bool { return s.Enqueue(nil) }

// SendHave enqueues a HAVE for the given piece.
func (s *Session) SendHave(index int) bool {
	return s.Enqueue(protocol.MessageHave(uint32(index)))
}

// LastSentAt returns the wall-clock time of the last outbound frame.
func (s *Session) LastSentAt() time.Time {
	return time.Unix(0, s.lastSent.Load())
}

// SnapshotRates returns the upload and download throughput in bytes/sec
// accumulated since the previous snapshot, then resets the interval.
func (s *Session) SnapshotRates() (up, down float64) {
	now := time.Now().UnixNano()
	prev := s.snapshotAt.Swap(now)

	elapsed := float64(now-prev) / float64(time.Second)
	upBytes := s.upInterval.Swap(0)
	downBytes := s.downInterval.Swap(0)

	if elapsed <= 0 {
		return 0, 0
	}

	return float64(upBytes) / elapsed, float64(downBytes) / elapsed
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errStopped

		case m := <-s.outbox:
			if err := protocol.WriteMessage(s.conn, m); err != nil {
				return fmt.Errorf("write: %w", err)
			}

			s.lastSent.Store(time.Now().UnixNano())
			if m != nil && m.ID == protocol.MsgPiece && len(m.Payload) >= 8 {
				s.upInterval.Add(int64(len(m.Payload) - 8))
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errStopped
		default:
		}

		m, err := protocol.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.lastRecv.Store(time.Now().UnixNano())

		if protocol.IsKeepAlive(m) {
			continue
		}
		if err := m.Validate(); err != nil {
			return err
		}

		if err := s.handleMessage(m); err != nil {
			return err
		}
	}
}

func (s *Session) handleMessage(m *protocol.Message) error {
	mgr := s.opts.Manager

	switch m.ID {
	case protocol.MsgChoke:
		mgr.SetUnchoked(s.remoteID, false)

	case protocol.MsgUnchoke:
		mgr.SetUnchoked(s.remoteID, true)

	case protocol.MsgInterested:
		mgr.SetInterested(s.remoteID, true)

	case protocol.MsgNotInterested:
		mgr.SetInterested(s.remoteID, false)

	case protocol.MsgBitfield:
		if len(m.Payload) != (s.opts.Pieces.NumPieces()+7)/8 {
			return protocol.ErrBadPayloadSize
		}
		mgr.SetBitfield(s.remoteID, bitfield.FromBytes(m.Payload))

	case protocol.MsgHave:
		index, _ := m.ParseHave()
		mgr.SetHave(s.remoteID, int(index))

	case protocol.MsgPiece:
		index, begin, block, _ := m.ParsePiece()

		if err := s.opts.Pieces.RecvBlock(int(index), int(begin), block); err != nil {
			// Disk failure during commit: fatal to the client.
			if s.opts.OnFatal != nil {
				s.opts.OnFatal(err)
			}
			return err
		}

		mgr.BlockReceived(s.remoteID, int(index), int(begin))
		s.downInterval.Add(int64(len(block)))

	case protocol.MsgRequest:
		if mgr.IsChoked(s.remoteID) {
			return nil // not serving this peer
		}

		index, begin, length, _ := m.ParseRequest()
		data := s.opts.Pieces.GetBlock(int(index), int(begin), int(length))
		if data != nil {
			s.Enqueue(protocol.MessagePiece(index, begin, data))
		}

	case protocol.MsgCancel, protocol.MsgPort:
		// Acknowledged; nothing to do in this core.

	default:
		return protocol.ErrUnknownMessage
	}

	return nil
}
