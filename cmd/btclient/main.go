package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mdurrani808/BitTorrentClient/internal/config"
	"github.com/mdurrani808/BitTorrentClient/internal/logging"
	"github.com/mdurrani808/BitTorrentClient/internal/meta"
	"github.com/mdurrani808/BitTorrentClient/internal/piece"
	"github.com/mdurrani808/BitTorrentClient/internal/storage"
	"github.com/mdurrani808/BitTorrentClient/internal/torrent"
	"github.com/mdurrani808/BitTorrentClient/internal/tracker"
	"github.com/schollz/progressbar/v3"
)

func main() {
	if err := run(); err != nil {
		slog.Error("client failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		filePath    = flag.String("file_path", "", "directory the downloaded file is saved in")
		portNum     = flag.Int("port_num", 6881, "port the client listens on")
		torrentFile = flag.String("torrent_file", "", "path to the .torrent file")
		manualPeer  = flag.String("peer", "", "peer in ip:port form, bypassing the tracker")
		compact     = flag.Bool("compact", false, "request the compact peer list form")
	)
	flag.Parse()

	setupLogger()

	if *torrentFile == "" {
		return fmt.Errorf("--torrent_file is required")
	}
	if *filePath == "" {
		return fmt.Errorf("--file_path is required")
	}

	config.Init()
	cfg := config.Update(func(c *config.Config) {
		c.DownloadDir = *filePath
		c.Port = uint16(*portNum)
		c.Compact = *compact
	})

	metainfo, err := meta.Open(*torrentFile)
	if err != nil {
		return err
	}

	slog.Info("torrent loaded",
		"name", metainfo.Name,
		"size", metainfo.Length,
		"pieces", metainfo.NumPieces(),
		"announce", metainfo.Announce,
	)

	store, err := storage.Create(cfg.DownloadDir, metainfo.Name, metainfo.PieceLength, metainfo.Length)
	if err != nil {
		return err
	}
	defer store.Close()

	pieces, err := piece.NewManager(
		metainfo.PieceHashes, metainfo.PieceLength, metainfo.Length, store, slog.Default())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		trk          *tracker.Client
		initialPeers []tracker.Peer
		interval     time.Duration
	)

	if *manualPeer != "" {
		host, portStr, ok := strings.Cut(*manualPeer, ":")
		if !ok {
			return fmt.Errorf("--peer must be ip:port, got %q", *manualPeer)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("--peer port: %w", err)
		}

		// Direct-test mode uses the deterministic id so the remote side
		// can recognize and pin us.
		cfg = config.Update(func(c *config.Config) { c.ClientID = config.TestPeerID() })

		initialPeers = []tracker.Peer{{IP: host, Port: port}}
	} else {
		trk, err = tracker.NewClient(
			metainfo.Announce, metainfo.InfoHash, cfg.ClientID, cfg.Port, slog.Default())
		if err != nil {
			return err
		}

		if metainfo.CanScrape() {
			printScrape(ctx, trk)
		}

		initialPeers, interval, err = trk.Announce(ctx, 0, 0, metainfo.Length, cfg.Compact)
		if err != nil {
			return fmt.Errorf("initial announce: %w", err)
		}

		slog.Info("tracker bootstrap", "peers", len(initialPeers), "interval", interval)
	}

	client := torrent.NewClient(&torrent.Opts{
		Log:      slog.Default(),
		InfoHash: metainfo.InfoHash,
		LocalID:  cfg.ClientID,
		Pieces:   pieces,
		Tracker:  trk,
		PinnedID: config.TestPeerID(),
		Pinned:   true,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Run(runCtx, initialPeers, interval) }()

	progressDone := make(chan struct{})
	go func() {
		trackProgress(runCtx, pieces, metainfo.Length)
		close(progressDone)
	}()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			return err
		}

	case <-progressDone:
		if pieces.Complete() {
			slog.Info("download complete", "file", store.Path())
		}
		cancel() // clean completion
		if err := <-done; err != nil {
			return err
		}
	}

	return store.Sync()
}

// trackProgress renders the download bar until the transfer finishes or the
// client stops.
func trackProgress(ctx context.Context, pieces *piece.Manager, total int64) {
	bar := progressbar.DefaultBytes(total, "downloading")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			left := pieces.Metrics().Left
			_ = bar.Set64(total - left)

			if left == 0 {
				_ = bar.Finish()
				return
			}
		}
	}
}

// printScrape reports swarm statistics before the download starts.
func printScrape(ctx context.Context, trk *tracker.Client) {
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	files, err := trk.Scrape(sctx)
	if err != nil {
		slog.Warn("scrape failed, continuing to download", "error", err)
		return
	}

	for _, stats := range files {
		fmt.Printf("peers with entire file: %d\n", stats.Complete)
		fmt.Printf("registered completions: %d\n", stats.Downloaded)
		fmt.Printf("number of leechers: %d\n", stats.Incomplete)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.Level = slog.LevelInfo

	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stderr, &opts)))
}
