package tracker

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

const maxResponseSize = 2 * 1024 * 1024 // 2MB

// Peer is one endpoint from an announce response. ID is empty for peers
// parsed from the compact form.
type Peer struct {
	IP   string
	Port int
	ID   string
}

// ScrapeStats is the per-torrent swarm summary from a scrape response.
type ScrapeStats struct {
	Complete   int64 // seeders
	Downloaded int64 // completed transfers ever registered
	Incomplete int64 // leechers
}

var (
	ErrScrapeUnsupported = errors.New("tracker: announce url does not support scrape")
	ErrBadResponse       = errors.New("tracker: malformed response")
)

// Client talks to one HTTP(S) tracker.
type Client struct {
	log      *slog.Logger
	announce *url.URL
	http     *http.Client
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	port     uint16
}

// NewClient parses the announce URL and prepares an HTTP client. TLS uses
// the system roots.
func NewClient(announce string, infoHash, peerID [sha1.Size]byte, port uint16, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		log:      log.With("component", "tracker", "host", u.Host),
		announce: u,
		http:     &http.Client{Transport: transport},
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
	}, nil
}

// Announce reports transfer progress and returns the tracker's peer list
// and re-announce interval.
func (c *Client) Announce(ctx context.Context, uploaded, downloaded, left int64, compact bool) ([]Peer, time.Duration, error) {
	u := *c.announce
	u.RawQuery = c.announceQuery(uploaded, downloaded, left, compact)

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, 0, err
	}

	peers, interval, err := parseAnnounceBody(body)
	if err != nil {
		return nil, 0, err
	}

	c.log.Debug("announce ok", "peers", len(peers), "interval", interval)

	return peers, interval, nil
}

func (c *Client) announceQuery(uploaded, downloaded, left int64, compact bool) string {
	compactFlag := "0"
	if compact {
		compactFlag = "1"
	}

	// info_hash percent-encodes every byte as lowercase %xx; the peer id
	// is plain ASCII (client tag plus digits) and travels verbatim.
	return fmt.Sprintf(
		"peer_id=%s&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=%s&info_hash=%s",
		string(c.peerID[:]), c.port, uploaded, downloaded, left,
		compactFlag, percentEncode(c.infoHash[:]),
	)
}

// CanScrape reports whether the announce URL follows the scrape convention:
// its last path segment begins with "announce".
func (c *Client) CanScrape() bool {
	_, err := scrapeURL(c.announce)
	return err == nil
}

// Scrape fetches swarm statistics. The result maps each 20-byte info hash
// (as a raw string) to its stats; trackers answer for our torrent only
// because info_hash is part of the query.
func (c *Client) Scrape(ctx context.Context) (map[string]ScrapeStats, error) {
	u, err := scrapeURL(c.announce)
	if err != nil {
		return nil, err
	}

	u.RawQuery = "info_hash=" + percentEncode(c.infoHash[:])

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	return parseScrapeBody(body)
}

// scrapeURL derives the scrape endpoint per BEP 48: only the "announce"
// token at the start of the last path segment is substituted.
func scrapeURL(announce *url.URL) (*url.URL, error) {
	segments := strings.Split(announce.Path, "/")
	last := segments[len(segments)-1]

	if !strings.HasPrefix(last, "announce") {
		return nil, ErrScrapeUnsupported
	}

	segments[len(segments)-1] = "scrape" + strings.TrimPrefix(last, "announce")

	u := *announce
	u.Path = strings.Join(segments, "/")
	u.RawQuery = ""

	return &u, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tracker: status %d: %s", resp.StatusCode, snippet)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
}

// parseAnnounceBody decodes a bencoded announce response, tolerating junk
// before the dictionary by scanning to the first "d8:interval".
func parseAnnounceBody(body []byte) ([]Peer, time.Duration, error) {
	if len(body) == 0 || body[0] != 'd' {
		idx := bytes.Index(body, []byte("d8:interval"))
		if idx < 0 {
			return nil, 0, ErrBadResponse
		}
		body = body[idx:]
	}

	raw, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: bencode: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, 0, ErrBadResponse
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, 0, fmt.Errorf("tracker: announce failure: %s", failure)
	}

	interval, ok := dict["interval"].(int64)
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing interval", ErrBadResponse)
	}

	peers, err := parsePeers(dict["peers"])
	if err != nil {
		return nil, 0, err
	}

	return peers, time.Duration(interval) * time.Second, nil
}

// parsePeers accepts both response shapes: a list of dicts with ip/port/
// "peer id", or a byte string of 6-byte ipv4(4)||port(2) records.
func parsePeers(v any) ([]Peer, error) {
	switch t := v.(type) {
	case string:
		return parseCompactPeers([]byte(t))

	case []any:
		peers := make([]Peer, 0, len(t))
		for i, entry := range t {
			dict, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: peer[%d] is not a dict", ErrBadResponse, i)
			}

			ip, _ := dict["ip"].(string)
			port, ok := dict["port"].(int64)
			if ip == "" || !ok {
				return nil, fmt.Errorf("%w: peer[%d] missing ip/port", ErrBadResponse, i)
			}
			id, _ := dict["peer id"].(string)

			peers = append(peers, Peer{IP: ip, Port: int(port), ID: id})
		}
		return peers, nil

	case nil:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: peers has type %T", ErrBadResponse, v)
	}
}

func parseCompactPeers(data []byte) ([]Peer, error) {
	const stride = 6
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d", ErrBadResponse, len(data))
	}

	peers := make([]Peer, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		peers = append(peers, Peer{
			IP:   fmt.Sprintf("%d.%d.%d.%d", data[off], data[off+1], data[off+2], data[off+3]),
			Port: int(data[off+4])<<8 | int(data[off+5]),
		})
	}

	return peers, nil
}

func parseScrapeBody(body []byte) (map[string]ScrapeStats, error) {
	raw, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tracker: bencode: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrBadResponse
	}

	files, ok := dict["files"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing files dict", ErrBadResponse)
	}

	out := make(map[string]ScrapeStats, len(files))
	for hash, v := range files {
		stats, ok := v.(map[string]any)
		if !ok {
			continue
		}

		complete, _ := stats["complete"].(int64)
		downloaded, _ := stats["downloaded"].(int64)
		incomplete, _ := stats["incomplete"].(int64)

		out[hash] = ScrapeStats{
			Complete:   complete,
			Downloaded: downloaded,
			Incomplete: incomplete,
		}
	}

	return out, nil
}

// percentEncode renders every byte as lowercase %xx.
func percentEncode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)

	for _, c := range b {
		fmt.Fprintf(&sb, "%%%02x", c)
	}

	return sb.String()
}
