package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// Metainfo is the decoded content of a single-file .torrent file plus the
// SHA-1 of its bencoded info dictionary.
type Metainfo struct {
	Announce    string
	InfoHash    [sha1.Size]byte
	PieceHashes [][sha1.Size]byte
	PieceLength int
	Length      int64
	Name        string
}

var (
	ErrMultiFile    = errors.New("meta: multi-file torrents are not supported")
	ErrBadPieceStr  = errors.New("meta: pieces string is not a multiple of 20 bytes")
	ErrNoAnnounce   = errors.New("meta: missing announce url")
	ErrZeroPieceLen = errors.New("meta: non-positive piece length")
)

type bencodeInfo struct {
	Pieces      string `bencode:"pieces"`
	PieceLength int    `bencode:"piece length"`
	Length      int64  `bencode:"length"`
	Name        string `bencode:"name"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// Open reads and decodes the .torrent file at path.
func Open(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a bencoded single-file metainfo document from r.
func Parse(r io.Reader) (*Metainfo, error) {
	var bto bencodeTorrent
	if err := bencode.Unmarshal(r, &bto); err != nil {
		return nil, fmt.Errorf("meta: decode: %w", err)
	}

	if bto.Announce == "" {
		return nil, ErrNoAnnounce
	}
	if bto.Info.PieceLength <= 0 {
		return nil, ErrZeroPieceLen
	}
	if bto.Info.Length <= 0 {
		return nil, ErrMultiFile
	}

	infoHash, err := bto.Info.hash()
	if err != nil {
		return nil, err
	}

	hashes, err := bto.Info.pieceHashes()
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Announce:    bto.Announce,
		InfoHash:    infoHash,
		PieceHashes: hashes,
		PieceLength: bto.Info.PieceLength,
		Length:      bto.Info.Length,
		Name:        bto.Info.Name,
	}, nil
}

// NumPieces returns the piece count.
func (m *Metainfo) NumPieces() int { return len(m.PieceHashes) }

// CanScrape reports whether the announce URL supports the scrape convention:
// its last path segment begins with "announce".
func (m *Metainfo) CanScrape() bool {
	u, err := url.Parse(m.Announce)
	if err != nil {
		return false
	}

	segments := strings.Split(u.Path, "/")
	return strings.HasPrefix(segments[len(segments)-1], "announce")
}

func (i *bencodeInfo) hash() ([sha1.Size]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, *i); err != nil {
		return [sha1.Size]byte{}, fmt.Errorf("meta: marshal info: %w", err)
	}

	return sha1.Sum(buf.Bytes()), nil
}

func (i *bencodeInfo) pieceHashes() ([][sha1.Size]byte, error) {
	data := []byte(i.Pieces)
	if len(data)%sha1.Size != 0 {
		return nil, ErrBadPieceStr
	}

	hashes := make([][sha1.Size]byte, len(data)/sha1.Size)
	for n := range hashes {
		copy(hashes[n][:], data[n*sha1.Size:(n+1)*sha1.Size])
	}

	return hashes, nil
}
