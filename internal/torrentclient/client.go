// Package torrentclient wraps anacrolix/torrent for the single-node
// acquisition flow: add a magnet/torrent, track its progress, and report
// failures distinctly enough that the orchestrator can fail over to an
// alternate source. Adapted from the teacher's internal/torrent/client.go
// (mutex-guarded torrent map, speed sampling via cumulative byte deltas,
// ticker-based monitor loop, write-error classification) with the
// multi-server DCP/tracker/database machinery stripped out.
package torrentclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"
)

// State mirrors the lifecycle anacrolix/torrent exposes, collapsed into
// the handful of phases the orchestrator's download monitor cares about.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateSeeding     State = "seeding"
	StatePaused      State = "paused"
	StateStalled     State = "stalled"
	StateErrored     State = "errored"
	StateUnknown     State = "unknown"
)

// AddRequest starts a new download from a magnet URI or raw .torrent file.
type AddRequest struct {
	MagnetURI    string
	TorrentBytes []byte
	DestDir      string
}

// Info is a point-in-time snapshot of one torrent's progress.
type Info struct {
	InfoHash        string
	Name            string
	State           State
	BytesCompleted  int64
	BytesTotal      int64
	Progress        float64
	DownloadSpeed   int64
	UploadSpeed     int64
	PeersConnected  int
	ETA             time.Duration
	ErrorMessage    string
	Files           []string
}

// Client is the TorrentClient contract the orchestrator's download
// monitor depends on.
type Client interface {
	Add(ctx context.Context, req AddRequest) (string, error)
	Info(infoHash string) (Info, bool)
	List() []Info
	Remove(infoHash string) error
	Pause(infoHash string) error
	Resume(infoHash string) error
}

type speedSample struct {
	bytesRead    int64
	bytesWritten int64
	at           time.Time
}

type activeTorrent struct {
	t         *torrent.Torrent
	destDir   string
	paused    bool
	errored   bool
	errMsg    string
	addedAt   time.Time
}

// AnacrolixClient is the default Client implementation.
type AnacrolixClient struct {
	lib *torrent.Client
	log zerolog.Logger

	mu       sync.RWMutex
	torrents map[string]*activeTorrent

	speedMu sync.Mutex
	speeds  map[string]speedSample
}

// New wraps an already-configured anacrolix/torrent.Client.
func New(lib *torrent.Client, log zerolog.Logger) *AnacrolixClient {
	return &AnacrolixClient{
		lib:      lib,
		log:      log.With().Str("component", "torrentclient").Logger(),
		torrents: make(map[string]*activeTorrent),
		speeds:   make(map[string]speedSample),
	}
}

func (c *AnacrolixClient) Add(ctx context.Context, req AddRequest) (string, error) {
	var t *torrent.Torrent
	var err error

	switch {
	case req.MagnetURI != "":
		t, err = c.lib.AddMagnet(req.MagnetURI)
	case len(req.TorrentBytes) > 0:
		mi, merr := torrent.LoadFromBytes(req.TorrentBytes)
		if merr != nil {
			return "", fmt.Errorf("torrentclient: parse torrent file: %w", merr)
		}
		t, err = c.lib.AddTorrent(mi)
	default:
		return "", fmt.Errorf("torrentclient: add request has neither magnet nor torrent bytes")
	}
	if err != nil {
		return "", fmt.Errorf("torrentclient: add: %w", err)
	}

	infoHash := t.InfoHash().HexString()

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		return "", ctx.Err()
	}

	at := &activeTorrent{t: t, destDir: req.DestDir, addedAt: time.Now()}
	c.mu.Lock()
	c.torrents[infoHash] = at
	c.mu.Unlock()

	t.SetOnWriteChunkError(func(writeErr error) {
		c.handleWriteError(infoHash, at, writeErr)
	})
	t.DownloadAll()

	c.log.Info().Str("info_hash", infoHash).Str("name", t.Info().Name).Msg("torrent added")
	return infoHash, nil
}

// handleWriteError classifies a write-chunk error as fatal (disk full,
// read-only, permission denied) or transient, matching the teacher's
// write-error handler but without its directory auto-repair.
func (c *AnacrolixClient) handleWriteError(infoHash string, at *activeTorrent, writeErr error) {
	msg := writeErr.Error()
	fatal := strings.Contains(msg, "read-only file system") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no space left on device")

	if fatal {
		c.mu.Lock()
		at.errored = true
		at.errMsg = msg
		c.mu.Unlock()
		c.log.Error().Str("info_hash", infoHash).Str("error", msg).Msg("fatal write error, torrent will stall")
		return
	}

	c.log.Warn().Str("info_hash", infoHash).Str("error", msg).Msg("transient write error, re-allowing download")
	time.Sleep(time.Second)
	at.t.AllowDataDownload()
}

func (c *AnacrolixClient) Info(infoHash string) (Info, bool) {
	c.mu.RLock()
	at, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return c.snapshot(infoHash, at), true
}

func (c *AnacrolixClient) List() []Info {
	c.mu.RLock()
	hashes := make([]string, 0, len(c.torrents))
	for h := range c.torrents {
		hashes = append(hashes, h)
	}
	c.mu.RUnlock()

	out := make([]Info, 0, len(hashes))
	for _, h := range hashes {
		if info, ok := c.Info(h); ok {
			out = append(out, info)
		}
	}
	return out
}

func (c *AnacrolixClient) snapshot(infoHash string, at *activeTorrent) Info {
	t := at.t
	info := t.Info()

	var total int64
	var files []string
	if info != nil {
		total = info.TotalLength()
		for _, f := range info.Files {
			files = append(files, strings.Join(f.Path, "/"))
		}
		if len(info.Files) == 0 {
			files = []string{info.Name}
		}
	}
	completed := t.BytesCompleted()
	progress := 0.0
	if total > 0 {
		progress = float64(completed) / float64(total) * 100
	}

	down, up := c.speedFor(infoHash, t)

	state := StateDownloading
	switch {
	case at.errored:
		state = StateErrored
	case at.paused:
		state = StatePaused
	case total > 0 && completed >= total:
		state = StateSeeding
	case down == 0 && up == 0 && time.Since(at.addedAt) > 30*time.Second:
		state = StateStalled
	}

	var eta time.Duration
	remaining := total - completed
	if down > 0 && remaining > 0 {
		eta = time.Duration(remaining/down) * time.Second
	}

	name := ""
	if info != nil {
		name = info.Name
	}

	return Info{
		InfoHash:       infoHash,
		Name:           name,
		State:          state,
		BytesCompleted: completed,
		BytesTotal:     total,
		Progress:       progress,
		DownloadSpeed:  down,
		UploadSpeed:    up,
		PeersConnected: len(t.PeerConns()),
		ETA:            eta,
		ErrorMessage:   at.errMsg,
		Files:          files,
	}
}

func (c *AnacrolixClient) speedFor(infoHash string, t *torrent.Torrent) (down, up int64) {
	stats := t.Stats()
	read := stats.BytesReadData.Int64()
	written := stats.BytesWrittenData.Int64()
	now := time.Now()

	c.speedMu.Lock()
	defer c.speedMu.Unlock()
	prev, ok := c.speeds[infoHash]
	c.speeds[infoHash] = speedSample{bytesRead: read, bytesWritten: written, at: now}
	if !ok {
		return 0, 0
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	down = int64(float64(read-prev.bytesRead) / elapsed)
	up = int64(float64(written-prev.bytesWritten) / elapsed)
	if down < 0 {
		down = 0
	}
	if up < 0 {
		up = 0
	}
	return down, up
}

func (c *AnacrolixClient) Remove(infoHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.torrents[infoHash]
	if !ok {
		return fmt.Errorf("torrentclient: not found: %s", infoHash)
	}
	at.t.Drop()
	delete(c.torrents, infoHash)
	c.speedMu.Lock()
	delete(c.speeds, infoHash)
	c.speedMu.Unlock()
	return nil
}

func (c *AnacrolixClient) Pause(infoHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.torrents[infoHash]
	if !ok {
		return fmt.Errorf("torrentclient: not found: %s", infoHash)
	}
	at.t.CancelPieces(0, at.t.NumPieces())
	at.t.SetMaxEstablishedConns(0)
	at.paused = true
	return nil
}

func (c *AnacrolixClient) Resume(infoHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.torrents[infoHash]
	if !ok {
		return fmt.Errorf("torrentclient: not found: %s", infoHash)
	}
	at.t.SetMaxEstablishedConns(50)
	at.t.DownloadAll()
	at.paused = false
	return nil
}
