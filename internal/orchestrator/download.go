package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/catalog"
	"github.com/torrentino/torrentino/internal/ticket"
	"github.com/torrentino/torrentino/internal/ticketstore"
	"github.com/torrentino/torrentino/internal/torrentclient"
)

// runDownloadMonitor is the download-monitor task (spec §4.3): it starts
// downloads for newly-approved tickets, then every tick fans out a
// status query per active info hash in parallel and reacts to
// completion or failure.
func (o *Orchestrator) runDownloadMonitor(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.DownloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.startApprovedDownloads(ctx)
			o.pollActiveDownloads()
			o.reenterDuePendingDownloads(ctx)
		}
	}
}

// startApprovedDownloads begins torrents for every AutoApproved/Approved
// ticket not already downloading, up to MaxConcurrentDownloads.
func (o *Orchestrator) startApprovedDownloads(ctx context.Context) {
	if o.atCapacity() {
		return
	}
	for _, kind := range []ticket.StateKind{ticket.StateAutoApproved, ticket.StateApproved} {
		k := kind
		tickets, err := o.tickets.List(ticketstore.Filter{StateKind: &k, Limit: 200})
		if err != nil {
			o.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to list approved tickets")
			continue
		}
		for _, t := range tickets {
			if o.atCapacity() {
				return
			}
			o.startDownload(ctx, t, 0)
		}
	}
}

func (o *Orchestrator) atCapacity() bool {
	if o.cfg.MaxConcurrentDownloads <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.registry) >= o.cfg.MaxConcurrentDownloads
}

// startDownload submits the chosen candidate's sources[sourceIndex] to
// the torrent client and transitions the ticket to Downloading (spec
// §4.3). It is used both for a fresh AutoApproved/Approved ticket
// (sourceIndex 0) and for re-entry from PendingRetry/failover at a
// specific source index.
func (o *Orchestrator) startDownload(ctx context.Context, t ticket.Ticket, sourceIndex int) {
	if t.State.Chosen == nil {
		o.log.Error().Str("ticket", t.ID.String()).Msg("ticket has no chosen candidate, cannot start download")
		return
	}

	full, ok, err := o.cat.Get(t.State.Chosen.InfoHash)
	if err != nil || !ok || sourceIndex >= len(full.Sources) {
		o.scheduleRetry(t, ticket.StateDownloading, fmt.Sprintf("no catalog entry/source[%d] for %s", sourceIndex, t.State.Chosen.InfoHash))
		return
	}

	infoHash, err := o.submitSource(ctx, t, full.Sources[sourceIndex])
	if err != nil {
		o.log.Warn().Err(err).Str("ticket", t.ID.String()).Msg("failed to start download, scheduling retry")
		o.scheduleRetry(t, ticket.StateDownloading, err.Error())
		return
	}

	startedAt := time.Now()
	next := ticket.Downloading(*t.State.Chosen, infoHash, sourceIndex, startedAt, t.State.Alternates)
	if _, err := o.transition(t.ID, t.State.Kind, next); err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist Downloading")
		return
	}
	o.resetAttempts(t.ID)

	o.mu.Lock()
	o.registry[infoHash] = registryEntry{TicketID: t.ID, StartedAt: startedAt}
	o.mu.Unlock()
}

// submitSource hands one indexer's listing to the torrent client,
// preferring a magnet URI. Sources that carry neither a magnet nor raw
// torrent bytes (only a .torrent URL the client would need to fetch
// itself) are rejected immediately so failover can move to the next
// source rather than hanging; fetching .torrent files over HTTP is left
// for a future indexer-aware fetcher.
func (o *Orchestrator) submitSource(ctx context.Context, t ticket.Ticket, src catalog.Source) (string, error) {
	if src.MagnetURI == "" {
		return "", fmt.Errorf("orchestrator: source %q has no magnet URI", src.Indexer)
	}
	destDir := t.DestPath
	if o.destDirFor != nil {
		destDir = o.destDirFor(t)
	}
	return o.torrent.Add(ctx, torrentclient.AddRequest{MagnetURI: src.MagnetURI, DestDir: destDir})
}

// reenterDuePendingDownloads resumes tickets whose PendingRetry.RetryAt
// has elapsed for the Downloading stage, resubmitting the exact source
// index they left off from.
func (o *Orchestrator) reenterDuePendingDownloads(ctx context.Context) {
	kind := ticket.StatePendingRetry
	due, err := o.tickets.List(ticketstore.Filter{StateKind: &kind, Limit: 200})
	if err != nil {
		o.log.Error().Err(err).Msg("failed to list pending-retry tickets")
		return
	}
	now := time.Now()
	for _, t := range due {
		if t.State.FailedState != ticket.StateDownloading {
			continue
		}
		if t.State.RetryAt != nil && t.State.RetryAt.After(now) {
			continue
		}
		if o.atCapacity() {
			return
		}
		if t.State.Chosen == nil {
			o.scheduleRetry(t, ticket.StateDownloading, "cannot resume download: missing chosen candidate on retry")
			continue
		}
		o.startDownload(ctx, t, t.State.SourceIndex)
	}
}

// pollActiveDownloads queries every active info hash in parallel (spec
// §4.3 / §5 "Download monitor: at each parallel per-hash RPC").
func (o *Orchestrator) pollActiveDownloads() {
	o.mu.Lock()
	entries := make(map[string]registryEntry, len(o.registry))
	for k, v := range o.registry {
		entries[k] = v
	}
	o.mu.Unlock()

	type outcome struct {
		hash  string
		entry registryEntry
		info  torrentclient.Info
		found bool
	}
	results := make(chan outcome, len(entries))
	for hash, entry := range entries {
		go func(hash string, entry registryEntry) {
			info, found := o.torrent.Info(hash)
			results <- outcome{hash: hash, entry: entry, info: info, found: found}
		}(hash, entry)
	}
	for range entries {
		out := <-results
		o.handlePollResult(out.hash, out.entry, out.info, out.found)
	}
}

func (o *Orchestrator) handlePollResult(hash string, entry registryEntry, info torrentclient.Info, found bool) {
	t, err := o.tickets.Get(entry.TicketID)
	if err != nil {
		o.log.Warn().Err(err).Str("ticket", entry.TicketID.String()).Msg("download monitor: ticket vanished from store")
		o.removeFromRegistry(hash)
		return
	}
	if t.State.Kind != ticket.StateDownloading {
		// Ticket moved on (e.g. cancelled) out from under us.
		o.removeFromRegistry(hash)
		return
	}

	switch {
	case !found:
		o.failover(t, hash, "torrent vanished from torrent client")
	case info.State == torrentclient.StateSeeding || info.Progress >= 100:
		o.completeDownload(t, hash, info)
	case info.State == torrentclient.StateErrored:
		o.failover(t, hash, info.ErrorMessage)
	case info.Progress == 0 && time.Since(entry.StartedAt) > o.cfg.StallThreshold:
		o.failover(t, hash, "stalled: no progress within threshold")
	default:
		// Progress advancing or seeders visible: no-op.
	}
}

func (o *Orchestrator) removeFromRegistry(hash string) {
	o.mu.Lock()
	delete(o.registry, hash)
	o.mu.Unlock()
}

// completeDownload advances a finished torrent to conversion (spec §4.3).
// The source file list is captured into the in-memory downloadedFiles
// registry before the torrent is dropped, since ticket.State only
// tracks placed_so_far/total_files and the pipeline feeder needs the
// actual paths to build a processor.Request.
func (o *Orchestrator) completeDownload(t ticket.Ticket, hash string, info torrentclient.Info) {
	files := info.Files
	if o.sourceFilesFor != nil {
		files = o.sourceFilesFor(t, info)
	}
	o.mu.Lock()
	o.downloadedFiles[t.ID] = files
	o.mu.Unlock()

	if err := o.torrent.Remove(hash); err != nil {
		o.log.Warn().Err(err).Str("info_hash", hash).Msg("failed to remove completed torrent from client (files kept on disk)")
	}
	o.removeFromRegistry(hash)

	total := len(files)
	if total == 0 {
		total = 1
	}
	// Clone rather than use ticket.Converting() directly so Chosen/
	// InfoHash survive into Converting/Placing — the pipeline feeder
	// needs Chosen to re-derive file mappings.
	next := t.State
	next.Kind = ticket.StateConverting
	next.PlacedSoFar = 0
	next.TotalFiles = total
	next.RollbackPlanID = ""
	if _, err := o.transition(t.ID, t.State.Kind, next); err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist Converting after download completion")
	}
}

// failover implements spec §4.3's source/alternate failover policy: try
// the chosen candidate's next source first, and only when its sources
// are exhausted fall through to the best remaining alternate candidate.
// Both paths only drop the torrent from the client — Drop() detaches
// without deleting any partial files already written to disk.
func (o *Orchestrator) failover(t ticket.Ticket, failedHash, reason string) {
	if err := o.torrent.Remove(failedHash); err != nil {
		o.log.Warn().Err(err).Str("info_hash", failedHash).Msg("failed to remove failed torrent from client")
	}
	o.removeFromRegistry(failedHash)

	full, ok, err := o.cat.Get(t.State.Chosen.InfoHash)
	if err == nil && ok && t.State.SourceIndex+1 < len(full.Sources) {
		nextIndex := t.State.SourceIndex + 1
		o.auditH.TryEmit(audit.SourceFailover(t.ID, failedHash, t.State.Chosen.InfoHash, nextIndex))
		o.log.Warn().Str("ticket", t.ID.String()).Str("reason", reason).Int("next_source_index", nextIndex).Msg("failing over to next source of same candidate")
		o.startDownload(context.Background(), t, nextIndex)
		return
	}

	if len(t.State.Alternates) == 0 {
		// Source-exhaustion (spec §4.3 step 4 / §7): every source of the
		// chosen candidate and every alternate candidate has failed. No
		// amount of waiting produces a new one, so this goes straight to
		// Failed rather than PendingRetry.
		o.failTicket(t, ticket.StateDownloading, fmt.Sprintf("%s (no remaining sources or alternates)", reason))
		return
	}

	nextCandidate := t.State.Alternates[0]
	remainingAlternates := t.State.Alternates[1:]
	o.auditH.TryEmit(audit.SourceFailover(t.ID, failedHash, nextCandidate.InfoHash, 0))
	o.log.Warn().Str("ticket", t.ID.String()).Str("reason", reason).Str("next_info_hash", nextCandidate.InfoHash).Msg("failing over to next alternate candidate")

	next := t.State
	next.Chosen = &nextCandidate
	next.Alternates = remainingAlternates
	next.SourceIndex = 0
	next.InfoHash = ""
	promoted, err := o.transition(t.ID, t.State.Kind, next)
	if err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist promoted alternate before retrying download")
		return
	}
	o.startDownload(context.Background(), promoted, 0)
}
