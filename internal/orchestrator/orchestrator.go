// Package orchestrator implements the top-level supervisor: the
// acquirer, download monitor, and pipeline feeder tasks plus the
// in-memory active-download registry, per spec §4.1. Grounded on the
// teacher's internal/torrent/transfer_processor.go and
// internal/scanner/periodic.go for the "ticker-driven loop with a
// shutdown channel" shape, generalized from periodic library scans and
// torrent transfers to the three cooperating loops spec §4.1 describes.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/catalog"
	"github.com/torrentino/torrentino/internal/catalogstore"
	"github.com/torrentino/torrentino/internal/externalcatalog"
	"github.com/torrentino/torrentino/internal/postprocess"
	"github.com/torrentino/torrentino/internal/processor"
	"github.com/torrentino/torrentino/internal/searcher"
	"github.com/torrentino/torrentino/internal/textbrain"
	"github.com/torrentino/torrentino/internal/ticket"
	"github.com/torrentino/torrentino/internal/ticketstore"
	"github.com/torrentino/torrentino/internal/torrentclient"
)

// Config mirrors the [orchestrator] and [processor.retry] TOML tables
// relevant to scheduling and retry policy.
type Config struct {
	AcquisitionPollInterval time.Duration
	DownloadPollInterval    time.Duration
	AutoApproveThreshold    float64
	MaxConcurrentDownloads  int // 0 = unlimited
	StallThreshold          time.Duration
	MaxCandidatesKept       int

	RetryMaxAttempts       int
	RetryInitialDelay      time.Duration
	RetryMaxDelay          time.Duration
	RetryBackoffMultiplier float64
}

// registryEntry is the active-download registry's value, per spec §3.
type registryEntry struct {
	TicketID  uuid.UUID
	StartedAt time.Time
}

// StateCounts maps a state kind to how many tickets currently hold it.
type StateCounts map[ticket.StateKind]int64

// Status is the snapshot orchestrator.Status() returns, and the payload
// the websocket status hub broadcasts.
type Status struct {
	Running        bool        `json:"running"`
	ActiveDownloads int        `json:"active_downloads"`
	Counts         StateCounts `json:"counts"`
}

// Orchestrator owns the three tasks and the active-download registry.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	tickets ticketstore.Store
	auditH  *audit.Handle
	cat     catalogstore.Store
	search  searcher.Searcher
	torrent torrentclient.Client
	qb      textbrain.QueryBuilder
	matcher textbrain.Matcher
	enrich  externalcatalog.Enricher // optional; nil disables enrichment
	post    *postprocess.Processor
	proc    *processor.Processor
	destDirFor func(ticket.Ticket) string
	sourceFilesFor func(ticket.Ticket, torrentclient.Info) []string

	mu              sync.Mutex
	registry        map[string]registryEntry // info_hash -> entry
	attempts        map[uuid.UUID]int
	inFlight        map[uuid.UUID]bool   // tickets currently submitted to the processor
	downloadedFiles map[uuid.UUID][]string // ticket -> source file paths, captured at download completion

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Deps bundles every external collaborator Orchestrator needs, matching
// spec §6's "Consumed abstractions" table.
type Deps struct {
	Tickets        ticketstore.Store
	Audit          *audit.Handle
	Catalog        catalogstore.Store
	Searcher       searcher.Searcher
	Torrent        torrentclient.Client
	QueryBuilder   textbrain.QueryBuilder
	Matcher        textbrain.Matcher
	Enricher       externalcatalog.Enricher // optional; nil disables enrichment (SPEC_FULL.md §D.3)
	PostProcessor  *postprocess.Processor   // optional; nil skips asset post-processing (SPEC_FULL.md §D.2)
	Processor      *processor.Processor
	DestDirFor     func(ticket.Ticket) string
	SourceFilesFor func(ticket.Ticket, torrentclient.Info) []string
}

// New builds an Orchestrator. It does not start any loop; call Start.
func New(cfg Config, deps Deps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		log:            log.With().Str("component", "orchestrator").Logger(),
		tickets:        deps.Tickets,
		auditH:         deps.Audit,
		cat:            deps.Catalog,
		search:         deps.Searcher,
		torrent:        deps.Torrent,
		qb:             deps.QueryBuilder,
		matcher:        deps.Matcher,
		enrich:         deps.Enricher,
		post:           deps.PostProcessor,
		proc:           deps.Processor,
		destDirFor:     deps.DestDirFor,
		sourceFilesFor: deps.SourceFilesFor,
		registry:        make(map[string]registryEntry),
		attempts:        make(map[uuid.UUID]int),
		inFlight:        make(map[uuid.UUID]bool),
		downloadedFiles: make(map[uuid.UUID][]string),
	}
}

// Start performs startup reconciliation and launches the three tasks.
// Safe to call once; a second call is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	if err := o.reconcile(); err != nil {
		return fmt.Errorf("orchestrator: startup reconciliation: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.auditH.TryEmit(audit.OrchestratorStarted())

	o.wg.Add(3)
	go o.runAcquirer(runCtx)
	go o.runDownloadMonitor(runCtx)
	go o.runPipelineFeeder(runCtx)

	return nil
}

// Stop signals all three tasks and waits for them to observe it at their
// next suspension point (spec §5 "Cancellation and shutdown"). Active
// downloads are left running in the torrent client; in-flight pipeline
// jobs are allowed to finish, and Stop waits for them too.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.auditH.TryEmit(audit.OrchestratorStopped())
}

// Status reports a point-in-time snapshot for the API's /status endpoint
// and the websocket broadcaster.
func (o *Orchestrator) Status() (Status, error) {
	o.mu.Lock()
	running := o.running
	active := len(o.registry)
	o.mu.Unlock()

	counts := make(StateCounts)
	for _, kind := range allStateKinds {
		k := kind
		n, err := o.tickets.Count(ticketstore.Filter{StateKind: &k})
		if err != nil {
			return Status{}, fmt.Errorf("orchestrator: count %s: %w", kind, err)
		}
		counts[kind] = n
	}

	return Status{Running: running, ActiveDownloads: active, Counts: counts}, nil
}

var allStateKinds = []ticket.StateKind{
	ticket.StatePending, ticket.StateAcquiring, ticket.StateAcquisitionFailed,
	ticket.StateNeedsApproval, ticket.StateAutoApproved, ticket.StateApproved,
	ticket.StateRejected, ticket.StateDownloading, ticket.StateConverting,
	ticket.StatePlacing, ticket.StateCompleted, ticket.StatePendingRetry,
	ticket.StateFailed, ticket.StateCancelled,
}

// transition is the single call-site wrapper around ticketstore.UpdateState
// that also emits the matching audit event, per spec §4.5.
func (o *Orchestrator) transition(id uuid.UUID, from ticket.StateKind, next ticket.State) (ticket.Ticket, error) {
	t, err := o.tickets.UpdateState(id, next)
	if err != nil {
		return ticket.Ticket{}, err
	}
	o.auditH.TryEmit(audit.StateTransition(id, from, next.Kind))
	return t, nil
}

func (o *Orchestrator) nextAttempt(id uuid.UUID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[id]++
	return o.attempts[id]
}

func (o *Orchestrator) resetAttempts(id uuid.UUID) {
	o.mu.Lock()
	delete(o.attempts, id)
	o.mu.Unlock()
}

func (o *Orchestrator) sourceFilesForTicket(id uuid.UUID) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.downloadedFiles[id]
}

func (o *Orchestrator) clearSourceFiles(id uuid.UUID) {
	o.mu.Lock()
	delete(o.downloadedFiles, id)
	o.mu.Unlock()
}

func (o *Orchestrator) markInFlight(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[id] {
		return false
	}
	o.inFlight[id] = true
	return true
}

func (o *Orchestrator) clearInFlight(id uuid.UUID) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
}

// backoff computes the exponential retry delay for attempt n (1-indexed),
// capped at RetryMaxDelay, per spec §4.2/§7.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := float64(o.cfg.RetryInitialDelay) * math.Pow(o.cfg.RetryBackoffMultiplier, float64(attempt-1))
	if d > float64(o.cfg.RetryMaxDelay) {
		d = float64(o.cfg.RetryMaxDelay)
	}
	return time.Duration(d)
}

// failTicket transitions a ticket straight to Failed, bypassing
// PendingRetry/backoff entirely. Used for source-exhaustion (spec §4.3
// step 4, §7 "Source-exhaustion ... -> Failed{downloading} directly") and
// other conditions where retrying cannot possibly help because the thing
// that's missing (remaining sources, remaining alternates) cannot
// reappear on its own.
func (o *Orchestrator) failTicket(t ticket.Ticket, failedState ticket.StateKind, reason string) {
	o.resetAttempts(t.ID)
	next := t.State
	next.Kind = ticket.StateFailed
	next.FailedState = failedState
	next.Reason = reason
	if _, err := o.transition(t.ID, t.State.Kind, next); err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist Failed")
	}
}

// scheduleRetry transitions a ticket to PendingRetry with an exponentially
// backed-off retry_at, or to Failed if the per-ticket attempt cap (spec §9
// open question, resolved at 5) has been exceeded. The fields specific to
// the failed stage (Chosen/InfoHash/SourceIndex/Alternates for
// Downloading, PlacedSoFar/TotalFiles/RollbackPlanID for Converting/
// Placing) are carried over onto the PendingRetry row itself, since
// ticket.State is one flat struct — that's what lets the later
// PendingRetry -> <failed_state> re-entry reconstruct the exact state it
// left off from, rather than starting that stage over from scratch.
func (o *Orchestrator) scheduleRetry(t ticket.Ticket, failedState ticket.StateKind, reason string) {
	attempt := o.nextAttempt(t.ID)
	if attempt > o.cfg.RetryMaxAttempts {
		o.resetAttempts(t.ID)
		next := t.State
		next.Kind = ticket.StateFailed
		next.FailedState = failedState
		next.Reason = fmt.Sprintf("%s (retry cap exceeded after %d attempts)", reason, attempt-1)
		if _, err := o.transition(t.ID, t.State.Kind, next); err != nil {
			o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist Failed after retry cap")
		}
		return
	}
	retryAt := time.Now().Add(o.backoff(attempt))
	next := t.State
	next.Kind = ticket.StatePendingRetry
	next.FailedState = failedState
	next.Reason = reason
	next.RetryAt = &retryAt
	next.Attempts = attempt
	if _, err := o.transition(t.ID, t.State.Kind, next); err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist PendingRetry")
		return
	}
	o.auditH.TryEmit(audit.RetryScheduled(t.ID, attempt, retryAt))
}

// Approve records a human decision on a NeedsApproval ticket, making
// Candidates[chosenIndex] the Chosen candidate (index 0 is the top-ranked
// one) and keeping every other candidate, in order, as an alternate.
func (o *Orchestrator) Approve(ticketID uuid.UUID, chosenIndex int) (ticket.Ticket, error) {
	t, err := o.tickets.Get(ticketID)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if t.State.Kind != ticket.StateNeedsApproval {
		return ticket.Ticket{}, &ticket.InvalidStateError{TicketID: ticketID.String(), Expected: []ticket.StateKind{ticket.StateNeedsApproval}, Actual: t.State.Kind}
	}
	if chosenIndex < 0 || chosenIndex >= len(t.State.Candidates) {
		return ticket.Ticket{}, fmt.Errorf("orchestrator: approve: chosen index %d out of range (%d candidates)", chosenIndex, len(t.State.Candidates))
	}
	chosen := t.State.Candidates[chosenIndex]
	alternates := make([]ticket.ScoredCandidateSummary, 0, len(t.State.Candidates)-1)
	for i, c := range t.State.Candidates {
		if i != chosenIndex {
			alternates = append(alternates, c)
		}
	}
	updated, err := o.transition(t.ID, t.State.Kind, ticket.Approved(chosen, alternates))
	if err != nil {
		return ticket.Ticket{}, err
	}
	o.auditH.TryEmit(audit.ApprovalDecision(t.ID, "", true, ""))
	return updated, nil
}

// Reject records a human decision discarding a NeedsApproval ticket.
func (o *Orchestrator) Reject(ticketID uuid.UUID, reason string) (ticket.Ticket, error) {
	t, err := o.tickets.Get(ticketID)
	if err != nil {
		return ticket.Ticket{}, err
	}
	updated, err := o.transition(t.ID, t.State.Kind, ticket.Rejected(reason))
	if err != nil {
		return ticket.Ticket{}, err
	}
	o.auditH.TryEmit(audit.ApprovalDecision(t.ID, "", false, reason))
	return updated, nil
}

// Cancel implements spec §5's per-state cancellation semantics.
func (o *Orchestrator) Cancel(ticketID uuid.UUID, reason string) (ticket.Ticket, error) {
	t, err := o.tickets.Get(ticketID)
	if err != nil {
		return ticket.Ticket{}, err
	}

	switch t.State.Kind {
	case ticket.StatePending, ticket.StateNeedsApproval, ticket.StateAutoApproved, ticket.StateApproved:
		return o.transition(t.ID, t.State.Kind, ticket.Cancelled(reason))
	case ticket.StateDownloading:
		updated, err := o.transition(t.ID, t.State.Kind, ticket.Cancelled(reason))
		if err != nil {
			return ticket.Ticket{}, err
		}
		if err := o.torrent.Remove(t.State.InfoHash); err != nil {
			o.log.Warn().Err(err).Str("info_hash", t.State.InfoHash).Msg("failed to remove torrent on cancel")
		}
		o.mu.Lock()
		delete(o.registry, t.State.InfoHash)
		o.mu.Unlock()
		return updated, nil
	case ticket.StateConverting, ticket.StatePlacing:
		o.proc.Cancel(t.ID)
		// The in-flight job observes cancellation at its next file
		// boundary and reports a Failed result; the feeder then finds the
		// ticket already Cancelled and leaves it as is, so Failed is never
		// written over it. We persist Cancelled immediately so a status
		// read right after this call is accurate even before the job
		// unwinds.
		return o.transition(t.ID, t.State.Kind, ticket.Cancelled(reason))
	default:
		return ticket.Ticket{}, &ticket.InvalidStateError{TicketID: ticketID.String(), Actual: t.State.Kind}
	}
}

// sortScored orders scored candidates best-first with spec §4.2's
// tie-break: higher aggregate seeders, then earlier publish date, then
// lexicographic title.
func sortScored(scored []textbrain.ScoredCandidate) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Candidate.Seeders != b.Candidate.Seeders {
			return a.Candidate.Seeders > b.Candidate.Seeders
		}
		ad, bd := a.Candidate.PublishDate, b.Candidate.PublishDate
		switch {
		case ad != nil && bd != nil && !ad.Equal(*bd):
			return ad.Before(*bd)
		case ad != nil && bd == nil:
			return true
		case ad == nil && bd != nil:
			return false
		}
		return a.Candidate.Title < b.Candidate.Title
	})
}

func summaries(scored []textbrain.ScoredCandidate, limit int) []ticket.ScoredCandidateSummary {
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]ticket.ScoredCandidateSummary, len(scored))
	for i, s := range scored {
		out[i] = s.Summary()
	}
	return out
}

// storeCatalog persists deduped candidates so later stages (download
// start, failover) can recover the full source list by info_hash, per
// spec §6 ("Torrent catalog: store(candidates) ... de-duplicates by
// info_hash; merges sources"). Failures are logged, not fatal — the
// catalog is a cache, not the system of record for an in-flight ticket.
func (o *Orchestrator) storeCatalog(candidates []catalog.Candidate) {
	if len(candidates) == 0 {
		return
	}
	if err := o.cat.Store(candidates); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist candidates to catalog")
	}
}
