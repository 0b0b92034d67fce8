package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/catalog"
	"github.com/torrentino/torrentino/internal/searcher"
	"github.com/torrentino/torrentino/internal/textbrain"
	"github.com/torrentino/torrentino/internal/ticket"
	"github.com/torrentino/torrentino/internal/ticketstore"
)

// ErrNoQueriesGenerated is the hard-failure reason when the query builder
// produces an empty query list (spec §4.2 step 2).
var ErrNoQueriesGenerated = errors.New("no queries generated")

// runAcquirer is the single-threaded acquirer task (spec §4.1): on each
// tick it picks the highest-priority Pending ticket and processes it to
// completion before picking the next one. Concurrency gain from running
// several in parallel is negligible relative to query building and
// indexer round trips, and contention on indexers is real, so this task
// never fans out.
func (o *Orchestrator) runAcquirer(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.AcquisitionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.acquireOneTick(ctx)
		}
	}
}

func (o *Orchestrator) acquireOneTick(ctx context.Context) {
	kind := ticket.StatePending
	pending, err := o.tickets.List(ticketstore.Filter{StateKind: &kind, Limit: 200})
	if err != nil {
		o.log.Error().Err(err).Msg("failed to list pending tickets")
		return
	}
	if len(pending) == 0 {
		o.retryDuePendingRetries(ctx, ticket.StateAcquiring)
		return
	}

	best := pending[0]
	for _, t := range pending[1:] {
		if t.Priority > best.Priority {
			best = t
		}
	}

	o.acquire(ctx, best)
}

// retryDuePendingRetries re-enters tickets whose PendingRetry.RetryAt has
// elapsed and whose failed_state matches the stage this task owns.
func (o *Orchestrator) retryDuePendingRetries(ctx context.Context, failedState ticket.StateKind) {
	kind := ticket.StatePendingRetry
	due, err := o.tickets.List(ticketstore.Filter{StateKind: &kind, Limit: 200})
	if err != nil {
		o.log.Error().Err(err).Msg("failed to list pending-retry tickets")
		return
	}
	now := time.Now()
	for _, t := range due {
		if t.State.FailedState != failedState {
			continue
		}
		if t.State.RetryAt != nil && t.State.RetryAt.After(now) {
			continue
		}
		reentered, err := o.transition(t.ID, t.State.Kind, ticket.Acquiring(now))
		if err != nil {
			o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to re-enter acquiring from pending-retry")
			continue
		}
		o.acquire(ctx, reentered)
		return // one per tick, same as the fresh-Pending case
	}
}

// acquire runs the full acquisition contract for one ticket (spec §4.2).
func (o *Orchestrator) acquire(ctx context.Context, t ticket.Ticket) {
	log := o.log.With().Str("ticket", t.ID.String()).Logger()

	if t.State.Kind == ticket.StatePending {
		reentered, err := o.transition(t.ID, t.State.Kind, ticket.Acquiring(time.Now()))
		if err != nil {
			log.Error().Err(err).Msg("failed to transition Pending -> Acquiring")
			return
		}
		t = reentered
	}

	expected := o.enrichedContentFor(ctx, t)
	qr, err := o.qb.BuildQueries(expected)
	if err != nil || len(qr.Queries) == 0 {
		reason := ErrNoQueriesGenerated.Error()
		if err != nil {
			reason = err.Error()
		}
		o.failAcquisition(t, reason)
		return
	}

	var batches [][]catalog.Candidate
	for _, q := range qr.Queries {
		result, err := o.search.Search(ctx, q)
		if err != nil {
			var sErr *searcher.Error
			if errors.As(err, &sErr) {
				if sErr.Retryable() {
					o.scheduleRetry(t, ticket.StateAcquiring, sErr.Error())
					return
				}
				log.Warn().Err(sErr).Str("query", q.Text).Msg("hard search failure for one query, continuing with remaining queries")
				continue
			}
			log.Warn().Err(err).Str("query", q.Text).Msg("search failed, continuing with remaining queries")
			continue
		}
		batches = append(batches, result.Candidates)
	}

	merged := catalog.Merge(batches...)
	if len(merged) == 0 {
		o.failAcquisition(t, "all queries exhausted with no candidates")
		return
	}
	o.storeCatalog(merged)

	matchResult, err := o.matcher.Match(expected, merged)
	if err != nil {
		o.failAcquisition(t, fmt.Sprintf("matcher failed: %v", err))
		return
	}
	if len(matchResult.Candidates) == 0 {
		o.failAcquisition(t, "matcher returned no scored candidates")
		return
	}

	scored := append([]textbrain.ScoredCandidate(nil), matchResult.Candidates...)
	sortScored(scored)

	top := scored[0]
	rest := summaries(scored[1:], o.cfg.MaxCandidatesKept)

	o.resetAttempts(t.ID)
	if top.Score >= o.cfg.AutoApproveThreshold {
		if _, err := o.transition(t.ID, t.State.Kind, ticket.AutoApproved(top.Summary(), rest)); err != nil {
			log.Error().Err(err).Msg("failed to persist AutoApproved")
			return
		}
		o.auditH.TryEmit(audit.ApprovalDecision(t.ID, "system", true, fmt.Sprintf("score %.3f >= threshold %.3f", top.Score, o.cfg.AutoApproveThreshold)))
		return
	}

	kept := summaries(scored, o.cfg.MaxCandidatesKept)
	if _, err := o.transition(t.ID, t.State.Kind, ticket.NeedsApproval(kept)); err != nil {
		log.Error().Err(err).Msg("failed to persist NeedsApproval")
	}
}

func (o *Orchestrator) failAcquisition(t ticket.Ticket, reason string) {
	attempt := o.nextAttempt(t.ID)
	o.resetAttempts(t.ID)
	if _, err := o.transition(t.ID, t.State.Kind, ticket.AcquisitionFailed(reason, attempt)); err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist AcquisitionFailed")
	}
}

// expectedContentFor falls back to a generic content descriptor built
// from the ticket's free-text description when no structured Expected
// was supplied, so QueryBuilder/Matcher always have something to work
// with (spec §3: ExpectedContent is optional on QueryContext).
func expectedContentFor(t ticket.Ticket) ticket.ExpectedContent {
	if t.Query.Expected != nil {
		return *t.Query.Expected
	}
	return ticket.ExpectedContent{Title: t.Query.Description}
}

// enrichedContentFor runs the optional external-catalog enrichment step
// (SPEC_FULL.md §D.3) before query building. A failure, or no enricher
// configured, falls back to the ticket's own expected content unchanged
// — enrichment never blocks or fails acquisition.
func (o *Orchestrator) enrichedContentFor(ctx context.Context, t ticket.Ticket) ticket.ExpectedContent {
	expected := expectedContentFor(t)
	if o.enrich == nil {
		return expected
	}
	enriched, err := o.enrich.Enrich(ctx, expected)
	if err != nil {
		o.log.Warn().Err(err).Str("ticket", t.ID.String()).Msg("external catalog enrichment failed, continuing with original query context")
		return expected
	}
	return enriched
}
