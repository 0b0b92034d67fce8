package orchestrator

import (
	"context"
	"time"

	"github.com/torrentino/torrentino/internal/catalog"
	"github.com/torrentino/torrentino/internal/processor"
	"github.com/torrentino/torrentino/internal/textbrain"
	"github.com/torrentino/torrentino/internal/ticket"
	"github.com/torrentino/torrentino/internal/ticketstore"
)

// runPipelineFeeder is the pipeline-feeder task (spec §4.1/§4.4): it
// picks up tickets already in Converting (handed off by the download
// monitor) and drives them through the conversion/placement processor,
// persisting progress and the final outcome.
func (o *Orchestrator) runPipelineFeeder(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.AcquisitionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.feedOneTick(ctx)
			o.reenterDuePendingPipeline(ctx)
		}
	}
}

func (o *Orchestrator) feedOneTick(ctx context.Context) {
	kind := ticket.StateConverting
	converting, err := o.tickets.List(ticketstore.Filter{StateKind: &kind, Limit: 200})
	if err != nil {
		o.log.Error().Err(err).Msg("failed to list converting tickets")
		return
	}
	for _, t := range converting {
		o.submitToPipeline(ctx, t)
	}
}

// submitToPipeline dispatches one ticket to the processor in its own
// goroutine, guarded by inFlight so a ticket already running isn't
// resubmitted on the next tick before it finishes.
func (o *Orchestrator) submitToPipeline(ctx context.Context, t ticket.Ticket) {
	if !o.markInFlight(t.ID) {
		return
	}

	req := o.buildRequest(t)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.clearInFlight(t.ID)

		onProgress := func(state ticket.State) {
			current, err := o.tickets.Get(t.ID)
			if err != nil {
				return
			}
			advancing := current.State.Kind == ticket.StateConverting && state.Kind == ticket.StatePlacing
			if current.State.Kind != state.Kind && !advancing {
				return
			}
			// Only the progress fields change; Chosen/InfoHash carry forward.
			next := current.State
			next.Kind = state.Kind
			next.PlacedSoFar = state.PlacedSoFar
			next.TotalFiles = state.TotalFiles
			next.RollbackPlanID = state.RollbackPlanID
			if advancing {
				_, err = o.transition(t.ID, current.State.Kind, next)
			} else {
				_, err = o.tickets.UpdateState(t.ID, next)
			}
			if err != nil {
				o.log.Warn().Err(err).Str("ticket", t.ID.String()).Msg("failed to persist pipeline progress")
			}
		}

		// Detached from the run context so Stop lets the job finish;
		// Cancel still reaches it through the processor's own handle.
		result := o.proc.Process(context.WithoutCancel(ctx), req, onProgress)
		o.finishPipeline(t, result)
	}()
}

// buildRequest assembles a processor.Request from a Converting ticket's
// captured source files and destination path, re-running the matcher
// against the stored catalog entry to recover file->item mappings (the
// ticket itself only carries the lightweight candidate summary, not the
// mapping computed at acquisition time).
func (o *Orchestrator) buildRequest(t ticket.Ticket) processor.Request {
	files := o.sourceFilesForTicket(t.ID)
	expected := expectedContentFor(t)
	var mappings []textbrain.FileMapping
	if t.State.Chosen != nil {
		if full, ok, err := o.cat.Get(t.State.Chosen.InfoHash); err == nil && ok {
			if mr, err := o.matcher.Match(expected, []catalog.Candidate{full}); err == nil && len(mr.Candidates) > 0 {
				mappings = mr.Candidates[0].FileMappings
			}
		}
	}
	return processor.Request{
		TicketID:     t.ID,
		SourceFiles:  files,
		FileMappings: mappings,
		Expected:     &expected,
		Constraints:  t.OutputConstraints,
		DestDir:      t.DestPath,
	}
}

func (o *Orchestrator) finishPipeline(t ticket.Ticket, result processor.Result) {
	o.clearSourceFiles(t.ID)

	fresh, err := o.tickets.Get(t.ID)
	if err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("pipeline finished but ticket vanished from store")
		return
	}
	if fresh.State.Kind == ticket.StateCancelled {
		// Cancel() already persisted the terminal state; nothing to do.
		return
	}

	if result.Failed {
		switch result.RetryClass {
		case processor.RetryHard:
			if _, err := o.transition(fresh.ID, fresh.State.Kind, ticket.Failed(result.FailedState, result.Reason)); err != nil {
				o.log.Error().Err(err).Str("ticket", fresh.ID.String()).Msg("failed to persist Failed after hard pipeline failure")
			}
		default:
			o.scheduleRetry(fresh, result.FailedState, result.Reason)
		}
		return
	}

	completed := o.runPostProcess(fresh, result)
	if _, err := o.transition(fresh.ID, fresh.State.Kind, completed); err != nil {
		o.log.Error().Err(err).Str("ticket", fresh.ID.String()).Msg("failed to persist Completed")
		return
	}
	o.resetAttempts(fresh.ID)
}

// runPostProcess runs the optional asset post-processing step (SPEC_FULL.md
// §D.2) over a successful pipeline result. It never fails the ticket: with
// a nil post-processor the ticket completes with no cover art / subtitle
// paths attached, and any asset the post-processor cannot find is
// recorded as a warning on the Completed state.
func (o *Orchestrator) runPostProcess(t ticket.Ticket, result processor.Result) ticket.State {
	if o.post == nil {
		return ticket.Completed(result.OutputPaths, result.DurationMS)
	}
	expected := expectedContentFor(t)
	assets := o.post.Run(context.Background(), expected, result.OutputPaths)
	return ticket.CompletedWithAssets(result.OutputPaths, result.DurationMS, assets.CoverArtPath, assets.SubtitlePaths, assets.Warnings)
}

// reenterDuePendingPipeline resumes tickets whose PendingRetry.RetryAt has
// elapsed for the Converting/Placing stages. Since the pipeline runs
// all-or-nothing per Process() call, re-entry always restarts conversion
// from scratch rather than resuming mid-placement. A conversion failure
// already removed its partial outputs; outputs left in the temp dir by a
// placement failure are overwritten by the fresh conversion.
func (o *Orchestrator) reenterDuePendingPipeline(ctx context.Context) {
	kind := ticket.StatePendingRetry
	due, err := o.tickets.List(ticketstore.Filter{StateKind: &kind, Limit: 200})
	if err != nil {
		o.log.Error().Err(err).Msg("failed to list pending-retry tickets")
		return
	}
	now := time.Now()
	for _, t := range due {
		if t.State.FailedState != ticket.StateConverting && t.State.FailedState != ticket.StatePlacing {
			continue
		}
		if t.State.RetryAt != nil && t.State.RetryAt.After(now) {
			continue
		}
		total := t.State.TotalFiles
		if total == 0 {
			total = len(o.sourceFilesForTicket(t.ID))
		}
		next := t.State
		next.Kind = ticket.StateConverting
		next.PlacedSoFar = 0
		next.TotalFiles = total
		next.RollbackPlanID = ""
		reentered, err := o.transition(t.ID, t.State.Kind, next)
		if err != nil {
			o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("failed to re-enter Converting from PendingRetry")
			continue
		}
		o.submitToPipeline(ctx, reentered)
	}
}
