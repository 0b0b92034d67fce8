package orchestrator

import (
	"fmt"
	"time"

	"github.com/torrentino/torrentino/internal/ticket"
	"github.com/torrentino/torrentino/internal/ticketstore"
)

// reconcile runs at startup (spec §4.1 "Startup reconciliation"): for
// every ticket left in Downloading, Converting, or Placing by a prior
// process, check whether the external collaborator that owns that stage
// still knows about the work. If so, re-attach (rebuild the in-memory
// active-download registry entry for Downloading). Converting/Placing
// work never survives a restart, since the processor only tracks its jobs
// in memory, so every such ticket counts as vanished. If the work has vanished,
// transition to PendingRetry{reason: "orphaned on restart"} so the
// relevant loop picks it back up on its own schedule — never silently
// abandoning it.
func (o *Orchestrator) reconcile() error {
	if err := o.reconcileDownloading(); err != nil {
		return err
	}
	if err := o.reconcileStage(ticket.StateConverting); err != nil {
		return err
	}
	if err := o.reconcileStage(ticket.StatePlacing); err != nil {
		return err
	}
	return nil
}

// reconcileDownloading re-attaches any Downloading ticket whose info hash
// the torrent client still reports, and orphans the rest.
func (o *Orchestrator) reconcileDownloading() error {
	kind := ticket.StateDownloading
	tickets, err := o.tickets.List(ticketstore.Filter{StateKind: &kind, Limit: 10000})
	if err != nil {
		return fmt.Errorf("reconcile: list downloading: %w", err)
	}
	for _, t := range tickets {
		if t.State.InfoHash == "" {
			o.orphan(t, "orphaned on restart: no info_hash recorded")
			continue
		}
		if _, found := o.torrent.Info(t.State.InfoHash); found {
			o.mu.Lock()
			o.registry[t.State.InfoHash] = registryEntry{TicketID: t.ID, StartedAt: time.Now()}
			o.mu.Unlock()
			o.log.Info().Str("ticket", t.ID.String()).Str("info_hash", t.State.InfoHash).Msg("reconciled: re-attached live download")
			continue
		}
		o.orphan(t, "orphaned on restart: torrent client no longer knows this info_hash")
	}
	return nil
}

// reconcileStage handles Converting/Placing: the processor has no
// persistent record of in-flight work (its cancellation-handle map is
// rebuilt empty on every process start), so a ticket found here always
// means the prior process died mid-job. Spec §4.1 still requires asking
// the collaborator first in spirit; since there is nothing live to ask
// (the process that owned the job is the one that restarted), every
// survivor of one of these stages is, by construction, orphaned.
func (o *Orchestrator) reconcileStage(kind ticket.StateKind) error {
	k := kind
	tickets, err := o.tickets.List(ticketstore.Filter{StateKind: &k, Limit: 10000})
	if err != nil {
		return fmt.Errorf("reconcile: list %s: %w", kind, err)
	}
	for _, t := range tickets {
		o.orphan(t, fmt.Sprintf("orphaned on restart: no live %s job for this process", kind))
	}
	return nil
}

// orphan persists PendingRetry{reason: "orphaned on restart", retry_at:
// now} so the owning loop re-enters the ticket on its very next tick,
// per spec §4.1 and the "Orphan on restart" error kind in §7.
func (o *Orchestrator) orphan(t ticket.Ticket, reason string) {
	next := t.State
	next.Kind = ticket.StatePendingRetry
	next.FailedState = t.State.Kind
	next.Reason = reason
	now := time.Now()
	next.RetryAt = &now
	if _, err := o.transition(t.ID, t.State.Kind, next); err != nil {
		o.log.Error().Err(err).Str("ticket", t.ID.String()).Msg("reconcile: failed to persist PendingRetry for orphaned ticket")
		return
	}
	o.log.Warn().Str("ticket", t.ID.String()).Str("reason", reason).Msg("reconciled: ticket orphaned on restart")
}
