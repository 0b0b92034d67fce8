// Package processor implements the pipeline processor: the bounded
// conversion pool and placement pool spec §4.4 describes. A pipeline job
// acquires a conversion permit, converts every source file sequentially
// within that permit, releases it, then acquires a placement permit and
// places every output file sequentially, building a RollbackPlan as it
// goes. Grounded on the teacher's internal/torrent/transfer_processor.go
// (semaphore-guarded worker pool draining a job queue) and
// internal/torrent/queue.go for the counting-semaphore idiom, generalized
// from torrent-piece transfer to ticket conversion/placement.
package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/placer"
	"github.com/torrentino/torrentino/internal/textbrain"
	"github.com/torrentino/torrentino/internal/ticket"
	"github.com/torrentino/torrentino/internal/transcoder"
)

// RetryClass distinguishes transient failures (I/O, timeout — retry with
// backoff) from hard failures (constraint violation, unsupported format,
// rollback-required — fail the ticket outright), per spec §4.4/§7.
type RetryClass string

const (
	RetryTransient RetryClass = "transient"
	RetryHard      RetryClass = "hard"
)

// Config mirrors the [processor] TOML table (internal/config.ProcessorConfig)
// without importing internal/config, keeping this package dependency-free
// of the composition root.
type Config struct {
	MaxParallelConversions int
	MaxParallelPlacements  int
	ConversionTimeoutSecs  int
	ProgressIntervalMS     int
	CleanupAfterPlacement  bool
	TempRoot               string
	Placer                 placer.Options
}

// Request is one ticket's worth of work for the pipeline.
type Request struct {
	TicketID     uuid.UUID
	SourceFiles  []string
	FileMappings []textbrain.FileMapping
	Expected     *ticket.ExpectedContent
	Constraints  *ticket.OutputConstraints
	DestDir      string
}

// ProgressFunc is called as the pipeline advances so the caller can
// persist Converting{placed_so_far,total_files} / Placing{...} states.
type ProgressFunc func(state ticket.State)

// Result is the outcome of Process: either a successful placement or a
// classified failure the caller turns into PendingRetry or Failed.
type Result struct {
	OutputPaths []string
	DurationMS  int64

	Failed      bool
	RetryClass  RetryClass
	FailedState ticket.StateKind // "converting" or "placing"
	Reason      string
	FailedFile  string
	Rollback    *placer.RollbackResult
}

// Processor owns the two bounded pools and the cancellation-handle
// registry for in-flight Converting/Placing tickets (spec §5).
type Processor struct {
	cfg         Config
	transcoder  transcoder.Transcoder
	placer      placer.Placer
	audit       *audit.Handle
	log         zerolog.Logger

	conversionSem chan struct{}
	placementSem  chan struct{}

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// New builds a Processor with its pools sized per cfg.
func New(cfg Config, tc transcoder.Transcoder, pl placer.Placer, auditHandle *audit.Handle, log zerolog.Logger) *Processor {
	if cfg.MaxParallelConversions < 1 {
		cfg.MaxParallelConversions = 1
	}
	if cfg.MaxParallelPlacements < 1 {
		cfg.MaxParallelPlacements = 1
	}
	return &Processor{
		cfg:           cfg,
		transcoder:    tc,
		placer:        pl,
		audit:         auditHandle,
		log:           log.With().Str("component", "processor").Logger(),
		conversionSem: make(chan struct{}, cfg.MaxParallelConversions),
		placementSem:  make(chan struct{}, cfg.MaxParallelPlacements),
		cancels:       make(map[uuid.UUID]context.CancelFunc),
	}
}

// Cancel signals the in-flight job for ticketID, if any, to abort at its
// next file boundary (spec §5 "Cancellation semantics").
func (p *Processor) Cancel(ticketID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancels[ticketID]
	if ok {
		cancel()
	}
	return ok
}

func (p *Processor) registerCancel(ticketID uuid.UUID, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[ticketID] = cancel
	p.mu.Unlock()
}

func (p *Processor) unregisterCancel(ticketID uuid.UUID) {
	p.mu.Lock()
	delete(p.cancels, ticketID)
	p.mu.Unlock()
}

// Process runs conversion then placement for one ticket, acquiring each
// pool's semaphore in turn and releasing it before acquiring the next
// (spec §4.4: "acquires a conversion permit ... releases, acquires a
// placement permit").
func (p *Processor) Process(ctx context.Context, req Request, onProgress ProgressFunc) Result {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	p.registerCancel(req.TicketID, cancel)
	defer func() {
		cancel()
		p.unregisterCancel(req.TicketID)
	}()

	tempDir := filepath.Join(p.cfg.TempRoot, req.TicketID.String())
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return Result{Failed: true, RetryClass: RetryTransient, FailedState: ticket.StateConverting, Reason: fmt.Sprintf("create temp dir: %v", err)}
	}

	converted, res := p.convert(ctx, req, tempDir, onProgress)
	if res.Failed {
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}

	outputs, res := p.place(ctx, req, converted, onProgress)
	res.DurationMS = time.Since(start).Milliseconds()
	if res.Failed {
		return res
	}
	res.OutputPaths = outputs

	if p.cfg.CleanupAfterPlacement {
		if err := os.RemoveAll(tempDir); err != nil {
			p.log.Warn().Err(err).Str("ticket", req.TicketID.String()).Msg("failed to clean up temp dir after placement")
		}
	}
	return res
}

// convertedFile pairs a conversion output's temp-dir path (uniquified with
// an index prefix to avoid collisions between same-named source files)
// with the original source path it came from, so placement can recover
// the real file-mapping/destination name instead of the temp name.
type convertedFile struct {
	TempPath   string
	SourcePath string
}

// convert acquires the conversion semaphore, transcodes every source
// file sequentially into tempDir, and releases the semaphore before
// returning. All-or-nothing: on any file's failure, partial outputs in
// tempDir are removed and no file is placed (spec §4.4).
func (p *Processor) convert(ctx context.Context, req Request, tempDir string, onProgress ProgressFunc) ([]convertedFile, Result) {
	select {
	case p.conversionSem <- struct{}{}:
	case <-ctx.Done():
		return nil, Result{Failed: true, RetryClass: RetryTransient, FailedState: ticket.StateConverting, Reason: "cancelled before conversion permit acquired"}
	}
	defer func() { <-p.conversionSem }()

	total := len(req.SourceFiles)
	outputs := make([]convertedFile, 0, total)
	lastReport := time.Now()
	interval := time.Duration(p.cfg.ProgressIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	for i, src := range req.SourceFiles {
		select {
		case <-ctx.Done():
			p.cleanupPartial(outputs)
			return nil, Result{Failed: true, RetryClass: RetryHard, FailedState: ticket.StateConverting, Reason: "cancelled", FailedFile: src}
		default:
		}

		probe, err := p.transcoder.Probe(ctx, src)
		if err != nil {
			p.cleanupPartial(outputs)
			return nil, Result{Failed: true, RetryClass: RetryTransient, FailedState: ticket.StateConverting, Reason: err.Error(), FailedFile: src}
		}
		if !probe.Supported {
			p.cleanupPartial(outputs)
			return nil, Result{Failed: true, RetryClass: RetryHard, FailedState: ticket.StateConverting, Reason: fmt.Sprintf("unsupported format: %s", probe.Format), FailedFile: src}
		}

		// Indexed so two source files sharing a basename (different
		// subdirectories) never collide in the flat temp dir; this prefix
		// never reaches the final destination name (see destFileName).
		dest := filepath.Join(tempDir, fmt.Sprintf("%04d_%s", i, filepath.Base(src)))
		job := transcoder.Job{
			SourcePath:       src,
			DestPath:         dest,
			Constraints:      req.Constraints,
			TimeoutSecs:      p.cfg.ConversionTimeoutSecs,
			SourceDurationMS: probe.DurationMS,
			FileIndex:        i,
			TotalFiles:       total,
		}

		err = p.transcoder.ConvertWithProgress(ctx, job, func(prog transcoder.Progress) {
			if onProgress == nil || time.Since(lastReport) < interval {
				return
			}
			lastReport = time.Now()
			onProgress(ticket.Converting(i, total))
		})
		if err != nil {
			p.cleanupPartial(append(outputs, convertedFile{TempPath: dest, SourcePath: src}))
			return nil, Result{Failed: true, RetryClass: classifyConvertErr(err), FailedState: ticket.StateConverting, Reason: err.Error(), FailedFile: src}
		}
		outputs = append(outputs, convertedFile{TempPath: dest, SourcePath: src})
		if onProgress != nil {
			onProgress(ticket.Converting(i+1, total))
		}
	}

	return outputs, Result{}
}

func (p *Processor) cleanupPartial(outputs []convertedFile) {
	for _, f := range outputs {
		if err := os.Remove(f.TempPath); err != nil && !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("path", f.TempPath).Msg("failed to remove partial conversion output")
		}
	}
}

// place acquires the placement semaphore, places every converted file
// sequentially, and rolls back on any failure if EnableRollback is set.
func (p *Processor) place(ctx context.Context, req Request, converted []convertedFile, onProgress ProgressFunc) ([]string, Result) {
	select {
	case p.placementSem <- struct{}{}:
	case <-ctx.Done():
		return nil, Result{Failed: true, RetryClass: RetryTransient, FailedState: ticket.StatePlacing, Reason: "cancelled before placement permit acquired"}
	}
	defer func() { <-p.placementSem }()

	total := len(converted)
	var plan *placer.RollbackPlan
	if p.cfg.Placer.EnableRollback {
		plan = placer.NewPlan(req.TicketID)
	}

	destinations := destPathsFor(req, converted)
	placed := make([]string, 0, total)

	for i, c := range converted {
		select {
		case <-ctx.Done():
			return p.failPlacement(plan, ticket.StatePlacing, "cancelled", c.TempPath)
		default:
		}

		dest := destinations[i]
		if _, err := p.placer.Place(ctx, placer.Job{TicketID: req.TicketID, SourcePath: c.TempPath, DestPath: dest}, p.cfg.Placer, plan); err != nil {
			return p.failPlacement(plan, ticket.StatePlacing, err.Error(), c.TempPath)
		}
		placed = append(placed, dest)
		if onProgress != nil {
			onProgress(ticket.Placing(i+1, total, planID(plan)))
		}
	}

	return placed, Result{}
}

func (p *Processor) failPlacement(plan *placer.RollbackPlan, state ticket.StateKind, reason, file string) ([]string, Result) {
	res := Result{Failed: true, FailedState: state, Reason: reason, FailedFile: file, RetryClass: classifyPlaceErr(reason)}
	if plan != nil {
		rb := p.placer.Rollback(plan)
		res.Rollback = &rb
		if !rb.Success {
			p.log.Error().Strs("errors", errStrings(rb.Errors)).Msg("rollback had errors; original placement failure still dominates")
		}
	}
	return nil, res
}

// destPathsFor builds the final, user-facing destination path for each
// converted file, named from the original source file (and, when a
// FileMapping resolves it to an expected item, from that item's title/
// number) rather than from the temp dir's index-prefixed working name.
func destPathsFor(req Request, converted []convertedFile) []string {
	out := make([]string, len(converted))
	for i, c := range converted {
		out[i] = filepath.Join(req.DestDir, destFileName(req, c))
	}
	return out
}

// destFileName resolves the mapping for one converted file's original
// source path and, if it names a known expected item, renders a
// "NN - Title.ext" style destination name for it (spec §D.1's
// dest_filename/item_id routing). Falls back to the source file's own
// basename when no mapping applies, or when the ticket carries no
// expected-content items to name against.
func destFileName(req Request, c convertedFile) string {
	ext := filepath.Ext(c.SourcePath)
	fallback := filepath.Base(c.SourcePath)

	mapping := findFileMapping(req.FileMappings, c.SourcePath)
	if mapping == nil || req.Expected == nil {
		return fallback
	}
	for _, item := range req.Expected.Items {
		if item.ID != mapping.TicketItemID {
			continue
		}
		name := sanitizeFilename(item.Title)
		if name == "" {
			return fallback
		}
		if item.Number > 0 {
			return fmt.Sprintf("%02d - %s%s", item.Number, name, ext)
		}
		return name + ext
	}
	return fallback
}

// findFileMapping locates the mapping whose torrent-relative path refers
// to sourcePath, matched by basename since sourcePath is the file's
// absolute on-disk path while TorrentFilePath is the path as recorded
// inside the torrent.
func findFileMapping(mappings []textbrain.FileMapping, sourcePath string) *textbrain.FileMapping {
	base := filepath.Base(sourcePath)
	for i := range mappings {
		if filepath.Base(mappings[i].TorrentFilePath) == base {
			return &mappings[i]
		}
	}
	return nil
}

// sanitizeFilename strips path separators and control characters so an
// expected item's free-text title can never escape the destination
// directory or embed a nul byte.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, string(filepath.Separator), "-")
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0 {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

func planID(plan *placer.RollbackPlan) string {
	if plan == nil {
		return ""
	}
	return plan.ID.String()
}

func errStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

// classifyConvertErr and classifyPlaceErr implement the taxonomy in spec
// §7: unsupported-format and constraint violations are hard failures
// handled before this point; everything reaching here from the
// transcoder/placer itself (process exit, I/O) is transient unless it's
// an *transcoder.UnsupportedFormatError.
func classifyConvertErr(err error) RetryClass {
	var unsupported *transcoder.UnsupportedFormatError
	if asUnsupported(err, &unsupported) {
		return RetryHard
	}
	return RetryTransient
}

func asUnsupported(err error, target **transcoder.UnsupportedFormatError) bool {
	u, ok := err.(*transcoder.UnsupportedFormatError)
	if ok {
		*target = u
	}
	return ok
}

func classifyPlaceErr(reason string) RetryClass {
	// Checksum-mismatch and destination-exists failures are contract
	// violations (spec §7); everything else placement can fail with
	// (permission, disk full, cross-device edge cases we couldn't
	// recover from) is transient I/O.
	if reason == placer.ErrChecksumMismatch.Error() || reason == placer.ErrDestExists.Error() {
		return RetryHard
	}
	return RetryTransient
}
