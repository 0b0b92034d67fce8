package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/placer"
	"github.com/torrentino/torrentino/internal/transcoder"
)

func newTestProcessor(t *testing.T, cfg Config, tc transcoder.Transcoder, pl placer.Placer) *Processor {
	t.Helper()
	if cfg.MaxParallelConversions == 0 {
		cfg.MaxParallelConversions = 2
	}
	if cfg.MaxParallelPlacements == 0 {
		cfg.MaxParallelPlacements = 2
	}
	cfg.TempRoot = t.TempDir()
	auditH, writer := audit.New(&discardStore{}, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go writer.Run(ctx)
	return New(cfg, tc, pl, auditH, zerolog.Nop())
}

type discardStore struct{}

func (discardStore) Insert(audit.Envelope) error               { return nil }
func (discardStore) Query(audit.Filter) ([]audit.Record, error) { return nil, nil }
func (discardStore) Count(audit.Filter) (int64, error)          { return 0, nil }

func sourceFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("source"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths[i] = p
	}
	return paths
}

func TestProcess_HappyPath(t *testing.T) {
	p := newTestProcessor(t, Config{}, transcoder.NewMock(), placer.NewMock())
	req := Request{
		TicketID:    uuid.New(),
		SourceFiles: sourceFiles(t, "a.flac", "b.flac"),
		DestDir:     t.TempDir(),
	}

	res := p.Process(context.Background(), req, nil)
	if res.Failed {
		t.Fatalf("expected success, got failure: %+v", res)
	}
	if len(res.OutputPaths) != 2 {
		t.Fatalf("expected 2 output paths, got %d", len(res.OutputPaths))
	}
}

// All-or-nothing conversion: if the second of three files fails to
// convert, no files should be placed and the partial outputs from the
// first file should be cleaned up (spec §4.4).
func TestProcess_ConversionFailureIsAllOrNothing(t *testing.T) {
	var placed int32
	pl := placer.NewMock()
	pl.PlaceFn = func(job placer.Job) error {
		atomic.AddInt32(&placed, 1)
		return nil
	}

	tc := transcoder.NewMock()
	calls := 0
	tc.ConvertFn = func(job transcoder.Job) error {
		calls++
		if job.FileIndex == 1 {
			return errors.New("transcode exploded")
		}
		return os.WriteFile(job.DestPath, []byte("ok"), 0o644)
	}

	p := newTestProcessor(t, Config{}, tc, pl)
	req := Request{
		TicketID:    uuid.New(),
		SourceFiles: sourceFiles(t, "a.flac", "b.flac", "c.flac"),
		DestDir:     t.TempDir(),
	}

	res := p.Process(context.Background(), req, nil)
	if !res.Failed {
		t.Fatal("expected conversion failure")
	}
	if res.FailedState != "converting" {
		t.Errorf("FailedState = %s, want converting", res.FailedState)
	}
	if atomic.LoadInt32(&placed) != 0 {
		t.Errorf("expected no files placed after conversion failure, got %d", placed)
	}
}

// A placement failure with rollback enabled must unwind every file the
// plan recorded before the failure (spec scenario 6).
func TestProcess_PlacementFailureRollsBack(t *testing.T) {
	var rolledBack *placer.RollbackPlan
	pl := placer.NewMock()
	callIndex := 0
	pl.PlaceFn = func(job placer.Job) error {
		callIndex++
		if callIndex == 2 {
			return errors.New("EACCES")
		}
		return nil
	}
	pl.RollbackFn = func(plan *placer.RollbackPlan) placer.RollbackResult {
		rolledBack = plan
		return placer.RollbackResult{Success: true, FilesRemoved: len(plan.PlacedFiles), DirsRemoved: 0}
	}

	cfg := Config{Placer: placer.Options{EnableRollback: true}}
	p := newTestProcessor(t, cfg, transcoder.NewMock(), pl)
	req := Request{
		TicketID:    uuid.New(),
		SourceFiles: sourceFiles(t, "a.flac", "b.flac", "c.flac"),
		DestDir:     t.TempDir(),
	}

	res := p.Process(context.Background(), req, nil)
	if !res.Failed {
		t.Fatal("expected placement failure")
	}
	if res.FailedState != "placing" {
		t.Errorf("FailedState = %s, want placing", res.FailedState)
	}
	if res.Rollback == nil || !res.Rollback.Success {
		t.Fatalf("expected a successful rollback result, got %+v", res.Rollback)
	}
	if rolledBack == nil || len(rolledBack.PlacedFiles) != 1 {
		t.Fatalf("expected rollback plan to record exactly the 1 file placed before the failure, got %+v", rolledBack)
	}
}

// The conversion pool must never let more than MaxParallelConversions
// jobs run their transcode step concurrently (spec §8).
func TestProcess_ConversionPoolRespectsParallelismLimit(t *testing.T) {
	const limit = 2
	const jobs = 6

	var inFlight int32
	var maxObserved int32
	var mu sync.Mutex
	release := make(chan struct{})

	tc := transcoder.NewMock()
	tc.ConvertFn = func(job transcoder.Job) error {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxObserved {
			maxObserved = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt32(&inFlight, -1)
		return os.WriteFile(job.DestPath, []byte("ok"), 0o644)
	}

	p := newTestProcessor(t, Config{MaxParallelConversions: limit, MaxParallelPlacements: limit}, tc, placer.NewMock())

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := Request{
				TicketID:    uuid.New(),
				SourceFiles: sourceFiles(t, "only.flac"),
				DestDir:     t.TempDir(),
			}
			p.Process(context.Background(), req, nil)
		}()
	}

	// Let enough jobs pile up against the semaphore, then release them
	// all at once and confirm the limit was never exceeded.
	for atomic.LoadInt32(&inFlight) < limit {
	}
	close(release)
	wg.Wait()

	if maxObserved > limit {
		t.Errorf("observed %d concurrent conversions, want <= %d", maxObserved, limit)
	}
}
