// Package placer copies or moves converted files into a ticket's
// destination directory, tracking a RollbackPlan sufficient to undo a
// partial placement. Grounded on spec §4.4's placement phase and
// §3's RollbackPlan type; the atomic-rename-with-EXDEV-fallback and
// buffered-copy pattern follows the teacher's internal/torrent
// split_storage.go file-move helpers, adapted from multi-volume torrent
// piece storage to single-destination ticket output placement.
package placer

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RollbackPlan is the ordered record of what a placement job did, enough
// to undo it. Lives only in memory for the duration of a placement job
// (spec §3).
type RollbackPlan struct {
	ID           uuid.UUID
	TicketID     uuid.UUID
	PlacedFiles  []PlacedFile
	CreatedDirs  []string // ordered by creation, deepest last
}

// PlacedFile records one file the plan can unwind, including the
// original source path if its cleanup was deferred to the caller.
type PlacedFile struct {
	DestPath   string
	SourcePath string // original temp-dir path, empty if already unlinked
}

// NewPlan starts an empty rollback plan for one placement job.
func NewPlan(ticketID uuid.UUID) *RollbackPlan {
	return &RollbackPlan{ID: uuid.New(), TicketID: ticketID}
}

func (p *RollbackPlan) recordFile(destPath, sourcePath string) {
	p.PlacedFiles = append(p.PlacedFiles, PlacedFile{DestPath: destPath, SourcePath: sourcePath})
}

func (p *RollbackPlan) recordDir(dir string) {
	p.CreatedDirs = append(p.CreatedDirs, dir)
}

// Job is one file to place.
type Job struct {
	TicketID      uuid.UUID
	SourcePath    string // temp-dir output from conversion
	DestPath      string // final destination path
	PriorChecksum string // expected checksum from a previous copy attempt, if verifying
}

// Options controls placement semantics, mirroring the [placer] config
// table in spec §6.
type Options struct {
	PreferAtomicMoves bool
	VerifyChecksums   bool
	ChecksumAlgorithm string // "sha256" or "md5"
	CreateParents     bool
	DirectoryMode     os.FileMode
	Overwrite         bool
	EnableRollback    bool
	CopyBufferBytes   int
}

// RollbackResult reports what Rollback actually undid.
type RollbackResult struct {
	FilesRemoved int
	DirsRemoved  int
	Errors       []error
	Success      bool
}

// ErrDestExists is returned when the destination exists and Overwrite is
// false, before any write happens (spec §4.4).
var ErrDestExists = errors.New("placer: destination exists and overwrite is disabled")

// ErrChecksumMismatch is a hard failure: the copied file doesn't match
// the expected checksum.
var ErrChecksumMismatch = errors.New("placer: checksum mismatch after copy")

// Placer is the external collaborator the placement pool drives.
type Placer interface {
	Place(ctx context.Context, job Job, opts Options, plan *RollbackPlan) (string, error)
	PlaceWithProgress(ctx context.Context, job Job, opts Options, plan *RollbackPlan, onProgress func(bytesCopied, totalBytes int64)) (string, error)
	Rollback(plan *RollbackPlan) RollbackResult
	Validate(destDir string) error
}

// FSPlacer is the default filesystem-backed Placer.
type FSPlacer struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *FSPlacer {
	return &FSPlacer{log: log.With().Str("component", "placer").Logger()}
}

func (p *FSPlacer) Validate(destDir string) error {
	info, err := os.Stat(destDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // CreateParents will make it
		}
		return fmt.Errorf("placer: stat dest dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("placer: destination %s is not a directory", destDir)
	}
	return nil
}

func (p *FSPlacer) Place(ctx context.Context, job Job, opts Options, plan *RollbackPlan) (string, error) {
	return p.PlaceWithProgress(ctx, job, opts, plan, nil)
}

func (p *FSPlacer) PlaceWithProgress(ctx context.Context, job Job, opts Options, plan *RollbackPlan, onProgress func(bytesCopied, totalBytes int64)) (string, error) {
	if !opts.Overwrite {
		if _, err := os.Stat(job.DestPath); err == nil {
			return "", ErrDestExists
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("placer: stat destination: %w", err)
		}
	}

	if opts.CreateParents {
		if err := p.ensureParents(job.DestPath, opts.DirectoryMode, opts.EnableRollback, plan); err != nil {
			return "", err
		}
	}

	if opts.PreferAtomicMoves {
		if err := os.Rename(job.SourcePath, job.DestPath); err == nil {
			if opts.EnableRollback && plan != nil {
				plan.recordFile(job.DestPath, "")
			}
			return "", nil
		} else if !isCrossDevice(err) {
			return "", fmt.Errorf("placer: rename %s -> %s: %w", job.SourcePath, job.DestPath, err)
		}
		p.log.Debug().Str("src", job.SourcePath).Str("dst", job.DestPath).Msg("cross-device rename, falling back to buffered copy")
	}

	sum, err := p.bufferedCopy(ctx, job.SourcePath, job.DestPath, opts, onProgress)
	if err != nil {
		return "", err
	}
	if opts.EnableRollback && plan != nil {
		plan.recordFile(job.DestPath, job.SourcePath)
	}

	if opts.VerifyChecksums {
		if job.PriorChecksum != "" && sum != job.PriorChecksum {
			return sum, ErrChecksumMismatch
		}
	}

	if err := os.Remove(job.SourcePath); err != nil && !os.IsNotExist(err) {
		p.log.Warn().Err(err).Str("path", job.SourcePath).Msg("failed to unlink source after copy")
	}

	return sum, nil
}

// ensureParents walks up from destPath creating any missing directories,
// recording each newly-created one (deepest last) so Rollback can rmdir
// them in reverse order.
func (p *FSPlacer) ensureParents(destPath string, mode os.FileMode, recordPlan bool, plan *RollbackPlan) error {
	dir := filepath.Dir(destPath)
	var toCreate []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("placer: stat %s: %w", d, err)
		}
		toCreate = append(toCreate, d)
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
	}
	// toCreate is deepest-first as collected (outermost missing dir
	// last); reverse so we mkdir top-down and record deepest-last.
	for i := len(toCreate) - 1; i >= 0; i-- {
		if err := os.Mkdir(toCreate[i], mode); err != nil && !os.IsExist(err) {
			return fmt.Errorf("placer: mkdir %s: %w", toCreate[i], err)
		}
		if recordPlan && plan != nil {
			plan.recordDir(toCreate[i])
		}
	}
	return nil
}

func (p *FSPlacer) bufferedCopy(ctx context.Context, src, dst string, opts Options, onProgress func(int64, int64)) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("placer: open source: %w", err)
	}
	defer in.Close()

	stat, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("placer: stat source: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("placer: create destination: %w", err)
	}
	defer out.Close()

	bufSize := opts.CopyBufferBytes
	if bufSize <= 0 {
		bufSize = 8 << 20
	}
	buf := make([]byte, bufSize)

	var hasher hash.Hash
	if opts.VerifyChecksums {
		if opts.ChecksumAlgorithm == "md5" {
			hasher = md5.New()
		} else {
			hasher = sha256.New()
		}
	}

	var writer io.Writer = out
	if hasher != nil {
		writer = io.MultiWriter(out, hasher)
	}

	var copied int64
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("placer: write destination: %w", werr)
			}
			copied += int64(n)
			if onProgress != nil {
				onProgress(copied, stat.Size())
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("placer: read source: %w", rerr)
		}
	}

	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("placer: fsync destination: %w", err)
	}

	if hasher != nil {
		return hex.EncodeToString(hasher.Sum(nil)), nil
	}
	return "", nil
}

// Rollback undoes a placement plan: unlink every file in reverse order,
// then rmdir every created directory in reverse (deepest-first) order,
// ignoring ENOTEMPTY (a non-empty directory signals a pre-existing path
// this plan didn't fully own). Collected errors never overshadow the
// caller's original failure cause.
func (p *FSPlacer) Rollback(plan *RollbackPlan) RollbackResult {
	result := RollbackResult{Success: true}
	if plan == nil {
		return result
	}

	for i := len(plan.PlacedFiles) - 1; i >= 0; i-- {
		f := plan.PlacedFiles[i]
		if err := os.Remove(f.DestPath); err != nil && !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("rollback unlink %s: %w", f.DestPath, err))
			result.Success = false
			continue
		}
		result.FilesRemoved++
	}

	dirs := append([]string(nil), plan.CreatedDirs...)
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		if err := os.Remove(d); err != nil {
			if errors.Is(err, syscall.ENOTEMPTY) || isNotEmptyDir(err) {
				continue // pre-existing path with other content; not our error to report
			}
			if os.IsNotExist(err) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Errorf("rollback rmdir %s: %w", d, err))
			result.Success = false
			continue
		}
		result.DirsRemoved++
	}

	return result
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func isNotEmptyDir(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr.Err, syscall.ENOTEMPTY)
	}
	return false
}
