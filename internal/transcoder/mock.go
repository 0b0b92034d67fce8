package transcoder

import (
	"context"
	"os"
)

// Mock is an in-memory Transcoder for processor tests that never shell
// out to a real ffmpeg binary.
type Mock struct {
	ProbeFn   func(path string) (Probe, error)
	ConvertFn func(job Job) error
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Probe(ctx context.Context, path string) (Probe, error) {
	if m.ProbeFn != nil {
		return m.ProbeFn(path)
	}
	return Probe{Path: path, Format: "mock", Supported: true, DurationMS: 1000}, nil
}

func (m *Mock) Convert(ctx context.Context, job Job) error {
	if m.ConvertFn != nil {
		return m.ConvertFn(job)
	}
	return os.WriteFile(job.DestPath, []byte("converted"), 0o644)
}

func (m *Mock) ConvertWithProgress(ctx context.Context, job Job, onProgress func(Progress)) error {
	if onProgress != nil {
		onProgress(Progress{CurrentFile: job.SourcePath, FileIndex: job.FileIndex, TotalFiles: job.TotalFiles, Percent: 100})
	}
	return m.Convert(ctx, job)
}

var _ Transcoder = (*Mock)(nil)
