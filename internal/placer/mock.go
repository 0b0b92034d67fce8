package placer

import "context"

// Mock is an in-memory Placer for processor tests.
type Mock struct {
	PlaceFn    func(job Job) error
	RollbackFn func(plan *RollbackPlan) RollbackResult
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Place(ctx context.Context, job Job, opts Options, plan *RollbackPlan) (string, error) {
	return m.PlaceWithProgress(ctx, job, opts, plan, nil)
}

func (m *Mock) PlaceWithProgress(ctx context.Context, job Job, opts Options, plan *RollbackPlan, onProgress func(int64, int64)) (string, error) {
	if onProgress != nil {
		onProgress(1, 1)
	}
	if m.PlaceFn != nil {
		if err := m.PlaceFn(job); err != nil {
			return "", err
		}
	}
	if plan != nil {
		plan.recordFile(job.DestPath, job.SourcePath)
	}
	return "", nil
}

func (m *Mock) Rollback(plan *RollbackPlan) RollbackResult {
	if m.RollbackFn != nil {
		return m.RollbackFn(plan)
	}
	return RollbackResult{Success: true, FilesRemoved: len(plan.PlacedFiles), DirsRemoved: len(plan.CreatedDirs)}
}

func (m *Mock) Validate(destDir string) error { return nil }

var _ Placer = (*Mock)(nil)
