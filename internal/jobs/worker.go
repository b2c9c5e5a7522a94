package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/logging"
	"github.com/yourusername/media-forge/internal/storage"
)

const (
	maxClaimAttempts = 5
	claimBackoff     = 20 * time.Millisecond
)

// worker はサブプールの待ち行列からジョブIDを受け取り、順に実行します。
func (q *Queue) worker(p *pool, n int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-p.ch:
			q.leaveQueue(id)
			q.process(id)
		}
	}
}

// process は1件のジョブを実行します。パニックはジョブの失敗として記録し、ワーカーは動き続けます。
func (q *Queue) process(id string) {
	ctx := context.WithoutCancel(q.ctx)
	if q.ctx.Err() != nil {
		q.interrupt(ctx, id, StateQueued)
		return
	}

	ex := &execution{}
	q.mu.Lock()
	if _, dup := q.running[id]; dup {
		q.mu.Unlock()
		logging.Error("queue", "duplicate dispatch ignored", "job_id", id)
		return
	}
	q.running[id] = ex
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, id)
		q.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			logging.Error("queue", "worker panic", "job_id", id, "panic", r, "stack", string(debug.Stack()))
			q.mu.Lock()
			handle := ex.handle
			q.mu.Unlock()
			if handle != nil {
				handle.Terminate()
			}
			q.fail(ctx, id, &ErrorInfo{Code: CodeWorkerPanic, Message: "内部エラーが発生しました。"})
		}
	}()

	// queued -> running の比較交換に成功したワーカーだけが実行する
	job, err := q.claim(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrStateConflict) && !errors.Is(err, ErrNotFound) {
			logging.Error("queue", "claim failed", "job_id", id, "error", err)
		}
		return
	}
	logging.Info("queue", "job started", "job_id", id, "kind", job.Kind)

	q.run(ctx, ex, job)
}

// claim はジョブを running に遷移させます。ストアの競合で確定できなかった場合は間隔を空けて再試行します。
func (q *Queue) claim(ctx context.Context, id string) (*Job, error) {
	backoff := claimBackoff
	for attempt := 1; ; attempt++ {
		job, err := q.store.Transition(ctx, id, StateQueued, StateRunning, func(j *Job) {
			j.Stage = StagePreparing
		})
		if !errors.Is(err, ErrContention) || attempt >= maxClaimAttempts {
			return job, err
		}
		logging.Warn("queue", "claim contended; retrying", "job_id", id, "attempt", attempt)
		select {
		case <-time.After(backoff):
		case <-q.ctx.Done():
			return nil, err
		}
		backoff *= 2
	}
}

func (q *Queue) run(ctx context.Context, ex *execution, job *Job) {
	input, err := q.artifacts.Get(ctx, job.InputArtifactID)
	if err != nil {
		q.fail(ctx, job.ID, &ErrorInfo{Code: CodeInputMissing, Message: "入力ファイルが見つかりません。"})
		return
	}
	workspace, err := q.artifacts.Workspace(job.SessionID, job.ID)
	if err != nil {
		logging.Error("queue", "workspace unavailable", "job_id", job.ID, "error", err)
		q.fail(ctx, job.ID, &ErrorInfo{Code: CodeStorageFailure, Message: "作業領域を確保できませんでした。"})
		return
	}
	defer func() {
		_ = q.artifacts.ReleaseWorkspace(job.SessionID, job.ID)
	}()

	q.setStage(ctx, job.ID, StageConverting)
	handle, err := q.adapter.Start(q.ctx, convert.Request{
		Kind:      job.Kind,
		InputPath: input.Location,
		OutputDir: workspace,
		Options:   job.Options,
		OnStage: func(stage string) {
			q.setStage(ctx, job.ID, stage)
		},
	})
	if err != nil {
		q.failWithError(ctx, job.ID, err)
		return
	}

	q.mu.Lock()
	ex.handle = handle
	cancelled := ex.cancelRequested
	q.mu.Unlock()
	if cancelled {
		handle.Terminate()
	}

	output, runErr := handle.Wait()

	q.mu.Lock()
	cancelled = ex.cancelRequested
	orphaned := ex.orphaned
	q.mu.Unlock()

	switch {
	case orphaned:
		logging.Info("queue", "orphaned process exited; result discarded", "job_id", job.ID)
		return
	case cancelled:
		q.finish(ctx, job.ID, StateCancelled, func(j *Job) { j.Stage = "" })
		return
	case runErr != nil:
		if q.ctx.Err() != nil {
			q.interrupt(ctx, job.ID, StateRunning)
			return
		}
		q.failWithError(ctx, job.ID, runErr)
		return
	}

	q.setStage(ctx, job.ID, StageStoring)
	artifact, err := q.artifacts.Adopt(ctx, job.SessionID, storage.RoleOutput, output, filepath.Base(output))
	if err != nil {
		if errors.Is(err, storage.ErrSessionClosed) {
			logging.Info("queue", "session closed before output was stored", "job_id", job.ID)
		} else {
			logging.Error("queue", "store output failed", "job_id", job.ID, "error", err)
		}
		q.fail(ctx, job.ID, &ErrorInfo{Code: CodeStorageFailure, Message: "変換結果を保存できませんでした。"})
		return
	}

	meta := computeMeta(input.Size, artifact.Size)
	done := q.finish(ctx, job.ID, StateSucceeded, func(j *Job) {
		j.Stage = StageCompleted
		j.OutputArtifactID = artifact.ID
		j.Meta = meta
		j.Error = nil
	})
	if !done {
		// 強制キャンセルやウォッチドッグに先を越された場合、出力は誰からも参照されない
		if err := q.artifacts.Delete(ctx, artifact.ID); err != nil {
			logging.Error("queue", "discard output failed", "job_id", job.ID, "artifact_id", artifact.ID, "error", err)
		}
	}
}

// finish は running から終了状態へ遷移させます。遷移に成功した場合 true を返します。
func (q *Queue) finish(ctx context.Context, id string, to State, mutate func(*Job)) bool {
	job, err := q.store.Transition(ctx, id, StateRunning, to, mutate)
	if err != nil {
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
			logging.Info("queue", "job already finalized elsewhere", "job_id", id, "target", to)
		} else {
			logging.Error("queue", "finalize job failed", "job_id", id, "target", to, "error", err)
		}
		return false
	}
	q.completed(job)
	logging.Info("queue", "job finished", "job_id", id, "kind", job.Kind, "state", job.State)
	return true
}

func (q *Queue) fail(ctx context.Context, id string, info *ErrorInfo) bool {
	return q.finish(ctx, id, StateFailed, func(j *Job) {
		j.Stage = ""
		j.Error = info
	})
}

// failWithError は変換エラーの分類コードと文言をそのまま記録します。
func (q *Queue) failWithError(ctx context.Context, id string, err error) {
	var convErr *convert.Error
	var verr *convert.ValidationError
	switch {
	case errors.As(err, &convErr):
		q.fail(ctx, id, &ErrorInfo{Code: string(convErr.Code), Message: convErr.Message})
	case errors.As(err, &verr):
		q.fail(ctx, id, &ErrorInfo{Code: CodeInvalidInput, Message: verr.Error()})
	case errors.Is(err, convert.ErrTerminated):
		q.fail(ctx, id, &ErrorInfo{Code: CodeInterrupted, Message: "処理が中断されました。"})
	default:
		logging.Error("queue", "conversion failed", "job_id", id, "error", err)
		q.fail(ctx, id, &ErrorInfo{Code: string(convert.CodeToolFailure), Message: "変換に失敗しました。"})
	}
}

func (q *Queue) setStage(ctx context.Context, id, stage string) {
	if _, err := q.store.Update(ctx, id, func(j *Job) { j.Stage = stage }); err != nil && !errors.Is(err, ErrNotFound) {
		logging.Error("queue", "update stage failed", "job_id", id, "stage", stage, "error", err)
	}
}
