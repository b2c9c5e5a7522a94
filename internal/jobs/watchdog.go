package jobs

import (
	"context"
	"errors"

	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/logging"
)

// Reap は上限時間を超えて running または queued のままのジョブを
// WATCHDOG_TIMEOUT で failed にします。遷移させた件数を返します。
func (q *Queue) Reap(ctx context.Context) (int, error) {
	now := q.now()
	reaped := 0

	// 実行中のプロセスを止める前に待機中のジョブを失敗させる
	if q.opts.MaxQueue > 0 {
		stale, err := q.store.ListByState(ctx, StateQueued, now.Add(-q.opts.MaxQueue))
		if err != nil {
			return reaped, err
		}
		for _, job := range stale {
			if q.reap(ctx, job, StateQueued) {
				reaped++
			}
		}
	}

	if q.opts.MaxRun > 0 {
		stale, err := q.store.ListByState(ctx, StateRunning, now.Add(-q.opts.MaxRun))
		if err != nil {
			return reaped, err
		}
		for _, job := range stale {
			if !q.reap(ctx, job, StateRunning) {
				continue
			}
			reaped++
			q.mu.Lock()
			var handle convert.Handle
			if ex, ok := q.running[job.ID]; ok {
				ex.orphaned = true
				handle = ex.handle
			}
			q.mu.Unlock()
			if handle != nil {
				handle.Terminate()
			}
		}
	}
	return reaped, nil
}

func (q *Queue) reap(ctx context.Context, job *Job, from State) bool {
	updated, err := q.store.Transition(ctx, job.ID, from, StateFailed, func(j *Job) {
		j.Stage = ""
		j.Error = &ErrorInfo{Code: CodeWatchdogTimeout, Message: "処理が制限時間内に終わりませんでした。"}
	})
	if err != nil {
		if !errors.Is(err, ErrStateConflict) && !errors.Is(err, ErrNotFound) {
			logging.Error("watchdog", "reap job failed", "job_id", job.ID, "error", err)
		}
		return false
	}
	logging.Error("watchdog", "job exceeded time limit", "job_id", job.ID, "kind", job.Kind, "state", from)
	q.completed(updated)
	return true
}

// Expire は保持期間を過ぎた終了済みジョブのレコードと出力ファイルを削除します。
func (q *Queue) Expire(ctx context.Context) (int, error) {
	if q.opts.Retention <= 0 {
		return 0, nil
	}
	cutoff := q.now().Add(-q.opts.Retention)
	expired := 0
	for _, state := range []State{StateSucceeded, StateFailed, StateCancelled} {
		jobs, err := q.store.ListByState(ctx, state, cutoff)
		if err != nil {
			return expired, err
		}
		for _, job := range jobs {
			if job.OutputArtifactID != "" {
				if err := q.artifacts.Delete(ctx, job.OutputArtifactID); err != nil {
					logging.Error("watchdog", "delete expired output failed", "job_id", job.ID, "artifact_id", job.OutputArtifactID, "error", err)
					continue
				}
			}
			if err := q.store.Delete(ctx, job.ID); err != nil {
				logging.Error("watchdog", "delete expired job failed", "job_id", job.ID, "error", err)
				continue
			}
			q.notify(job.ID)
			expired++
		}
	}
	if expired > 0 {
		logging.Info("watchdog", "expired jobs removed", "count", expired)
	}
	return expired, nil
}
