// Package maintenance はセッション破棄と定期メンテナンス（アイドルセッションの掃除、
// ジョブのウォッチドッグ、保持期間切れジョブの削除）を実行します。
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/yourusername/media-forge/internal/logging"
)

const (
	TaskSessionDestroy = "session:destroy"
	TaskSessionSweep   = "session:sweep"
	TaskJobsReap       = "jobs:reap"
	TaskJobsExpire     = "jobs:expire"
)

// Sessions はセッション破棄の操作です。
type Sessions interface {
	Destroy(ctx context.Context, id string) error
	Sweep(ctx context.Context) (int, error)
}

// Jobs はジョブの定期処理です。
type Jobs interface {
	Reap(ctx context.Context) (int, error)
	Expire(ctx context.Context) (int, error)
}

// Scheduler はセッション破棄の予約と定期処理の実行を担います。
type Scheduler interface {
	ScheduleDestroy(ctx context.Context, sessionID string) error
	Start() error
	Shutdown(ctx context.Context) error
}

// DestroyPayload はセッション破棄タスクのペイロードです。
type DestroyPayload struct {
	SessionID string `json:"sessionId"`
}

// Handlers はタスクの処理内容です。asynq とインライン実行の両方から使います。
type Handlers struct {
	sessions Sessions
	jobs     Jobs
}

// NewHandlers は Handlers を作成します。
func NewHandlers(sessions Sessions, jobs Jobs) (*Handlers, error) {
	if sessions == nil {
		return nil, errors.New("sessions is nil")
	}
	if jobs == nil {
		return nil, errors.New("jobs is nil")
	}
	return &Handlers{sessions: sessions, jobs: jobs}, nil
}

// Register は asynq のマルチプレクサにハンドラーを登録します。
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskSessionDestroy, h.handleDestroy)
	mux.HandleFunc(TaskSessionSweep, h.handleSweep)
	mux.HandleFunc(TaskJobsReap, h.handleReap)
	mux.HandleFunc(TaskJobsExpire, h.handleExpire)
}

func newDestroyTask(sessionID string) (*asynq.Task, error) {
	body, err := json.Marshal(DestroyPayload{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionDestroy, body), nil
}

func (h *Handlers) handleDestroy(ctx context.Context, task *asynq.Task) error {
	var payload DestroyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode destroy payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.SessionID == "" {
		return fmt.Errorf("missing sessionId in payload: %w", asynq.SkipRetry)
	}
	return h.destroy(ctx, payload.SessionID)
}

func (h *Handlers) destroy(ctx context.Context, sessionID string) error {
	if err := h.sessions.Destroy(ctx, sessionID); err != nil {
		logging.Error("maintenance", "session destroy failed", "session_id", sessionID, "error", err)
		return err
	}
	return nil
}

func (h *Handlers) handleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.sessions.Sweep(ctx)
	if err != nil {
		logging.Error("maintenance", "session sweep failed", "error", err)
	}
	return err
}

func (h *Handlers) handleReap(ctx context.Context, _ *asynq.Task) error {
	n, err := h.jobs.Reap(ctx)
	if err != nil {
		logging.Error("maintenance", "job reap failed", "error", err)
		return err
	}
	if n > 0 {
		logging.Info("maintenance", "stuck jobs reaped", "count", n)
	}
	return nil
}

func (h *Handlers) handleExpire(ctx context.Context, _ *asynq.Task) error {
	_, err := h.jobs.Expire(ctx)
	if err != nil {
		logging.Error("maintenance", "job expiry failed", "error", err)
	}
	return err
}

// runPeriodic は定期タスクを順に1回ずつ実行します。
func (h *Handlers) runPeriodic(ctx context.Context) {
	_ = h.handleReap(ctx, nil)
	_ = h.handleExpire(ctx, nil)
	_ = h.handleSweep(ctx, nil)
}
