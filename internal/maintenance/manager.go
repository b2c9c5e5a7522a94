package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/media-forge/internal/logging"
)

const destroyMaxRetry = 3

// Manager は asynq を使ってセッション破棄と定期処理を実行します。
// セッション表はプロセス内にあるため、キュー名にインスタンスIDを含めて自インスタンスのタスクだけを処理します。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	queue     string
}

// NewManager は Manager を初期化します。
func NewManager(redisURL, instanceID string, interval time.Duration, handlers *Handlers) (*Manager, error) {
	if handlers == nil {
		return nil, errors.New("handlers is nil")
	}
	if instanceID == "" {
		return nil, errors.New("instance id is empty")
	}
	if interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	queue := "maintenance:" + instanceID
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			queue: 1,
		},
	})
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	cronspec := fmt.Sprintf("@every %s", interval)
	for _, taskType := range []string{TaskJobsReap, TaskJobsExpire, TaskSessionSweep} {
		if _, err := scheduler.Register(cronspec, asynq.NewTask(taskType, nil), asynq.Queue(queue), asynq.MaxRetry(0), asynq.Unique(interval)); err != nil {
			return nil, fmt.Errorf("register %s: %w", taskType, err)
		}
	}

	return &Manager{
		client:    asynq.NewClient(opt),
		server:    server,
		mux:       mux,
		scheduler: scheduler,
		queue:     queue,
	}, nil
}

// Start はワーカーサーバーとスケジューラーを起動します。
func (m *Manager) Start() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := m.scheduler.Start(); err != nil {
		m.server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	logging.Info("maintenance", "asynq maintenance started", "queue", m.queue)
	return nil
}

// ScheduleDestroy はセッション破棄タスクを投入します。同じセッションの重複投入は無視されます。
func (m *Manager) ScheduleDestroy(ctx context.Context, sessionID string) error {
	task, err := newDestroyTask(sessionID)
	if err != nil {
		return err
	}
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(m.queue),
		asynq.TaskID("destroy:"+sessionID),
		asynq.MaxRetry(destroyMaxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue destroy task: %w", err)
	}
	return nil
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}
