package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yourusername/media-forge/internal/logging"
)

// Inline は Redis を使わずにプロセス内のゴルーチンで同じ処理を実行します。
type Inline struct {
	handlers *Handlers
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	stopped bool
}

// NewInline は Inline を作成します。
func NewInline(interval time.Duration, handlers *Handlers) (*Inline, error) {
	if handlers == nil {
		return nil, errors.New("handlers is nil")
	}
	if interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inline{handlers: handlers, interval: interval, ctx: ctx, cancel: cancel}, nil
}

// Start は定期処理のゴルーチンを起動します。
func (i *Inline) Start() error {
	i.once.Do(func() {
		i.wg.Add(1)
		go i.loop()
		logging.Info("maintenance", "inline maintenance started", "interval", i.interval)
	})
	return nil
}

func (i *Inline) loop() {
	defer i.wg.Done()
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			i.handlers.runPeriodic(i.ctx)
		}
	}
}

// ScheduleDestroy はセッション破棄をバックグラウンドで実行します。
func (i *Inline) ScheduleDestroy(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return errors.New("maintenance is stopped")
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		_ = i.handlers.destroy(context.WithoutCancel(i.ctx), sessionID)
	}()
	return nil
}

// Shutdown は定期処理を止め、実行中の破棄処理の完了を待ちます。
func (i *Inline) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	i.stopped = true
	i.mu.Unlock()
	i.cancel()
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
