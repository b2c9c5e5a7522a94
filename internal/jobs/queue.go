// Package jobs は変換ジョブの状態管理とサブプール単位のワーカー実行を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/logging"
	"github.com/yourusername/media-forge/internal/metrics"
	"github.com/yourusername/media-forge/internal/storage"
)

const waitPollInterval = time.Second

// Artifacts はキューが使う成果物ストアの操作です。
type Artifacts interface {
	Get(ctx context.Context, artifactID string) (*storage.Artifact, error)
	Adopt(ctx context.Context, sessionID string, role storage.Role, srcPath, name string) (*storage.Artifact, error)
	Delete(ctx context.Context, artifactID string) error
	Workspace(sessionID, jobID string) (string, error)
	ReleaseWorkspace(sessionID, jobID string) error
}

// PoolConfig はサブプールのワーカー数と待ち行列の深さです。
type PoolConfig struct {
	Workers int
	Depth   int
}

// Options は Queue の設定です。
type Options struct {
	Pools     map[convert.Class]PoolConfig
	Retention time.Duration // 終了済みジョブの保持期間
	MaxRun    time.Duration // 実行中のまま許容する最大時間
	MaxQueue  time.Duration // 待機中のまま許容する最大時間
	Metrics   metrics.JobMetrics
}

// SubmitRequest はジョブ投入の内容です。
type SubmitRequest struct {
	SessionID       string
	Kind            convert.Kind
	InputArtifactID string
	Options         convert.Options
}

// PoolStats はサブプールの状態です。
type PoolStats struct {
	Class   convert.Class `json:"class"`
	Workers int           `json:"workers"`
	Depth   int           `json:"depth"`
	Queued  int           `json:"queued"`
}

// pool はリソースクラスごとのサブプールです。
// ch にはキャンセル済みのジョブIDが残ることがあるため、受付上限は pending（待機中の生きたジョブ数）で判定する。
type pool struct {
	class   convert.Class
	workers int
	depth   int
	ch      chan string
	pending int // q.mu で保護
}

// execution は実行中ジョブのハンドルとキャンセル要求を保持します。
type execution struct {
	handle          convert.Handle
	cancelRequested bool
	orphaned        bool
}

// Queue はジョブの投入・実行・キャンセルを管理します。
type Queue struct {
	store     Store
	artifacts Artifacts
	adapter   convert.Adapter
	metrics   metrics.JobMetrics
	opts      Options
	now       func() time.Time

	pools map[convert.Class]*pool

	mu       sync.Mutex
	running  map[string]*execution
	waiters  map[string]chan struct{}
	queuedIn map[string]*pool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewQueue は Queue を初期化します。ワーカーは Start で起動します。
func NewQueue(store Store, artifacts Artifacts, adapter convert.Adapter, opts Options) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if artifacts == nil {
		return nil, errors.New("artifacts is nil")
	}
	if adapter == nil {
		return nil, errors.New("adapter is nil")
	}
	if len(opts.Pools) == 0 {
		return nil, errors.New("no worker pools configured")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	pools := make(map[convert.Class]*pool, len(opts.Pools))
	for class, cfg := range opts.Pools {
		if cfg.Workers <= 0 || cfg.Depth <= 0 {
			return nil, fmt.Errorf("pool %s: workers and depth must be positive", class)
		}
		pools[class] = &pool{class: class, workers: cfg.Workers, depth: cfg.Depth, ch: make(chan string, 2*cfg.Depth)}
	}
	for _, kind := range convert.Kinds() {
		if _, ok := pools[kind.Class()]; !ok {
			return nil, fmt.Errorf("no pool configured for class %s", kind.Class())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:     store,
		artifacts: artifacts,
		adapter:   adapter,
		metrics:   opts.Metrics,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		pools:     pools,
		running:   make(map[string]*execution),
		waiters:   make(map[string]chan struct{}),
		queuedIn:  make(map[string]*pool),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start はサブプールごとのワーカーを起動します。
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for _, p := range q.pools {
		for i := 0; i < p.workers; i++ {
			q.wg.Add(1)
			go q.worker(p, i)
		}
		logging.Info("queue", "pool started", "class", p.class, "workers", p.workers, "depth", p.depth)
	}
}

// Submit はジョブを検証して待ち行列に入れます。変換の完了は待ちません。
// 待ち行列が満杯の場合はレコードを残さずに ErrOverloaded を返します。
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if !req.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown conversion kind %q", req.Kind)}
	}
	input, err := q.artifacts.Get(ctx, req.InputArtifactID)
	if err != nil || input.SessionID != req.SessionID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, &ValidationError{Field: "inputArtifactId", Message: "input artifact not found", Err: storage.ErrNotFound}
	}
	opts, err := convert.Normalize(req.Kind, req.Options, input.Kind.Format)
	if err != nil {
		var verr *convert.ValidationError
		if errors.As(err, &verr) {
			return nil, &ValidationError{Field: verr.Field, Message: verr.Message, Err: err}
		}
		return nil, err
	}
	p := q.pools[req.Kind.Class()]

	job := &Job{
		ID:              uuid.NewString(),
		SessionID:       req.SessionID,
		Kind:            req.Kind,
		InputArtifactID: input.ID,
		Options:         opts,
		State:           StateQueued,
		Stage:           StageQueued,
		SubmittedAt:     q.now(),
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if !q.enqueue(p, job.ID) {
		if err := q.store.Delete(context.WithoutCancel(ctx), job.ID); err != nil {
			logging.Error("queue", "failed to drop rejected job", "job_id", job.ID, "error", err)
		}
		q.metrics.IncJobsRejected(string(req.Kind), "overloaded")
		return nil, ErrOverloaded
	}
	if q.closed.Load() {
		// Shutdown が待ち行列を空にした後に積まれた可能性がある
		q.interrupt(context.WithoutCancel(ctx), job.ID, StateQueued)
		return nil, ErrClosed
	}

	q.metrics.IncJobsSubmitted(string(req.Kind))
	logging.Info("queue", "job queued", "job_id", job.ID, "kind", job.Kind, "session_id", job.SessionID)
	return job.clone(), nil
}

// enqueue は待機中のジョブ数が上限未満であれば ID を待ち行列に積みます。
func (q *Queue) enqueue(p *pool, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.pending >= p.depth {
		return false
	}
	select {
	case p.ch <- id:
	default:
		// 取り出されていないキャンセル済みIDで埋まっている
		return false
	}
	p.pending++
	q.queuedIn[id] = p
	q.metrics.SetQueueDepth(string(p.class), p.pending)
	return true
}

// leaveQueue はジョブを待機中の数から外します。ワーカーが取り出したときと、待機中のまま終了したときに呼ばれます。
func (q *Queue) leaveQueue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.queuedIn[id]
	if !ok {
		return
	}
	delete(q.queuedIn, id)
	p.pending--
	q.metrics.SetQueueDepth(string(p.class), p.pending)
}

// Status はジョブの現在状態を返します。
func (q *Queue) Status(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// List は指定IDのジョブを返します。存在しないIDは無視します。
func (q *Queue) List(ctx context.Context, ids []string) ([]*Job, error) {
	list := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		list = append(list, job)
	}
	return list, nil
}

// Cancel はジョブのキャンセルを要求します。
// 待機中のジョブは即座に cancelled になり、実行中のジョブは外部プロセスの終了後に cancelled になります。
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	q.signalCancel(id)

	job, err := q.store.Transition(ctx, id, StateQueued, StateCancelled, func(j *Job) {
		j.Stage = ""
	})
	if err == nil {
		q.completed(job)
		logging.Info("queue", "queued job cancelled", "job_id", id)
		return job, nil
	}
	if !errors.Is(err, ErrStateConflict) {
		return nil, err
	}

	// 既に実行中（または終了済み）。実行登録と状態遷移の間に割り込んだ場合に備えて再度通知する
	q.signalCancel(id)
	return q.store.Get(ctx, id)
}

func (q *Queue) signalCancel(id string) {
	q.mu.Lock()
	ex, ok := q.running[id]
	var handle convert.Handle
	if ok {
		ex.cancelRequested = true
		handle = ex.handle
	}
	q.mu.Unlock()
	if handle != nil {
		handle.Terminate()
	}
}

// ForceCancel は実行中のジョブを直ちに cancelled にします。
// 外部プロセスは孤立したものとして扱い、後から届いた結果は破棄されます。
func (q *Queue) ForceCancel(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Transition(ctx, id, StateRunning, StateCancelled, func(j *Job) {
		j.Stage = ""
	})
	if errors.Is(err, ErrStateConflict) {
		job, err = q.store.Transition(ctx, id, StateQueued, StateCancelled, func(j *Job) {
			j.Stage = ""
		})
	}
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return q.store.Get(ctx, id)
		}
		return nil, err
	}

	q.mu.Lock()
	ex, ok := q.running[id]
	var handle convert.Handle
	if ok {
		ex.cancelRequested = true
		ex.orphaned = true
		handle = ex.handle
	}
	q.mu.Unlock()
	if handle != nil {
		handle.Terminate()
		logging.Error("queue", "job force-cancelled with process still running; result will be discarded", "job_id", id, "kind", job.Kind)
	}
	q.completed(job)
	return job, nil
}

// Wait はジョブが終了状態になるか ctx が終了するまで待ちます。
func (q *Queue) Wait(ctx context.Context, id string) (*Job, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		ch := q.waiter(id)
		job, err := q.store.Get(ctx, id)
		if err != nil {
			q.dropWaiter(id, ch)
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

// Forget は終了済みジョブのレコードを削除します。
func (q *Queue) Forget(ctx context.Context, id string) error {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !job.State.Terminal() {
		return &TransitionError{JobID: id, From: job.State, To: job.State, Current: job.State}
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	q.notify(id)
	return nil
}

// Stats はサブプールごとの状態を返します。
func (q *Queue) Stats() []PoolStats {
	stats := make([]PoolStats, 0, len(q.pools))
	for _, class := range convert.Classes() {
		p, ok := q.pools[class]
		if !ok {
			continue
		}
		q.mu.Lock()
		queued := p.pending
		q.mu.Unlock()
		stats = append(stats, PoolStats{Class: class, Workers: p.workers, Depth: p.depth, Queued: queued})
	}
	return stats
}

// Running は実行登録中のジョブ数を返します。
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Shutdown はワーカーを停止します。実行中の外部プロセスは強制終了され、
// このキューが受け付けた実行中・待機中のジョブは INTERRUPTED として failed になります。
func (q *Queue) Shutdown(ctx context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("workers did not stop: %w", ctx.Err())
	}

	storeCtx := context.WithoutCancel(ctx)
	for _, p := range q.pools {
	drain:
		for {
			select {
			case id := <-p.ch:
				q.interrupt(storeCtx, id, StateQueued)
			default:
				break drain
			}
		}
	}
	// 停止を待ちきれなかったワーカーが抱えているジョブ。ストアを共有する他インスタンスのジョブには触れない
	q.mu.Lock()
	leftovers := make([]string, 0, len(q.running))
	for id, ex := range q.running {
		if !ex.orphaned {
			leftovers = append(leftovers, id)
		}
	}
	q.mu.Unlock()
	for _, id := range leftovers {
		q.interrupt(storeCtx, id, StateRunning)
		q.interrupt(storeCtx, id, StateQueued)
	}
	logging.Info("queue", "queue stopped")
	return waitErr
}

func (q *Queue) interrupt(ctx context.Context, id string, from State) {
	job, err := q.store.Transition(ctx, id, from, StateFailed, func(j *Job) {
		j.Stage = ""
		j.Error = &ErrorInfo{Code: CodeInterrupted, Message: "サーバーの停止により処理が中断されました。"}
	})
	if err != nil {
		return
	}
	q.completed(job)
}

// completed は終了状態への遷移後の共通処理です。
func (q *Queue) completed(job *Job) {
	if job == nil {
		return
	}
	q.leaveQueue(job.ID)
	q.metrics.IncJobsCompleted(string(job.Kind), string(job.State))
	if !job.StartedAt.IsZero() && !job.FinishedAt.IsZero() {
		q.metrics.ObserveJobDuration(string(job.Kind), job.FinishedAt.Sub(job.StartedAt).Seconds())
	}
	q.notify(job.ID)
}

func (q *Queue) waiter(id string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.waiters[id]
	if !ok {
		ch = make(chan struct{})
		q.waiters[id] = ch
	}
	return ch
}

func (q *Queue) dropWaiter(id string, ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.waiters[id]; ok && current == ch {
		close(ch)
		delete(q.waiters, id)
	}
}

func (q *Queue) notify(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.waiters[id]; ok {
		close(ch)
		delete(q.waiters, id)
	}
}
