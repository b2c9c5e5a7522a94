// Package session はセッション単位のアップロード・ジョブ・成果物の所有関係と、
// セッション終了時の一括破棄を管理します。
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/logging"
	"github.com/yourusername/media-forge/internal/metrics"
	"github.com/yourusername/media-forge/internal/storage"
)

var (
	// ErrNotFound はセッション（または所有していないリソース）が存在しないことを表します。
	ErrNotFound = errors.New("session not found")
	// ErrTerminating はセッションが破棄処理に入っていることを表します。
	ErrTerminating = errors.New("session is terminating")
	// ErrArtifactInUse は実行中のジョブが参照している成果物を削除しようとしたことを表します。
	ErrArtifactInUse = errors.New("artifact is referenced by an active job")
)

// 破棄理由
const (
	ReasonLogout   = "logout"
	ReasonIdle     = "idle"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

const defaultSweepConcurrency = 4

// State はセッションの状態です。
type State string

const (
	StateActive      State = "active"
	StateTerminating State = "terminating"
)

// ArtifactStore はセッションが使う成果物ストアの操作です。
type ArtifactStore interface {
	Put(ctx context.Context, sessionID string, role storage.Role, name string, r io.Reader) (*storage.Artifact, error)
	Get(ctx context.Context, artifactID string) (*storage.Artifact, error)
	Open(ctx context.Context, artifactID string) (*storage.Artifact, *os.File, error)
	List(ctx context.Context, sessionID string) ([]*storage.Artifact, error)
	Delete(ctx context.Context, artifactID string) error
	DeleteAll(ctx context.Context, sessionID string) error
}

// JobQueue はセッションが使うジョブキューの操作です。
type JobQueue interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, ids []string) ([]*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
	ForceCancel(ctx context.Context, id string) (*jobs.Job, error)
	Wait(ctx context.Context, id string) (*jobs.Job, error)
	Forget(ctx context.Context, id string) error
}

// Options は Manager の設定です。
type Options struct {
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	TeardownGrace    time.Duration
	SweepConcurrency int
	Metrics          metrics.SessionMetrics
}

// Info はセッションの公開情報です。
type Info struct {
	ID        string    `json:"sessionId"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Jobs      int       `json:"jobs"`
}

// Stats はセッション表の集計です。
type Stats struct {
	Active      int `json:"active"`
	Terminating int `json:"terminating"`
}

type session struct {
	id        string
	createdAt time.Time

	mu            sync.Mutex
	state         State
	lastSeen      time.Time
	terminatingAt time.Time
	jobIDs        []string
	destroying    bool
	destroyDone   chan struct{}
	destroyErr    error
}

func (s *session) info() *Info {
	return &Info{ID: s.id, State: s.state, CreatedAt: s.createdAt, LastSeen: s.lastSeen, Jobs: len(s.jobIDs)}
}

func (s *session) owns(jobID string) bool {
	for _, id := range s.jobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}

func (s *session) drop(jobID string) {
	for i, id := range s.jobIDs {
		if id == jobID {
			s.jobIDs = append(s.jobIDs[:i], s.jobIDs[i+1:]...)
			return
		}
	}
}

// Manager はセッション表を保持し、セッションの作成から破棄までを扱います。
type Manager struct {
	artifacts ArtifactStore
	queue     JobQueue
	opts      Options
	metrics   metrics.SessionMetrics
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager は Manager を作成します。
func NewManager(artifacts ArtifactStore, queue JobQueue, opts Options) (*Manager, error) {
	if artifacts == nil {
		return nil, errors.New("artifact store is nil")
	}
	if queue == nil {
		return nil, errors.New("job queue is nil")
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = defaultSweepConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Manager{
		artifacts: artifacts,
		queue:     queue,
		opts:      opts,
		metrics:   opts.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*session),
	}, nil
}

// Create は新しいセッションを作成します。
func (m *Manager) Create(ctx context.Context) (*Info, error) {
	now := m.now()
	s := &session{id: uuid.NewString(), createdAt: now, lastSeen: now, state: StateActive}

	m.mu.Lock()
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessionsActive(active)
	logging.Info("session", "session created", "session_id", s.id)
	return s.info(), nil
}

// Touch はアイドル時間の計測を更新します。破棄処理中のセッションには ErrTerminating を返します。
func (m *Manager) Touch(id string) (*Info, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrTerminating
	}
	s.lastSeen = m.now()
	return s.info(), nil
}

// Lookup はセッション情報を返します。
func (m *Manager) Lookup(id string) (*Info, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) active(id string) (*session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrTerminating
	}
	return s, nil
}

// Upload は入力ファイルをセッションの成果物として保存します。
func (m *Manager) Upload(ctx context.Context, sessionID, name string, r io.Reader) (*storage.Artifact, error) {
	if _, err := m.active(sessionID); err != nil {
		return nil, err
	}
	artifact, err := m.artifacts.Put(ctx, sessionID, storage.RoleInput, name, r)
	if err != nil {
		if errors.Is(err, storage.ErrSessionClosed) {
			return nil, ErrTerminating
		}
		return nil, err
	}
	logging.Info("session", "artifact uploaded", "session_id", sessionID, "artifact_id", artifact.ID, "format", artifact.Kind.Format, "size", artifact.Size)
	return artifact, nil
}

// Submit はセッションの成果物を入力としてジョブを投入します。
func (m *Manager) Submit(ctx context.Context, sessionID string, kind convert.Kind, inputArtifactID string, opts convert.Options) (*jobs.Job, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	// 破棄処理が投入済みジョブを必ず把握できるよう、登録までセッションのロックを保持する
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrTerminating
	}
	job, err := m.queue.Submit(ctx, jobs.SubmitRequest{
		SessionID:       sessionID,
		Kind:            kind,
		InputArtifactID: inputArtifactID,
		Options:         opts,
	})
	if err != nil {
		return nil, err
	}
	s.jobIDs = append(s.jobIDs, job.ID)
	s.lastSeen = m.now()
	return job, nil
}

// Job はセッションが所有するジョブを返します。
func (m *Manager) Job(ctx context.Context, sessionID, jobID string) (*jobs.Job, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	owned := s.owns(jobID)
	s.mu.Unlock()
	if !owned {
		return nil, jobs.ErrNotFound
	}
	job, err := m.queue.Status(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		s.mu.Lock()
		s.drop(jobID)
		s.mu.Unlock()
	}
	return job, err
}

// Jobs はセッションが所有するジョブを投入順に返します。保持期間を過ぎたジョブは含みません。
func (m *Manager) Jobs(ctx context.Context, sessionID string) ([]*jobs.Job, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ids := append([]string(nil), s.jobIDs...)
	s.mu.Unlock()

	list, err := m.queue.List(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(list) != len(ids) {
		present := make(map[string]struct{}, len(list))
		for _, job := range list {
			present[job.ID] = struct{}{}
		}
		s.mu.Lock()
		for _, id := range ids {
			if _, ok := present[id]; !ok {
				s.drop(id)
			}
		}
		s.mu.Unlock()
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].SubmittedAt.Before(list[j].SubmittedAt) })
	return list, nil
}

// Artifact はセッションが所有する成果物を返します。他セッションの成果物は存在しないものとして扱います。
func (m *Manager) Artifact(ctx context.Context, sessionID, artifactID string) (*storage.Artifact, error) {
	if _, err := m.lookup(sessionID); err != nil {
		return nil, err
	}
	artifact, err := m.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if artifact.SessionID != sessionID {
		return nil, storage.ErrNotFound
	}
	return artifact, nil
}

// Artifacts はセッションの成果物一覧を返します。
func (m *Manager) Artifacts(ctx context.Context, sessionID string) ([]*storage.Artifact, error) {
	if _, err := m.lookup(sessionID); err != nil {
		return nil, err
	}
	return m.artifacts.List(ctx, sessionID)
}

// OpenArtifact は成果物を読み出し用に開きます。呼び出し側がファイルを閉じる必要があります。
func (m *Manager) OpenArtifact(ctx context.Context, sessionID, artifactID string) (*storage.Artifact, *os.File, error) {
	if _, err := m.Artifact(ctx, sessionID, artifactID); err != nil {
		return nil, nil, err
	}
	artifact, file, err := m.artifacts.Open(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	if artifact.SessionID != sessionID {
		file.Close()
		return nil, nil, storage.ErrNotFound
	}
	return artifact, file, nil
}

// DeleteArtifact は成果物を削除します。未終了のジョブが入力として参照している場合は ErrArtifactInUse を返します。
func (m *Manager) DeleteArtifact(ctx context.Context, sessionID, artifactID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, err := m.Artifact(ctx, sessionID, artifactID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.jobIDs {
		job, err := m.queue.Status(ctx, id)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				continue
			}
			return err
		}
		if !job.State.Terminal() && job.InputArtifactID == artifactID {
			return ErrArtifactInUse
		}
	}
	return m.artifacts.Delete(ctx, artifactID)
}

// BeginDestroy はセッションを破棄処理中にします。以降のアップロードとジョブ投入は拒否されます。
func (m *Manager) BeginDestroy(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.markTerminating(s)
	return nil
}

func (m *Manager) markTerminating(s *session) {
	if s.state == StateTerminating {
		return
	}
	s.state = StateTerminating
	s.terminatingAt = m.now()
	logging.Info("session", "session terminating", "session_id", s.id)
}

// Destroy はセッションを破棄します。未終了のジョブをキャンセルして猶予時間だけ終了を待ち、
// 残ったジョブは強制キャンセルしたうえで、セッションの全成果物とジョブレコードを削除します。
// 既に破棄処理が進行中の場合はその完了を待ちます。存在しないセッションに対しては何もしません。
func (m *Manager) Destroy(ctx context.Context, id string) error {
	return m.destroy(ctx, id, ReasonLogout)
}

func (m *Manager) destroy(ctx context.Context, id, reason string) error {
	s, err := m.lookup(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	if s.destroying {
		done := s.destroyDone
		s.mu.Unlock()
		select {
		case <-done:
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.destroyErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.markTerminating(s)
	s.destroying = true
	s.destroyDone = make(chan struct{})
	s.destroyErr = nil
	ids := append([]string(nil), s.jobIDs...)
	s.mu.Unlock()

	err = m.teardown(ctx, s, ids, reason)

	s.mu.Lock()
	s.destroying = false
	s.destroyErr = err
	close(s.destroyDone)
	s.mu.Unlock()
	return err
}

func (m *Manager) teardown(ctx context.Context, s *session, ids []string, reason string) error {
	// 呼び出し元がキャンセルされても破棄は最後まで行う
	ctx = context.WithoutCancel(ctx)

	for _, id := range ids {
		if _, err := m.queue.Cancel(ctx, id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			logging.Error("session", "cancel job failed", "session_id", s.id, "job_id", id, "error", err)
		}
	}

	graceCtx, cancel := context.WithTimeout(ctx, m.opts.TeardownGrace)
	for _, id := range ids {
		job, err := m.queue.Wait(graceCtx, id)
		if err == nil || errors.Is(err, jobs.ErrNotFound) {
			continue
		}
		forced, ferr := m.queue.ForceCancel(ctx, id)
		if ferr != nil {
			if !errors.Is(ferr, jobs.ErrNotFound) {
				logging.Error("session", "force cancel failed", "session_id", s.id, "job_id", id, "error", ferr)
			}
			continue
		}
		if job != nil && job.State == jobs.StateRunning && forced.State == jobs.StateCancelled {
			m.metrics.IncOrphanedJobs()
			logging.Error("session", "job did not stop within grace period", "session_id", s.id, "job_id", id, "kind", job.Kind)
		}
	}
	cancel()

	if err := m.artifacts.DeleteAll(ctx, s.id); err != nil {
		logging.Error("session", "purge artifacts failed", "session_id", s.id, "error", err)
		return fmt.Errorf("purge session %s: %w", s.id, err)
	}
	for _, id := range ids {
		if err := m.queue.Forget(ctx, id); err != nil {
			logging.Error("session", "forget job failed", "session_id", s.id, "job_id", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.id)
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessionsActive(active)
	m.metrics.IncSessionsDestroyed(reason)
	logging.Info("session", "session destroyed", "session_id", s.id, "reason", reason, "jobs", len(ids))
	return nil
}

// Sweep はアイドル時間または最大存続時間を超えたセッションと、
// 破棄が開始されたまま猶予時間を過ぎたセッションを並列に破棄します。破棄した件数を返します。
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	type candidate struct {
		id     string
		reason string
	}
	var candidates []candidate

	m.mu.RLock()
	for _, s := range m.sessions {
		s.mu.Lock()
		switch {
		case s.destroying:
		case s.state == StateTerminating && now.Sub(s.terminatingAt) >= m.opts.TeardownGrace:
			candidates = append(candidates, candidate{s.id, ReasonLogout})
		case m.opts.MaxLifetime > 0 && now.Sub(s.createdAt) >= m.opts.MaxLifetime:
			candidates = append(candidates, candidate{s.id, ReasonExpired})
		case m.opts.IdleTimeout > 0 && s.state == StateActive && now.Sub(s.lastSeen) >= m.opts.IdleTimeout:
			candidates = append(candidates, candidate{s.id, ReasonIdle})
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	var (
		g         errgroup.Group
		mu        sync.Mutex
		destroyed int
	)
	g.SetLimit(m.opts.SweepConcurrency)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if err := m.destroy(ctx, c.id, c.reason); err != nil {
				return err
			}
			mu.Lock()
			destroyed++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if destroyed > 0 {
		logging.Info("session", "sweep finished", "destroyed", destroyed)
	}
	return destroyed, err
}

// DestroyAll は全セッションを破棄します。サーバー停止時に使います。
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(m.opts.SweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.destroy(ctx, id, ReasonShutdown)
		})
	}
	return g.Wait()
}

// Stats はセッション表の集計を返します。
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.state == StateActive {
			st.Active++
		} else {
			st.Terminating++
		}
		s.mu.Unlock()
	}
	return st
}
