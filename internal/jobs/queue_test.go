package jobs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/storage"
)

var testPNG = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00"), bytes.Repeat([]byte{0}, 67)...)

type runFunc func(ctx context.Context, req convert.Request) (string, error)

type fakeAdapter struct {
	run     runFunc
	onStart func(req convert.Request)
	started chan string
	starts  atomic.Int32
}

func newFakeAdapter(run runFunc) *fakeAdapter {
	return &fakeAdapter{run: run, started: make(chan string, 16)}
}

func (a *fakeAdapter) Start(ctx context.Context, req convert.Request) (convert.Handle, error) {
	a.starts.Add(1)
	if a.onStart != nil {
		a.onStart(req)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	h := &fakeHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.output, h.err = a.run(runCtx, req)
	}()
	a.started <- req.InputPath
	return h, nil
}

type fakeHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	output string
	err    error
}

func (h *fakeHandle) Wait() (string, error) {
	<-h.done
	return h.output, h.err
}

func (h *fakeHandle) Terminate() {
	h.cancel(convert.ErrTerminated)
}

func writeOutput(size int) runFunc {
	return func(ctx context.Context, req convert.Request) (string, error) {
		path := filepath.Join(req.OutputDir, "result.png")
		if err := os.WriteFile(path, bytes.Repeat([]byte{1}, size), 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
}

func blockUntilTerminated(ctx context.Context, req convert.Request) (string, error) {
	<-ctx.Done()
	return "", context.Cause(ctx)
}

type queueFixture struct {
	queue     *Queue
	store     *MemoryStore
	artifacts *storage.LocalStore
	adapter   *fakeAdapter
}

func newQueueFixture(t *testing.T, adapter *fakeAdapter, workers, depth int) *queueFixture {
	t.Helper()
	artifacts := newArtifactStore(t)
	store := NewMemoryStore()
	q := newTestQueue(t, store, artifacts, adapter, uniformPools(workers, depth))
	return &queueFixture{queue: q, store: store, artifacts: artifacts, adapter: adapter}
}

func newArtifactStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	artifacts, err := storage.NewLocalStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}
	return artifacts
}

func uniformPools(workers, depth int) map[convert.Class]PoolConfig {
	pool := PoolConfig{Workers: workers, Depth: depth}
	return map[convert.Class]PoolConfig{
		convert.ClassDocument: pool,
		convert.ClassImage:    pool,
		convert.ClassVideo:    pool,
	}
}

func newTestQueue(t *testing.T, store Store, artifacts Artifacts, adapter convert.Adapter, pools map[convert.Class]PoolConfig) *Queue {
	t.Helper()
	q, err := NewQueue(store, artifacts, adapter, Options{
		Pools:     pools,
		Retention: 30 * time.Minute,
		MaxRun:    time.Hour,
		MaxQueue:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewQueue returned error: %v", err)
	}
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	return q
}

func (f *queueFixture) upload(t *testing.T, sessionID string) *storage.Artifact {
	t.Helper()
	artifact, err := f.artifacts.Put(context.Background(), sessionID, storage.RoleInput, "photo.png", bytes.NewReader(testPNG))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	return artifact
}

func (f *queueFixture) submit(t *testing.T, input *storage.Artifact) *Job {
	t.Helper()
	job, err := f.queue.Submit(context.Background(), SubmitRequest{
		SessionID:       input.SessionID,
		Kind:            convert.KindImageCompress,
		InputArtifactID: input.ID,
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	return job
}

func (f *queueFixture) wait(t *testing.T, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := f.queue.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	return job
}

func (f *queueFixture) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-f.adapter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not start")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestQueueRunsJobToSuccess(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(writeOutput(40)), 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")

	submitted := f.submit(t, input)
	if submitted.State != StateQueued {
		t.Fatalf("unexpected initial state: %s", submitted.State)
	}
	if submitted.Options.Level != convert.LevelMedium {
		t.Fatalf("compress level not defaulted: %+v", submitted.Options)
	}

	job := f.wait(t, submitted.ID)
	if job.State != StateSucceeded || job.Stage != StageCompleted {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Meta == nil || job.Meta.InputSize != int64(len(testPNG)) || job.Meta.OutputSize != 40 {
		t.Fatalf("unexpected meta: %+v", job.Meta)
	}
	if job.Meta.SavedPercent <= 0 {
		t.Fatalf("expected positive saving: %+v", job.Meta)
	}

	output, err := f.artifacts.Get(context.Background(), job.OutputArtifactID)
	if err != nil {
		t.Fatalf("output artifact missing: %v", err)
	}
	if output.Role != storage.RoleOutput || output.SessionID != "s1" {
		t.Fatalf("unexpected output artifact: %+v", output)
	}
	eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.artifacts.Root(), "s1", ".work", job.ID))
		return errors.Is(err, os.ErrNotExist)
	}, "workspace was not released")
}

func TestSubmitRejectsWhenPoolIsFull(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(writeOutput(1)), 1, 1)
	input := f.upload(t, "s1")

	f.submit(t, input)
	_, err := f.queue.Submit(context.Background(), SubmitRequest{
		SessionID:       "s1",
		Kind:            convert.KindImageCompress,
		InputArtifactID: input.ID,
	})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	queued, err := f.store.ListByState(context.Background(), StateQueued, time.Time{})
	if err != nil {
		t.Fatalf("ListByState returned error: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("rejected job left a record: %d queued", len(queued))
	}

	// 別クラスのプールは影響を受けない
	stats := f.queue.Stats()
	for _, s := range stats {
		if s.Class == convert.ClassImage && s.Queued != 1 {
			t.Fatalf("unexpected image pool stats: %+v", s)
		}
		if s.Class != convert.ClassImage && s.Queued != 0 {
			t.Fatalf("unexpected %s pool stats: %+v", s.Class, s)
		}
	}
}

func TestCancelledJobsDoNotCountTowardDepth(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(writeOutput(1)), 1, 1)
	input := f.upload(t, "s1")

	first := f.submit(t, input)
	if _, err := f.queue.Cancel(context.Background(), first.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	// キャンセル済みIDはまだ待ち行列に残っているが、受付上限には数えない
	second := f.submit(t, input)

	f.queue.Start()
	if job := f.wait(t, second.ID); job.State != StateSucceeded {
		t.Fatalf("unexpected job: %+v", job)
	}
	if got := f.adapter.starts.Load(); got != 1 {
		t.Fatalf("cancelled job reached the adapter: starts=%d", got)
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(writeOutput(1)), 1, 4)
	input := f.upload(t, "s1")
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"unknown kind":     {SessionID: "s1", Kind: "zip", InputArtifactID: input.ID},
		"foreign artifact": {SessionID: "s2", Kind: convert.KindImageCompress, InputArtifactID: input.ID},
		"missing artifact": {SessionID: "s1", Kind: convert.KindImageCompress, InputArtifactID: "nope"},
		"missing target":   {SessionID: "s1", Kind: convert.KindImageTranscode, InputArtifactID: input.ID},
		"wrong family":     {SessionID: "s1", Kind: convert.KindVideoCompress, InputArtifactID: input.ID},
	}
	for name, req := range cases {
		_, err := f.queue.Submit(ctx, req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
	if f.adapter.starts.Load() != 0 {
		t.Fatal("invalid submissions reached the adapter")
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(writeOutput(1)), 1, 4)
	input := f.upload(t, "s1")
	job := f.submit(t, input)

	cancelled, err := f.queue.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Fatalf("unexpected state: %s", cancelled.State)
	}

	f.queue.Start()
	eventually(t, func() bool { return len(f.queue.pools[convert.ClassImage].ch) == 0 }, "queue was not drained")
	if err := f.queue.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if f.adapter.starts.Load() != 0 {
		t.Fatal("cancelled job was executed")
	}
	got, err := f.queue.Status(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if got.State != StateCancelled {
		t.Fatalf("cancelled job changed state: %s", got.State)
	}
}

func TestCancelRunningJobTerminatesProcess(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(blockUntilTerminated), 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")
	job := f.submit(t, input)
	f.awaitStart(t)

	if _, err := f.queue.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	done := f.wait(t, job.ID)
	if done.State != StateCancelled {
		t.Fatalf("expected cancelled, got %+v", done)
	}
	if done.OutputArtifactID != "" {
		t.Fatalf("cancelled job has output: %s", done.OutputArtifactID)
	}

	again, err := f.queue.Cancel(context.Background(), job.ID)
	if err != nil || again.State != StateCancelled {
		t.Fatalf("repeated cancel should be a no-op: %+v, %v", again, err)
	}
}

func TestForceCancelDiscardsLateOutput(t *testing.T) {
	release := make(chan struct{})
	adapter := newFakeAdapter(func(ctx context.Context, req convert.Request) (string, error) {
		<-release
		return writeOutput(10)(ctx, req)
	})
	f := newQueueFixture(t, adapter, 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")
	job := f.submit(t, input)
	f.awaitStart(t)

	forced, err := f.queue.ForceCancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ForceCancel returned error: %v", err)
	}
	if forced.State != StateCancelled {
		t.Fatalf("unexpected state: %s", forced.State)
	}

	close(release)
	eventually(t, func() bool { return f.queue.Running() == 0 }, "orphaned execution still registered")

	list, err := f.artifacts.List(context.Background(), "s1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 1 || list[0].ID != input.ID {
		t.Fatalf("late output was stored: %+v", list)
	}
	got, _ := f.queue.Status(context.Background(), job.ID)
	if got.State != StateCancelled || got.OutputArtifactID != "" {
		t.Fatalf("force-cancelled job changed: %+v", got)
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	adapter := newFakeAdapter(writeOutput(10))
	var calls atomic.Int32
	adapter.onStart = func(req convert.Request) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}
	f := newQueueFixture(t, adapter, 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")

	first := f.wait(t, f.submit(t, input).ID)
	if first.State != StateFailed || first.Error == nil || first.Error.Code != CodeWorkerPanic {
		t.Fatalf("expected WORKER_PANIC failure, got %+v", first)
	}
	second := f.wait(t, f.submit(t, input).ID)
	if second.State != StateSucceeded {
		t.Fatalf("worker did not survive panic: %+v", second)
	}
}

func TestConversionErrorIsRecorded(t *testing.T) {
	adapter := newFakeAdapter(func(ctx context.Context, req convert.Request) (string, error) {
		return "", &convert.Error{Code: convert.CodeUnsupportedFormat, Message: "この形式には対応していません。", Tool: "magick"}
	})
	f := newQueueFixture(t, adapter, 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")

	job := f.wait(t, f.submit(t, input).ID)
	if job.State != StateFailed || job.Error == nil || job.Error.Code != string(convert.CodeUnsupportedFormat) {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestReapFailsStuckJobs(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(blockUntilTerminated), 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")
	running := f.submit(t, input)
	f.awaitStart(t)
	queued := f.submit(t, input)

	n, err := f.queue.Reap(context.Background())
	if err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh jobs reaped: %d", n)
	}

	f.queue.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err = f.queue.Reap(context.Background())
	if err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reaped jobs, got %d", n)
	}
	for _, id := range []string{running.ID, queued.ID} {
		job := f.wait(t, id)
		if job.State != StateFailed || job.Error == nil || job.Error.Code != CodeWatchdogTimeout {
			t.Fatalf("unexpected reaped job: %+v", job)
		}
	}
	eventually(t, func() bool { return f.queue.Running() == 0 }, "reaped process was not terminated")
}

func TestExpireRemovesJobAndOutput(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(writeOutput(10)), 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")
	job := f.wait(t, f.submit(t, input).ID)

	n, err := f.queue.Expire(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("fresh job expired: n=%d err=%v", n, err)
	}

	f.queue.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = f.queue.Expire(context.Background())
	if err != nil {
		t.Fatalf("Expire returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired job, got %d", n)
	}
	if _, err := f.queue.Status(context.Background(), job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.artifacts.Get(context.Background(), job.OutputArtifactID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired output still present: %v", err)
	}
	if _, err := f.artifacts.Get(context.Background(), input.ID); err != nil {
		t.Fatalf("input artifact should survive expiry: %v", err)
	}
}

func TestShutdownInterruptsJobs(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(blockUntilTerminated), 1, 4)
	f.queue.Start()
	input := f.upload(t, "s1")
	running := f.submit(t, input)
	f.awaitStart(t)
	queued := f.submit(t, input)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.queue.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	for _, id := range []string{running.ID, queued.ID} {
		job, err := f.queue.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status returned error: %v", err)
		}
		if job.State != StateFailed || job.Error == nil || job.Error.Code != CodeInterrupted {
			t.Fatalf("unexpected job after shutdown: %+v", job)
		}
	}
	if _, err := f.queue.Submit(context.Background(), SubmitRequest{SessionID: "s1", Kind: convert.KindImageCompress, InputArtifactID: input.ID}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestForgetRequiresTerminalState(t *testing.T) {
	f := newQueueFixture(t, newFakeAdapter(writeOutput(1)), 1, 4)
	input := f.upload(t, "s1")
	job := f.submit(t, input)

	if err := f.queue.Forget(context.Background(), job.ID); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if _, err := f.queue.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if err := f.queue.Forget(context.Background(), job.ID); err != nil {
		t.Fatalf("Forget returned error: %v", err)
	}
	if _, err := f.queue.Status(context.Background(), job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
