package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/storage"
)

// jobIDOf はワーカーが渡す出力ディレクトリ（ジョブごとのワークスペース）からジョブIDを取り出します。
func jobIDOf(req convert.Request) string {
	return filepath.Base(req.OutputDir)
}

func TestQueueExecutesEachJobExactlyOnce(t *testing.T) {
	const total = 50
	var (
		mu     sync.Mutex
		active = make(map[string]bool)
		runs   = make(map[string]int)
	)
	adapter := newFakeAdapter(func(ctx context.Context, req convert.Request) (string, error) {
		id := jobIDOf(req)
		mu.Lock()
		if active[id] {
			mu.Unlock()
			t.Errorf("job %s executed concurrently", id)
			return "", errors.New("concurrent execution")
		}
		active[id] = true
		runs[id]++
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)
		out, err := writeOutput(10)(ctx, req)

		mu.Lock()
		delete(active, id)
		mu.Unlock()
		return out, err
	})
	adapter.started = make(chan string, total)
	f := newQueueFixture(t, adapter, 4, total)
	input := f.upload(t, "s1")

	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		ids = append(ids, f.submit(t, input).ID)
	}
	f.queue.Start()

	for _, id := range ids {
		if job := f.wait(t, id); job.State != StateSucceeded {
			t.Fatalf("unexpected job %s: %+v", id, job)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if runs[id] != 1 {
			t.Fatalf("job %s ran %d times", id, runs[id])
		}
	}
	if got := adapter.starts.Load(); got != total {
		t.Fatalf("expected %d adapter starts, got %d", total, got)
	}
}

func TestQueueStartsJobsInSubmissionOrder(t *testing.T) {
	const total = 20
	var (
		mu    sync.Mutex
		order []string
	)
	adapter := newFakeAdapter(writeOutput(10))
	adapter.started = make(chan string, total)
	adapter.onStart = func(req convert.Request) {
		mu.Lock()
		order = append(order, jobIDOf(req))
		mu.Unlock()
	}
	f := newQueueFixture(t, adapter, 1, total)
	input := f.upload(t, "s1")

	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		ids = append(ids, f.submit(t, input).ID)
	}
	f.queue.Start()
	for _, id := range ids {
		f.wait(t, id)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != total {
		t.Fatalf("expected %d starts, got %d", total, len(order))
	}
	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("start #%d: got %s, want %s", i, order[i], id)
		}
	}
}

func TestSubmitReturnsPromptlyOnDeepQueue(t *testing.T) {
	const (
		depth = 200
		bound = 250 * time.Millisecond
	)
	adapter := newFakeAdapter(blockUntilTerminated)
	f := newQueueFixture(t, adapter, 1, depth)
	f.queue.Start()
	input := f.upload(t, "s1")

	f.submit(t, input)
	f.awaitStart(t)

	var slowest time.Duration
	for i := 0; i < depth; i++ {
		started := time.Now()
		if _, err := f.queue.Submit(context.Background(), SubmitRequest{SessionID: "s1", Kind: convert.KindImageCompress, InputArtifactID: input.ID}); err != nil {
			t.Fatalf("Submit #%d returned error: %v", i, err)
		}
		if d := time.Since(started); d > slowest {
			slowest = d
		}
	}
	if slowest > bound {
		t.Fatalf("slowest Submit took %s", slowest)
	}

	started := time.Now()
	_, err := f.queue.Submit(context.Background(), SubmitRequest{SessionID: "s1", Kind: convert.KindImageCompress, InputArtifactID: input.ID})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if d := time.Since(started); d > bound {
		t.Fatalf("overloaded Submit took %s", d)
	}
}

// timeoutAdapter は種別ごとの制限時間を超えた変換のプロセスを終了させ、TIMEOUT を返します。
type timeoutAdapter struct {
	timeout time.Duration
	kills   atomic.Int32
	reqs    chan convert.Request
}

type timeoutHandle struct {
	adapter    *timeoutAdapter
	terminated chan struct{}
	once       sync.Once
	done       chan struct{}
	err        error
}

func (a *timeoutAdapter) Start(ctx context.Context, req convert.Request) (convert.Handle, error) {
	h := &timeoutHandle{adapter: a, terminated: make(chan struct{}), done: make(chan struct{})}
	a.reqs <- req
	go func() {
		defer close(h.done)
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			a.kills.Add(1)
			h.err = &convert.Error{Code: convert.CodeTimeout, Message: "制限時間内に処理が完了しませんでした。", Tool: "ffmpeg"}
		case <-h.terminated:
			h.err = convert.ErrTerminated
		case <-ctx.Done():
			a.kills.Add(1)
			h.err = context.Cause(ctx)
		}
	}()
	return h, nil
}

func (h *timeoutHandle) Wait() (string, error) {
	<-h.done
	return "", h.err
}

func (h *timeoutHandle) Terminate() {
	h.once.Do(func() { close(h.terminated) })
	h.adapter.kills.Add(1)
}

func TestVideoCompressTimeoutFailsJob(t *testing.T) {
	adapter := &timeoutAdapter{timeout: 100 * time.Millisecond, reqs: make(chan convert.Request, 1)}
	artifacts := newArtifactStore(t)
	q := newTestQueue(t, NewMemoryStore(), artifacts, adapter, uniformPools(1, 4))
	q.Start()

	input, err := artifacts.Put(context.Background(), "s1", storage.RoleInput, "clip.mp4", bytes.NewReader([]byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	submitted, err := q.Submit(context.Background(), SubmitRequest{
		SessionID:       "s1",
		Kind:            convert.KindVideoCompress,
		InputArtifactID: input.ID,
		Options:         convert.Options{Level: convert.LevelHigh},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	select {
	case req := <-adapter.reqs:
		if req.Kind != convert.KindVideoCompress || req.Options.Level != convert.LevelHigh {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := q.Wait(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if job.State != StateFailed || job.Error == nil || job.Error.Code != string(convert.CodeTimeout) {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.OutputArtifactID != "" {
		t.Fatalf("failed job has output: %s", job.OutputArtifactID)
	}
	if got := adapter.kills.Load(); got != 1 {
		t.Fatalf("expected process to be terminated once, got %d", got)
	}
}

func TestPDFToDocxSucceedsAndOutputIsDownloadable(t *testing.T) {
	docx := []byte("PK\x03\x04 simulated docx payload")
	adapter := newFakeAdapter(func(ctx context.Context, req convert.Request) (string, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
		path := filepath.Join(req.OutputDir, "scan.docx")
		if err := os.WriteFile(path, docx, 0o644); err != nil {
			return "", err
		}
		return path, nil
	})
	f := newQueueFixture(t, adapter, 1, 4)
	f.queue.Start()

	pdf := []byte("%PDF-1.4\n1 0 obj << /Type /Page >> endobj\n2 0 obj << /Type /Page >> endobj\n3 0 obj << /Type /Page >> endobj\n%%EOF\n")
	input, err := f.artifacts.Put(context.Background(), "s1", storage.RoleInput, "scan.pdf", bytes.NewReader(pdf))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	submitted, err := f.queue.Submit(context.Background(), SubmitRequest{SessionID: "s1", Kind: convert.KindPDFToDOCX, InputArtifactID: input.ID})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	var job *Job
	eventually(t, func() bool {
		job, err = f.queue.Status(context.Background(), submitted.ID)
		return err == nil && job.State.Terminal()
	}, "job did not finish")
	if job.State != StateSucceeded || job.OutputArtifactID == "" {
		t.Fatalf("unexpected job: %+v", job)
	}

	_, file, err := f.artifacts.Open(context.Background(), job.OutputArtifactID)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(data, docx) {
		t.Fatalf("downloaded bytes differ: %q", data)
	}
}

func TestShutdownLeavesOtherQueuesJobsAlone(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisStore(rdb, "", time.Hour)
	artifacts := newArtifactStore(t)

	release := make(chan struct{})
	adapterA := newFakeAdapter(func(ctx context.Context, req convert.Request) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
		return writeOutput(10)(ctx, req)
	})
	queueA := newTestQueue(t, store, artifacts, adapterA, uniformPools(1, 4))
	queueB := newTestQueue(t, store, artifacts, newFakeAdapter(writeOutput(10)), uniformPools(1, 4))
	queueA.Start()
	queueB.Start()

	input, err := artifacts.Put(context.Background(), "s1", storage.RoleInput, "photo.png", bytes.NewReader(testPNG))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	submitted, err := queueA.Submit(context.Background(), SubmitRequest{SessionID: "s1", Kind: convert.KindImageCompress, InputArtifactID: input.ID})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	select {
	case <-adapterA.started:
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not start")
	}

	if err := queueB.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	job, err := queueA.Status(context.Background(), submitted.ID)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if job.State != StateRunning {
		t.Fatalf("other queue's shutdown touched a live job: %+v", job)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err = queueA.Wait(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if job.State != StateSucceeded {
		t.Fatalf("unexpected job: %+v", job)
	}
}

// contendedStore は queued -> running の遷移を指定回数だけ競合として失敗させます。
type contendedStore struct {
	Store
	remaining atomic.Int32
}

func (s *contendedStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Job)) (*Job, error) {
	if from == StateQueued && to == StateRunning && s.remaining.Add(-1) >= 0 {
		return nil, fmt.Errorf("job %s: too many concurrent updates: %w", id, ErrContention)
	}
	return s.Store.Transition(ctx, id, from, to, mutate)
}

func TestClaimRetriesOnContention(t *testing.T) {
	store := &contendedStore{Store: NewMemoryStore()}
	store.remaining.Store(2)
	artifacts := newArtifactStore(t)
	adapter := newFakeAdapter(writeOutput(10))
	q := newTestQueue(t, store, artifacts, adapter, uniformPools(1, 4))
	q.Start()

	input, err := artifacts.Put(context.Background(), "s1", storage.RoleInput, "photo.png", bytes.NewReader(testPNG))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	submitted, err := q.Submit(context.Background(), SubmitRequest{SessionID: "s1", Kind: convert.KindImageCompress, InputArtifactID: input.ID})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := q.Wait(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if job.State != StateSucceeded {
		t.Fatalf("contended claim was not retried: %+v", job)
	}
}
