package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

type fakeSessions struct {
	mu        sync.Mutex
	destroyed []string
	sweeps    atomic.Int32
	err       error
}

func (f *fakeSessions) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return f.err
}

func (f *fakeSessions) Sweep(ctx context.Context) (int, error) {
	f.sweeps.Add(1)
	return 0, nil
}

func (f *fakeSessions) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

type fakeJobs struct {
	reaps    atomic.Int32
	expiries atomic.Int32
}

func (f *fakeJobs) Reap(ctx context.Context) (int, error) {
	f.reaps.Add(1)
	return 1, nil
}

func (f *fakeJobs) Expire(ctx context.Context) (int, error) {
	f.expiries.Add(1)
	return 0, nil
}

func newTestHandlers(t *testing.T) (*Handlers, *fakeSessions, *fakeJobs) {
	t.Helper()
	sessions := &fakeSessions{}
	jobs := &fakeJobs{}
	h, err := NewHandlers(sessions, jobs)
	if err != nil {
		t.Fatalf("NewHandlers returned error: %v", err)
	}
	return h, sessions, jobs
}

func TestHandleDestroyDecodesPayload(t *testing.T) {
	h, sessions, _ := newTestHandlers(t)
	task, err := newDestroyTask("s1")
	if err != nil {
		t.Fatalf("newDestroyTask returned error: %v", err)
	}
	if err := h.handleDestroy(context.Background(), task); err != nil {
		t.Fatalf("handleDestroy returned error: %v", err)
	}
	if got := sessions.destroyedIDs(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("unexpected destroyed sessions: %v", got)
	}
}

func TestHandleDestroySkipsRetryOnBadPayload(t *testing.T) {
	h, sessions, _ := newTestHandlers(t)
	for name, body := range map[string][]byte{
		"invalid json": []byte("{"),
		"missing id":   []byte(`{"sessionId":""}`),
	} {
		err := h.handleDestroy(context.Background(), asynq.NewTask(TaskSessionDestroy, body))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("%s: expected SkipRetry, got %v", name, err)
		}
	}
	if len(sessions.destroyedIDs()) != 0 {
		t.Fatal("bad payload reached the session manager")
	}
}

func TestHandleDestroyReturnsErrorForRetry(t *testing.T) {
	h, sessions, _ := newTestHandlers(t)
	sessions.err = errors.New("disk busy")
	task, _ := newDestroyTask("s1")
	if err := h.handleDestroy(context.Background(), task); err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestPeriodicTasksRunAll(t *testing.T) {
	h, sessions, jobs := newTestHandlers(t)
	h.runPeriodic(context.Background())
	if sessions.sweeps.Load() != 1 || jobs.reaps.Load() != 1 || jobs.expiries.Load() != 1 {
		t.Fatalf("unexpected counts: sweep=%d reap=%d expire=%d", sessions.sweeps.Load(), jobs.reaps.Load(), jobs.expiries.Load())
	}
}

func TestInlineRunsPeriodicAndDestroy(t *testing.T) {
	h, sessions, jobs := newTestHandlers(t)
	inline, err := NewInline(10*time.Millisecond, h)
	if err != nil {
		t.Fatalf("NewInline returned error: %v", err)
	}
	if err := inline.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := inline.ScheduleDestroy(context.Background(), "s1"); err != nil {
		t.Fatalf("ScheduleDestroy returned error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for (jobs.reaps.Load() == 0 || len(sessions.destroyedIDs()) == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := inline.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if jobs.reaps.Load() == 0 || sessions.sweeps.Load() == 0 {
		t.Fatal("periodic tasks did not run")
	}
	if got := sessions.destroyedIDs(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("unexpected destroyed sessions: %v", got)
	}
	if err := inline.ScheduleDestroy(context.Background(), "s2"); err == nil {
		t.Fatal("expected error after shutdown")
	}
}

func TestNewManagerValidatesInput(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	if _, err := NewManager("://bad", "api-1", time.Minute, h); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
	if _, err := NewManager("redis://localhost:6379/0", "", time.Minute, h); err == nil {
		t.Fatal("expected error for empty instance id")
	}
	if _, err := NewManager("redis://localhost:6379/0", "api-1", 0, h); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
