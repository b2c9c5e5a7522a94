//go:build unix

package convert

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestExecRunnerKillsProcessGroup(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	runner := &execRunner{waitDelay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	// 子プロセスが stdout を保持したままでも Run が戻ること
	_, err = runner.Run(ctx, sh, "-c", "sleep 30 & sleep 30")
	if err == nil {
		t.Fatal("expected error for killed process")
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("Run took %s after cancellation", elapsed)
	}
}

func TestExecRunnerCapturesExitCode(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	runner := &execRunner{waitDelay: time.Second}
	result, err := runner.Run(context.Background(), sh, "-c", "echo broken >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if result.ExitCode != 3 {
		t.Fatalf("unexpected exit code: %d", result.ExitCode)
	}
	if result.Stderr != "broken\n" {
		t.Fatalf("unexpected stderr: %q", result.Stderr)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Fatalf("unexpected tail: %q", got)
	}
}
