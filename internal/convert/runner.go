package convert

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

const outputCaptureLimit = 64 << 10

// commandResult は外部コマンド実行の結果です。
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner はテストで差し替えられるようにプロセス実行を抽象化します。
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner は os/exec でコマンドを実行します。
// ctx が終了するとプロセスグループごと強制終了します。
type execRunner struct {
	waitDelay time.Duration
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = r.waitDelay

	stdout := &tailBuffer{limit: outputCaptureLimit}
	stderr := &tailBuffer{limit: outputCaptureLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// tailBuffer は書き込まれたデータの末尾 limit バイトだけを保持します。
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
