package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound はジョブが存在しない（または破棄済み）ことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrOverloaded はサブプールの待ち行列が満杯であることを表します。
	ErrOverloaded = errors.New("job queue is full")
	// ErrStateConflict は現在の状態が期待した遷移元と一致しないことを表します。
	ErrStateConflict = errors.New("job state conflict")
	// ErrContention は同じジョブへの同時更新が続き、遷移を確定できなかったことを表します。
	// 状態の不一致ではないため、呼び出し側は再試行できます。
	ErrContention = errors.New("job store contention")
	// ErrClosed はキューが停止済みであることを表します。
	ErrClosed = errors.New("job queue is closed")
)

// ValidationError は投入内容の検証エラーです。
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransitionError は許可されていない状態遷移を表します。
type TransitionError struct {
	JobID   string
	From    State
	To      State
	Current State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition %s -> %s (current %s)", e.JobID, e.From, e.To, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrStateConflict
}
