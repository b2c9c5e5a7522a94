package jobs

import (
	"time"

	"github.com/yourusername/media-forge/internal/convert"
)

// State はジョブの実行状態を表します。
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal は終了状態かどうかを返します。終了状態からは遷移しません。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// AllStates は全ての状態を返します。
func AllStates() []State {
	return []State{StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled}
}

// 進捗ステージ
const (
	StageQueued     = "queued"
	StagePreparing  = "preparing"
	StageConverting = "converting"
	StageStoring    = "storing"
	StageCompleted  = "completed"
)

// ジョブ失敗コード（変換エラーのコードに加えて使用します）
const (
	CodeWatchdogTimeout = "WATCHDOG_TIMEOUT"
	CodeInterrupted     = "INTERRUPTED"
	CodeWorkerPanic     = "WORKER_PANIC"
	CodeInputMissing    = "INPUT_MISSING"
	CodeStorageFailure  = "STORAGE_FAILURE"
	CodeInvalidInput    = "INVALID_INPUT"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta は変換前後のサイズ情報です。
type Meta struct {
	InputSize    int64   `json:"inputSize"`
	OutputSize   int64   `json:"outputSize"`
	SavedBytes   int64   `json:"savedBytes"`
	SavedPercent float64 `json:"savedPercent"`
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID               string          `json:"jobId"`
	SessionID        string          `json:"-"`
	Kind             convert.Kind    `json:"kind"`
	InputArtifactID  string          `json:"inputArtifactId"`
	Options          convert.Options `json:"options"`
	State            State           `json:"state"`
	Stage            string          `json:"stage,omitempty"`
	OutputArtifactID string          `json:"outputArtifactId,omitempty"`
	Error            *ErrorInfo      `json:"error,omitempty"`
	Meta             *Meta           `json:"meta,omitempty"`
	SubmittedAt      time.Time       `json:"submittedAt"`
	StartedAt        time.Time       `json:"startedAt,omitzero"`
	FinishedAt       time.Time       `json:"finishedAt,omitzero"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// enteredAt は現在の状態に入った時刻です。状態インデックスのスコアに使います。
func (j *Job) enteredAt() time.Time {
	switch {
	case j.State.Terminal():
		return j.FinishedAt
	case j.State == StateRunning:
		return j.StartedAt
	default:
		return j.SubmittedAt
	}
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Options.Languages != nil {
		out.Options.Languages = append([]string(nil), j.Options.Languages...)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Meta != nil {
		m := *j.Meta
		out.Meta = &m
	}
	return &out
}

// storedJob は永続化用の表現です（SessionID も保存します）。
type storedJob struct {
	*Job
	SessionID string `json:"sessionId"`
}

// computeMeta は入力と出力のサイズから削減率を計算します。
func computeMeta(inputSize, outputSize int64) *Meta {
	return &Meta{
		InputSize:    inputSize,
		OutputSize:   outputSize,
		SavedBytes:   inputSize - outputSize,
		SavedPercent: computeSavedPercent(inputSize, outputSize),
	}
}

func computeSavedPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	diff := float64(before-after) / float64(before) * 100
	return diff
}
