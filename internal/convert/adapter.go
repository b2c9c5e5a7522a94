package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/media-forge/internal/logging"
)

// DefaultTimeout はタイムアウトが設定されていない変換種別に適用される制限時間です。
const DefaultTimeout = 5 * time.Minute

const (
	defaultWaitDelay = 5 * time.Second
	stderrTailBytes  = 2048
)

// Request は1回の変換要求です。
type Request struct {
	Kind      Kind
	InputPath string
	// OutputDir は完成した出力ファイルを置くディレクトリです。作業用の一時領域もこの配下に作られます。
	OutputDir string
	Options   Options
	// OnStage は処理段階が変わるたびに呼ばれます（任意）。
	OnStage func(stage string)
}

// Adapter は変換を非同期に開始します。
type Adapter interface {
	Start(ctx context.Context, req Request) (Handle, error)
}

// Handle は実行中の変換です。
type Handle interface {
	// Wait は変換の終了を待ち、出力ファイルのパスを返します。
	Wait() (string, error)
	// Terminate は外部プロセスを強制終了します。何度呼んでも安全です。
	Terminate()
}

// ExecAdapter は外部コマンドを実行する Adapter 実装です。
type ExecAdapter struct {
	tools            Tools
	timeouts         map[Kind]time.Duration
	defaultLanguages []string
	runner           commandRunner
}

// NewExecAdapter は ExecAdapter を作成します。timeouts のキーは変換種別名です。
func NewExecAdapter(tools Tools, timeouts map[string]time.Duration, defaultLanguages []string) *ExecAdapter {
	return newExecAdapter(tools, timeouts, defaultLanguages, &execRunner{waitDelay: defaultWaitDelay})
}

func newExecAdapter(tools Tools, timeouts map[string]time.Duration, defaultLanguages []string, runner commandRunner) *ExecAdapter {
	if tools.Soffice == "" {
		tools.Soffice = "soffice"
	}
	if tools.OCRmyPDF == "" {
		tools.OCRmyPDF = "ocrmypdf"
	}
	if tools.Magick == "" {
		tools.Magick = "magick"
	}
	if tools.FFmpeg == "" {
		tools.FFmpeg = "ffmpeg"
	}
	byKind := make(map[Kind]time.Duration, len(timeouts))
	for name, d := range timeouts {
		if k := Kind(name); k.Valid() && d > 0 {
			byKind[k] = d
		}
	}
	if len(defaultLanguages) == 0 {
		defaultLanguages = []string{"eng"}
	}
	return &ExecAdapter{
		tools:            tools,
		timeouts:         byKind,
		defaultLanguages: append([]string(nil), defaultLanguages...),
		runner:           runner,
	}
}

// Timeout は変換種別のタイムアウトを返します。
func (a *ExecAdapter) Timeout(kind Kind) time.Duration {
	if d, ok := a.timeouts[kind]; ok {
		return d
	}
	return DefaultTimeout
}

// Start は変換を開始し、Handle を返します。要求が不正な場合は *ValidationError を返します。
func (a *ExecAdapter) Start(ctx context.Context, req Request) (Handle, error) {
	opts, err := Normalize(req.Kind, req.Options, "")
	if err != nil {
		return nil, err
	}
	if req.Kind == KindPDFToText && len(opts.Languages) == 0 {
		opts.Languages = a.defaultLanguages
	}
	if strings.TrimSpace(req.InputPath) == "" {
		return nil, invalid("input", "input path is required")
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		return nil, fmt.Errorf("cannot access input %s: %w", req.InputPath, err)
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return nil, invalid("outputDir", "output directory is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	scratch, err := os.MkdirTemp(req.OutputDir, ".convert-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	p, err := buildPlan(a.tools, req.Kind, req.InputPath, scratch, opts)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p.output), 0o750); err != nil {
		_ = os.RemoveAll(scratch)
		return nil, fmt.Errorf("create plan output dir: %w", err)
	}

	baseCtx, cancel := context.WithCancelCause(ctx)
	h := &execHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ext := strings.TrimPrefix(filepath.Ext(p.output), ".")
	finalPath := filepath.Join(req.OutputDir, outputName(req.InputPath, ext))

	go func() {
		defer close(h.done)
		defer cancel(nil)
		defer func() {
			_ = os.RemoveAll(scratch)
		}()
		h.output, h.err = a.run(baseCtx, req, p, finalPath)
	}()

	return h, nil
}

func (a *ExecAdapter) run(ctx context.Context, req Request, p plan, finalPath string) (string, error) {
	timeout := a.Timeout(req.Kind)
	runCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	started := time.Now()
	for _, s := range p.steps {
		if req.OnStage != nil {
			req.OnStage(s.stage)
		}
		result, err := a.runner.Run(runCtx, s.tool, s.args...)
		if err != nil {
			convErr := classifyRunError(ctx, runCtx, s.tool, result, err, timeout)
			if !errors.Is(convErr, ErrTerminated) {
				logging.Error("convert", "tool failed",
					"kind", req.Kind,
					"tool", filepath.Base(s.tool),
					"exit", result.ExitCode,
					"error", convErr,
					"stderr", tail(result.Stderr, 512),
				)
			}
			return "", convErr
		}
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrTerminated) {
		return "", ErrTerminated
	}

	info, err := os.Stat(p.output)
	if err != nil {
		return "", &Error{
			Code:    CodeToolFailure,
			Message: messageFor(CodeToolFailure, ""),
			Tool:    lastTool(p),
			Err:     fmt.Errorf("tool completed but output file is missing: %w", err),
		}
	}
	if info.Size() == 0 {
		return "", &Error{
			Code:    CodeToolFailure,
			Message: messageFor(CodeToolFailure, ""),
			Tool:    lastTool(p),
			Err:     errors.New("tool produced an empty output file"),
		}
	}
	if err := os.Rename(p.output, finalPath); err != nil {
		return "", fmt.Errorf("move output into place: %w", err)
	}

	logging.Info("convert", "conversion finished",
		"kind", req.Kind,
		"duration_ms", time.Since(started).Milliseconds(),
		"size", info.Size(),
	)
	return finalPath, nil
}

// classifyRunError はコマンド失敗を Terminate / タイムアウト / ツール失敗に分類します。
func classifyRunError(ctx, runCtx context.Context, tool string, result commandResult, err error, timeout time.Duration) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrTerminated) {
		return ErrTerminated
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	name := filepath.Base(tool)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Error{
			Code:     CodeTimeout,
			Message:  messageFor(CodeTimeout, name),
			Tool:     name,
			ExitCode: result.ExitCode,
			Err:      fmt.Errorf("%s exceeded %s: %w", name, timeout, context.DeadlineExceeded),
		}
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return &Error{
			Code:     CodeToolFailure,
			Message:  fmt.Sprintf("%s を起動できませんでした。", name),
			Tool:     name,
			ExitCode: result.ExitCode,
			Err:      err,
		}
	}
	code := classifyStderr(result.Stderr + "\n" + result.Stdout)
	return &Error{
		Code:     code,
		Message:  messageFor(code, name),
		Tool:     name,
		ExitCode: result.ExitCode,
		Stderr:   tail(result.Stderr, stderrTailBytes),
		Err:      err,
	}
}

func lastTool(p plan) string {
	if len(p.steps) == 0 {
		return ""
	}
	return filepath.Base(p.steps[len(p.steps)-1].tool)
}

// execHandle は ExecAdapter が返す Handle です。
type execHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	output string
	err    error
}

func (h *execHandle) Wait() (string, error) {
	<-h.done
	return h.output, h.err
}

func (h *execHandle) Terminate() {
	h.cancel(ErrTerminated)
}
