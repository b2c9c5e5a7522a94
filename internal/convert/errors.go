package convert

import (
	"errors"
	"fmt"
	"strings"
)

// Code は変換失敗の分類コードです。
type Code string

const (
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	CodeToolFailure       Code = "TOOL_FAILURE"
	CodeTimeout           Code = "TIMEOUT"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
)

// ErrTerminated は Handle.Terminate によって変換が中断されたことを表します。
var ErrTerminated = errors.New("conversion terminated")

// Error は変換処理のエラーを表します。Message は利用者向けの文言です。
type Error struct {
	Code     Code
	Message  string
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Tool == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (tool=%s exit=%d)", e.Code, e.Message, e.Tool, e.ExitCode)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var (
	resourcePatterns = []string{
		"no space left on device",
		"cannot allocate memory",
		"out of memory",
		"cache resources exhausted",
		"disk quota exceeded",
	}
	unsupportedPatterns = []string{
		"no decode delegate",
		"improper image header",
		"invalid data found when processing input",
		"not a pdf",
		"inputfileerror",
		"source file error",
		"no such filter",
		"unsupported",
	}
)

// classifyStderr はツールの標準エラー出力から失敗コードを推定します。
func classifyStderr(stderr string) Code {
	lower := strings.ToLower(stderr)
	for _, p := range resourcePatterns {
		if strings.Contains(lower, p) {
			return CodeResourceExhausted
		}
	}
	for _, p := range unsupportedPatterns {
		if strings.Contains(lower, p) {
			return CodeUnsupportedFormat
		}
	}
	return CodeToolFailure
}

func messageFor(code Code, tool string) string {
	switch code {
	case CodeUnsupportedFormat:
		return "入力ファイルの形式に対応していないか、ファイルが破損しています。"
	case CodeResourceExhausted:
		return "サーバーのリソースが不足したため変換できませんでした。"
	case CodeTimeout:
		return "変換が制限時間内に完了しませんでした。"
	default:
		if tool == "" {
			return "変換に失敗しました。"
		}
		return fmt.Sprintf("%s による変換に失敗しました。", tool)
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
