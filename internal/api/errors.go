package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/logging"
	"github.com/yourusername/media-forge/internal/session"
	"github.com/yourusername/media-forge/internal/storage"
)

const overloadRetryAfterSeconds = "5"

// respondWithError はエラーを {"code","message"} 形式のJSONに変換して返します。
func respondWithError(c *gin.Context, err error) {
	var (
		jobErr     *jobs.ValidationError
		convErr    *convert.ValidationError
		maxByteErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &jobErr):
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", jobErr.Error())
	case errors.As(err, &convErr):
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", convErr.Error())
	case errors.Is(err, jobs.ErrOverloaded):
		c.Header("Retry-After", overloadRetryAfterSeconds)
		writeError(c, http.StatusServiceUnavailable, "OVERLOADED", "現在混み合っています。しばらくしてから再度お試しください。")
	case errors.Is(err, jobs.ErrClosed):
		c.Header("Retry-After", overloadRetryAfterSeconds)
		writeError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "サーバーが停止処理中です。")
	case errors.Is(err, storage.ErrTooLarge), errors.As(err, &maxByteErr):
		writeError(c, http.StatusRequestEntityTooLarge, "LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。")
	case errors.Is(err, session.ErrTerminating), errors.Is(err, storage.ErrSessionClosed):
		writeError(c, http.StatusConflict, "SESSION_TERMINATING", "セッションは終了処理中です。")
	case errors.Is(err, session.ErrArtifactInUse):
		writeError(c, http.StatusConflict, "ARTIFACT_IN_USE", "処理中のジョブが使用しているファイルは削除できません。")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidID):
		writeError(c, http.StatusNotFound, "ARTIFACT_NOT_FOUND", "指定されたファイルは存在しません。")
	case errors.Is(err, jobs.ErrNotFound):
		writeError(c, http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しません。")
	case errors.Is(err, session.ErrNotFound):
		writeError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "セッションが見つかりません。")
	case errors.Is(err, context.Canceled):
		writeError(c, http.StatusRequestTimeout, "REQUEST_CANCELED", "リクエストがキャンセルされました。")
	default:
		logging.Error("api", "request failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "サーバー内部でエラーが発生しました。")
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}
