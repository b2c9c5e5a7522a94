// Package api は変換サービスのHTTPハンドラーを提供します。
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/auth"
	"github.com/yourusername/media-forge/internal/convert"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/logging"
	"github.com/yourusername/media-forge/internal/session"
	"github.com/yourusername/media-forge/internal/storage"
)

// multipart のヘッダーやフォーム項目のための余裕
const multipartOverhead = 1 << 20

// SessionService はハンドラーが使うセッション操作です。
type SessionService interface {
	Lookup(id string) (*session.Info, error)
	BeginDestroy(id string) error
	Upload(ctx context.Context, sessionID, name string, r io.Reader) (*storage.Artifact, error)
	Submit(ctx context.Context, sessionID string, kind convert.Kind, inputArtifactID string, opts convert.Options) (*jobs.Job, error)
	Job(ctx context.Context, sessionID, jobID string) (*jobs.Job, error)
	Jobs(ctx context.Context, sessionID string) ([]*jobs.Job, error)
	Artifact(ctx context.Context, sessionID, artifactID string) (*storage.Artifact, error)
	Artifacts(ctx context.Context, sessionID string) ([]*storage.Artifact, error)
	OpenArtifact(ctx context.Context, sessionID, artifactID string) (*storage.Artifact, *os.File, error)
	DeleteArtifact(ctx context.Context, sessionID, artifactID string) error
	Sweep(ctx context.Context) (int, error)
	Stats() session.Stats
}

// TeardownScheduler はログアウト後のセッション破棄を予約します。
type TeardownScheduler interface {
	ScheduleDestroy(ctx context.Context, sessionID string) error
}

// QueueStats は管理画面向けのキュー状態です。
type QueueStats interface {
	Stats() []jobs.PoolStats
	Running() int
}

// StorageUsage は管理画面向けのストレージ使用量です。
type StorageUsage interface {
	Usage() (count int, bytes int64)
}

// Handler はAPIハンドラーの依存関係をまとめます。
type Handler struct {
	sessions    SessionService
	teardown    TeardownScheduler
	auth        *auth.Manager
	queue       QueueStats
	storage     StorageUsage
	maxFileSize int64
}

// Options は Handler の依存関係です。
type Options struct {
	Sessions    SessionService
	Teardown    TeardownScheduler
	Auth        *auth.Manager
	Queue       QueueStats
	Storage     StorageUsage
	MaxFileSize int64
}

// NewHandler は Handler を作成します。
func NewHandler(opts Options) *Handler {
	return &Handler{
		sessions:    opts.Sessions,
		teardown:    opts.Teardown,
		auth:        opts.Auth,
		queue:       opts.Queue,
		storage:     opts.Storage,
		maxFileSize: opts.MaxFileSize,
	}
}

// Health はヘルスチェックエンドポイントのハンドラーです。
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "media-forge-api",
		"version": "0.1.0",
	})
}

// Session は GET /api/session のハンドラーです。
func (h *Handler) Session(c *gin.Context) {
	info, err := h.sessions.Lookup(auth.SessionID(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if token := auth.CSRFToken(c); token != "" {
		c.Header(auth.CSRFHeader, token)
	}
	c.JSON(http.StatusOK, info)
}

// Logout は POST /api/session/logout のハンドラーです。
// セッションを即座に破棄処理中にし、成果物の削除はバックグラウンドで行います。
func (h *Handler) Logout(c *gin.Context) {
	id := auth.SessionID(c)
	if err := h.sessions.BeginDestroy(id); err != nil {
		respondWithError(c, err)
		return
	}
	if err := h.teardown.ScheduleDestroy(context.WithoutCancel(c.Request.Context()), id); err != nil {
		// 予約に失敗しても定期掃除が破棄処理中のセッションを回収する
		logging.Error("api", "schedule session destroy failed", "session_id", id, "error", err)
	}
	if err := h.auth.Clear(c); err != nil {
		writeError(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの削除に失敗しました")
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadArtifact は POST /api/artifacts のハンドラーです。
func (h *Handler) UploadArtifact(c *gin.Context) {
	artifact, err := h.upload(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, artifact)
}

// ListArtifacts は GET /api/artifacts のハンドラーです。
func (h *Handler) ListArtifacts(c *gin.Context) {
	list, err := h.sessions.Artifacts(c.Request.Context(), auth.SessionID(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if list == nil {
		list = []*storage.Artifact{}
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": list})
}

// GetArtifact は GET /api/artifacts/:id のハンドラーです。
func (h *Handler) GetArtifact(c *gin.Context) {
	artifact, err := h.sessions.Artifact(c.Request.Context(), auth.SessionID(c), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

// DownloadArtifact は GET /api/artifacts/:id/download のハンドラーです。
func (h *Handler) DownloadArtifact(c *gin.Context) {
	artifact, file, err := h.sessions.OpenArtifact(c.Request.Context(), auth.SessionID(c), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer file.Close()

	contentType := artifact.Kind.MIME
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	encodedName := url.PathEscape(artifact.Name)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", artifact.Name, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Artifact-Id", artifact.ID)
	c.DataFromReader(http.StatusOK, artifact.Size, contentType, file, nil)
}

// DeleteArtifact は DELETE /api/artifacts/:id のハンドラーです。
func (h *Handler) DeleteArtifact(c *gin.Context) {
	if err := h.sessions.DeleteArtifact(c.Request.Context(), auth.SessionID(c), c.Param("id")); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type submitRequest struct {
	Kind            convert.Kind    `json:"kind" binding:"required"`
	InputArtifactID string          `json:"inputArtifactId" binding:"required"`
	Options         convert.Options `json:"options"`
}

// SubmitJob は POST /api/jobs のハンドラーです。
func (h *Handler) SubmitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", "kind と inputArtifactId を JSON で送ってください")
		return
	}
	job, err := h.sessions.Submit(c.Request.Context(), auth.SessionID(c), req.Kind, req.InputArtifactID, req.Options)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// Convert は POST /api/convert のハンドラーです。ファイルのアップロードとジョブ投入を1回で行います。
func (h *Handler) Convert(c *gin.Context) {
	artifact, err := h.upload(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	opts := convert.Options{
		TargetFormat: c.PostForm("targetFormat"),
		Level:        convert.Level(c.PostForm("level")),
		Languages:    parseLanguages(c.PostFormArray("languages")),
	}
	sessionID := auth.SessionID(c)
	job, err := h.sessions.Submit(c.Request.Context(), sessionID, convert.Kind(c.PostForm("kind")), artifact.ID, opts)
	if err != nil {
		if delErr := h.sessions.DeleteArtifact(context.WithoutCancel(c.Request.Context()), sessionID, artifact.ID); delErr != nil {
			logging.Error("api", "discard upload failed", "artifact_id", artifact.ID, "error", delErr)
		}
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ListJobs は GET /api/jobs のハンドラーです。
func (h *Handler) ListJobs(c *gin.Context) {
	list, err := h.sessions.Jobs(c.Request.Context(), auth.SessionID(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

// GetJob は GET /api/jobs/:id のハンドラーです。
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if strings.TrimSpace(jobID) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", "jobId を指定してください。")
		return
	}
	job, err := h.sessions.Job(c.Request.Context(), auth.SessionID(c), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// AdminStats は GET /api/admin/stats のハンドラーです。
func (h *Handler) AdminStats(c *gin.Context) {
	count, bytes := h.storage.Usage()
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.sessions.Stats(),
		"pools":    h.queue.Stats(),
		"running":  h.queue.Running(),
		"artifacts": gin.H{
			"count": count,
			"bytes": bytes,
		},
	})
}

// AdminSweep は POST /api/admin/sweep のハンドラーです。
func (h *Handler) AdminSweep(c *gin.Context) {
	n, err := h.sessions.Sweep(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"destroyed": n})
}

// upload はリクエストの multipart から1ファイルを取り出して保存します。
func (h *Handler) upload(c *gin.Context) (*storage.Artifact, error) {
	if h.maxFileSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize+multipartOverhead)
	}
	header, err := formFile(c)
	if err != nil {
		return nil, err
	}
	if h.maxFileSize > 0 && header.Size > h.maxFileSize {
		return nil, storage.ErrTooLarge
	}
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()
	return h.sessions.Upload(c.Request.Context(), auth.SessionID(c), header.Filename, file)
}

func formFile(c *gin.Context) (*multipart.FileHeader, error) {
	header, err := c.FormFile("file")
	if err == nil {
		return header, nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return nil, err
	}
	return nil, &jobs.ValidationError{Field: "file", Message: "multipart/form-data の file フィールドでファイルを送信してください。", Err: err}
}

// parseLanguages は "eng+jpn" 形式と複数指定の両方を受け付けます。
func parseLanguages(values []string) []string {
	var langs []string
	for _, v := range values {
		for _, l := range strings.Split(v, "+") {
			if l = strings.TrimSpace(l); l != "" {
				langs = append(langs, l)
			}
		}
	}
	return langs
}
