// Package storage はセッション単位で分割された成果物ストアを提供します。
//
// 保存先: <root>/<sessionID>/<artifactID>/<name>
// ジョブ作業領域: <root>/<sessionID>/.work/<jobID>/
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/media-forge/internal/logging"
)

var (
	// ErrNotFound は成果物が存在しない（または削除済み）ことを表します。
	ErrNotFound = errors.New("artifact not found")
	// ErrTooLarge はアップロードがサイズ上限を超えたことを表します。
	ErrTooLarge = errors.New("artifact exceeds size limit")
	// ErrSessionClosed はすでに破棄されたセッションへの書き込みを表します。
	ErrSessionClosed = errors.New("session storage closed")
	// ErrInvalidID はパスとして使えない識別子を表します。
	ErrInvalidID = errors.New("invalid identifier")
)

const (
	workDirName         = ".work"
	defaultTombstoneTTL = time.Hour
)

// LocalStore はローカルファイルシステム上の成果物ストアです。
// インデックスはメモリ上にあり、セッションの成果物一覧の唯一の情報源です。
type LocalStore struct {
	root         string
	maxSize      int64
	tombstoneTTL time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	artifacts map[string]*Artifact
	sessions  map[string]map[string]struct{}
	closed    map[string]time.Time
}

// NewLocalStore はルートディレクトリを作成し、ストアを初期化します。
// maxSize が0以下の場合はサイズ制限を行いません。
func NewLocalStore(root string, maxSize int64) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{
		root:         abs,
		maxSize:      maxSize,
		tombstoneTTL: defaultTombstoneTTL,
		now:          time.Now,
		artifacts:    make(map[string]*Artifact),
		sessions:     make(map[string]map[string]struct{}),
		closed:       make(map[string]time.Time),
	}, nil
}

// Root はストアのルートディレクトリを返します。
func (s *LocalStore) Root() string {
	return s.root
}

// MaxSize は単一成果物のサイズ上限を返します。
func (s *LocalStore) MaxSize() int64 {
	return s.maxSize
}

// Put はストリームを成果物として保存します。
// 一時ファイルへ書き込んでからリネームするため、途中で失敗しても不完全なファイルは残りません。
func (s *LocalStore) Put(ctx context.Context, sessionID string, role Role, name string, r io.Reader) (*Artifact, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	if err := s.ensureOpen(sessionID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := s.artifactDir(sessionID, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	filename := SanitizeName(name)
	size, err := s.writeFile(ctx, filepath.Join(dir, filename), r)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	return s.register(sessionID, id, role, dir, filename, size)
}

// Adopt は既存ファイル（変換結果など）をストアに移動して登録します。
func (s *LocalStore) Adopt(ctx context.Context, sessionID string, role Role, srcPath, name string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	if err := s.ensureOpen(sessionID); err != nil {
		return nil, err
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("stat adopted file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("adopted path %s is a directory", srcPath)
	}

	id := uuid.NewString()
	dir := s.artifactDir(sessionID, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if name == "" {
		name = filepath.Base(srcPath)
	}
	filename := SanitizeName(name)
	if err := os.Rename(srcPath, filepath.Join(dir, filename)); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("move adopted file: %w", err)
	}

	return s.register(sessionID, id, role, dir, filename, info.Size())
}

func (s *LocalStore) writeFile(ctx context.Context, path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return 0, fmt.Errorf("write artifact: %w", err)
	}
	if s.maxSize > 0 && written > s.maxSize {
		_ = tmp.Close()
		cleanup()
		return 0, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return 0, fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return written, nil
}

// register はファイル配置済みの成果物をインデックスに追加します。
// 配置中にセッションが破棄された場合はファイルを片付けて ErrSessionClosed を返します。
func (s *LocalStore) register(sessionID, id string, role Role, dir, filename string, size int64) (*Artifact, error) {
	location := filepath.Join(dir, filename)
	kind := DetectKind(location, filename)
	pages := 0
	if kind.Format == "pdf" {
		pages = countPDFPages(location)
	}

	artifact := &Artifact{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Kind:      kind,
		Location:  location,
		Name:      filename,
		Size:      size,
		Pages:     pages,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	if _, closed := s.closed[sessionID]; closed {
		s.mu.Unlock()
		_ = os.RemoveAll(dir)
		_ = os.Remove(s.sessionDir(sessionID))
		return nil, ErrSessionClosed
	}
	s.artifacts[id] = artifact
	set, ok := s.sessions[sessionID]
	if !ok {
		set = make(map[string]struct{})
		s.sessions[sessionID] = set
	}
	set[id] = struct{}{}
	s.mu.Unlock()

	out := *artifact
	return &out, nil
}

// Get は成果物のメタデータを返します。
func (s *LocalStore) Get(ctx context.Context, artifactID string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *artifact
	return &out, nil
}

// Open は成果物を読み出し用に開きます。
// 開いた後に削除が始まっても、呼び出し側は読み終えることができます。
func (s *LocalStore) Open(ctx context.Context, artifactID string) (*Artifact, *os.File, error) {
	artifact, err := s.Get(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(artifact.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}
	return artifact, file, nil
}

// List はセッションの成果物を作成順に返します。
func (s *LocalStore) List(ctx context.Context, sessionID string) ([]*Artifact, error) {
	s.mu.RLock()
	set := s.sessions[sessionID]
	list := make([]*Artifact, 0, len(set))
	for id := range set {
		if artifact, ok := s.artifacts[id]; ok {
			out := *artifact
			list = append(list, &out)
		}
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// Delete は成果物を削除します。存在しない場合も成功として扱います。
func (s *LocalStore) Delete(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	artifact, ok := s.artifacts[artifactID]
	if ok {
		delete(s.artifacts, artifactID)
		if set := s.sessions[artifact.SessionID]; set != nil {
			delete(set, artifactID)
			if len(set) == 0 {
				delete(s.sessions, artifact.SessionID)
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(filepath.Dir(artifact.Location)); err != nil {
		return fmt.Errorf("remove artifact %s: %w", artifactID, err)
	}
	return nil
}

// DeleteAll はセッションの全成果物と作業領域を削除します。
// インデックスを先に消すため、以降の参照は即座に ErrNotFound になります。
// 削除後のセッションへの Put/Adopt は ErrSessionClosed で失敗します。
func (s *LocalStore) DeleteAll(ctx context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	for id := range s.sessions[sessionID] {
		delete(s.artifacts, id)
	}
	delete(s.sessions, sessionID)
	now := s.now()
	s.closed[sessionID] = now
	for id, at := range s.closed {
		if now.Sub(at) > s.tombstoneTTL {
			delete(s.closed, id)
		}
	}
	s.mu.Unlock()

	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		logging.Error("storage", "session purge failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// Workspace はジョブ用の作業ディレクトリを作成して返します。
// セッション破棄時に DeleteAll によってまとめて削除されます。
func (s *LocalStore) Workspace(sessionID, jobID string) (string, error) {
	if err := checkID(sessionID); err != nil {
		return "", err
	}
	if err := checkID(jobID); err != nil {
		return "", err
	}
	if err := s.ensureOpen(sessionID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.sessionDir(sessionID), workDirName, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// ReleaseWorkspace はジョブの作業ディレクトリを削除します。
func (s *LocalStore) ReleaseWorkspace(sessionID, jobID string) error {
	if checkID(sessionID) != nil || checkID(jobID) != nil {
		return ErrInvalidID
	}
	return os.RemoveAll(filepath.Join(s.sessionDir(sessionID), workDirName, jobID))
}

// Usage は登録済み成果物の件数と合計サイズを返します。
func (s *LocalStore) Usage() (count int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, artifact := range s.artifacts {
		count++
		bytes += artifact.Size
	}
	return count, bytes
}

func (s *LocalStore) ensureOpen(sessionID string) error {
	s.mu.RLock()
	_, closed := s.closed[sessionID]
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *LocalStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *LocalStore) artifactDir(sessionID, artifactID string) string {
	return filepath.Join(s.sessionDir(sessionID), artifactID)
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || id == workDirName || strings.ContainsAny(id, `/\`) {
		return ErrInvalidID
	}
	return nil
}

// SanitizeName はファイル名からパス要素と制御文字を取り除きます。
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	switch {
	case cleaned == "" || cleaned == "." || cleaned == ".." || cleaned == "/":
		return "file"
	case strings.HasPrefix(cleaned, "."):
		return "file" + cleaned
	}
	return cleaned
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
