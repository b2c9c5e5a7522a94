// Package auth はクッキーとアプリケーションのセッションの対応付け、CSRF検証、
// 管理者向けのベーシック認証を提供します。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/media-forge/internal/config"
	"github.com/yourusername/media-forge/internal/session"
)

const (
	SessionCookieName  = "mf_session"
	sessionKeyID       = "session_id"
	sessionKeyIssuedAt = "issued_at"
	sessionKeyCSRF     = "csrf_token"

	// CSRFHeader は状態を変更するリクエストで必要なヘッダーです。
	CSRFHeader = "X-CSRF-Token"
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// ContextSessionKey は、ハンドラー間でセッションIDを共有するためのキーです。
const ContextSessionKey = "auth.session"

// Sessions はセッションマネージャーのうち認証で使う操作です。
type Sessions interface {
	Create(ctx context.Context) (*session.Info, error)
	Touch(id string) (*session.Info, error)
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	sessions Sessions
	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, sessions Sessions) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		attempts: make(map[string]*attemptState),
	}
}

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func (m *Manager) SessionMaxAgeSeconds() int {
	return int(m.cfg.MaxSessionLifetime().Seconds())
}

// SessionID はリクエストに紐づいたセッションIDを返します。
func SessionID(c *gin.Context) string {
	return c.GetString(ContextSessionKey)
}

// CSRFToken は現在のクッキーに保存されている CSRF トークンを返します。
func CSRFToken(c *gin.Context) string {
	token, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
	return token
}

// Clear はクッキーからセッション情報を削除します。
func (m *Manager) Clear(c *gin.Context) error {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1, HttpOnly: true, SameSite: http.SameSiteStrictMode})
	return s.Save()
}

// bind は新しいアプリケーションセッションを作成してクッキーに保存します。
func (m *Manager) bind(c *gin.Context) (string, error) {
	info, err := m.sessions.Create(c.Request.Context())
	if err != nil {
		return "", err
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	s := sessions.Default(c)
	s.Clear()
	s.Set(sessionKeyID, info.ID)
	s.Set(sessionKeyIssuedAt, info.CreatedAt.Unix())
	s.Set(sessionKeyCSRF, token)
	if err := s.Save(); err != nil {
		return "", err
	}
	c.Header(CSRFHeader, token)
	return info.ID, nil
}

// resolve はクッキーのセッションIDを検証し、有効なら利用時刻を更新します。
func (m *Manager) resolve(c *gin.Context) (string, bool) {
	s := sessions.Default(c)
	id, ok := s.Get(sessionKeyID).(string)
	if !ok || id == "" {
		return "", false
	}
	issuedAt := readUnix(s.Get(sessionKeyIssuedAt))
	if issuedAt.IsZero() || time.Since(issuedAt) > m.cfg.MaxSessionLifetime() {
		return "", false
	}
	// 掃除済み・破棄処理中のセッションは新しいセッションに置き換える
	if _, err := m.sessions.Touch(id); err != nil {
		return "", false
	}
	return id, true
}

func (m *Manager) adminConfigured() bool {
	return m.cfg.AdminUsername != "" && m.cfg.AdminPasswordHash != ""
}

func (m *Manager) verifyAdmin(username, password string) bool {
	if username != m.cfg.AdminUsername {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AdminPasswordHash), []byte(password)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
