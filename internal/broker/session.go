package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fxbot/internal/config"
)

// authClient 抽象令牌的获取与刷新，便于测试替换。
type authClient interface {
	Authenticate(ctx context.Context) (Token, error)
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// SessionManager 独占会话及其续期逻辑。
// 任意时刻最多只有一个认证/刷新操作在途，并发调用共享同一次结果。
type SessionManager struct {
	client    authClient
	lookahead time.Duration
	logger    *zap.Logger
	now       func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	session *Session
}

// NewSessionManager 创建会话管理器。配置中预置的令牌作为初始会话种子。
func NewSessionManager(client authClient, cfg config.BrokerConfig, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &SessionManager{
		client:    client,
		lookahead: cfg.TokenLookahead,
		logger:    logger,
		now:       func() time.Time { return time.Now() },
	}

	if cfg.AccessToken != "" {
		// 外部获得的令牌剩余寿命未知，标记为即将过期以触发首次续期。
		m.session = &Session{
			AccessToken:  cfg.AccessToken,
			RefreshToken: cfg.RefreshToken,
			ExpiresAt:    m.now(),
			State:        SessionExpiring,
		}
	}

	return m
}

// EnsureActive 返回在 lookahead 窗口内保证有效的会话。
// 会话缺失、过期或临近过期时先完成认证或刷新再返回。
func (m *SessionManager) EnsureActive(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	current := m.session
	if current != nil && current.State == SessionFailed {
		m.mu.Unlock()
		return nil, NewError(KindAuth, "ensure_active", errors.New("会话已进入失败状态"))
	}
	if current.ValidFor(m.lookahead, m.now()) {
		m.mu.Unlock()
		return current, nil
	}
	m.mu.Unlock()

	result, err, _ := m.group.Do("token", func() (interface{}, error) {
		return m.renew(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

// Invalidate 在经纪商拒绝令牌后作废当前会话，
// 下一次 EnsureActive 将重新认证。
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && m.session.State == SessionActive {
		m.session.State = SessionExpiring
		m.session.ExpiresAt = m.now()
	}
}

// Current 返回当前会话快照，仅用于日志与监控。
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// renew 执行一次续期：优先刷新，刷新失败回退到一次完整认证。
func (m *SessionManager) renew(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	current := m.session
	if current.ValidFor(m.lookahead, m.now()) {
		m.mu.Unlock()
		return current, nil
	}
	refreshToken := ""
	if current != nil {
		refreshToken = current.RefreshToken
	}
	m.mu.Unlock()

	if refreshToken != "" {
		token, err := m.client.Refresh(ctx, refreshToken)
		if err == nil {
			return m.adopt(token), nil
		}
		m.logger.Warn("令牌刷新失败，回退到完整认证", zap.Error(err))
	}

	token, err := m.client.Authenticate(ctx)
	if err != nil {
		switch KindOf(err) {
		case KindAuth:
			m.fail()
			return nil, err
		default:
			// 网络类故障重试已耗尽，下个调度周期可再试。
			return nil, NewError(KindTransientAuth, "ensure_active", err)
		}
	}

	return m.adopt(token), nil
}

func (m *SessionManager) adopt(token Token) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := &Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    m.now().Add(token.ExpiresIn),
		State:        SessionActive,
	}
	if session.RefreshToken == "" && m.session != nil {
		session.RefreshToken = m.session.RefreshToken
	}
	m.session = session

	m.logger.Info("会话已更新",
		zap.String("token", session.Redacted()),
		zap.Time("expires_at", session.ExpiresAt),
	)

	return session
}

func (m *SessionManager) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		m.session = &Session{State: SessionFailed}
		return
	}
	m.session.State = SessionFailed
}
