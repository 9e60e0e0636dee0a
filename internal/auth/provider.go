// Package auth is the account and session provider: password sign-in,
// signed session cookies checked against the sessions table, revocation,
// and sign-out notifications.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/quoteclaim/internal/cache"
	"github.com/dukerupert/quoteclaim/internal/model"
	"github.com/dukerupert/quoteclaim/internal/store"
)

const (
	DefaultSessionTTL = 24 * time.Hour
	MinPasswordLength = 8

	revokedKeyPrefix = "revoked_session:"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSessionNotFound    = errors.New("session not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// Reason says why a session ended.
type Reason string

const (
	ReasonSignOut     Reason = "sign_out"
	ReasonIdleTimeout Reason = "idle_timeout"
)

// SessionEvent is published when a session is terminated.
type SessionEvent struct {
	SessionID string
	UserID    string
	Reason    Reason
}

// SignedSession is the result of a successful sign-in.
type SignedSession struct {
	Token   string
	Session *model.Session
	User    *model.User
}

type Provider struct {
	users    *store.UserStore
	sessions *store.SessionStore
	tokens   *TokenIssuer
	revoked  cache.Cache
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	nextSub int
	subs    map[int]func(SessionEvent)
}

type Option func(*Provider)

func WithSessionTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithRevocationCache sets where revoked session IDs are remembered.
// Defaults to an in-process cache.Memory.
func WithRevocationCache(c cache.Cache) Option {
	return func(p *Provider) { p.revoked = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

func NewProvider(users *store.UserStore, sessions *store.SessionStore, tokens *TokenIssuer, opts ...Option) *Provider {
	p := &Provider{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		logger:   slog.Default(),
		subs:     make(map[int]func(SessionEvent)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.revoked == nil {
		p.revoked = cache.NewMemory()
	}
	return p
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *Provider) SessionTTL() time.Duration { return p.ttl }

// Register creates a customer account.
func (p *Provider) Register(ctx context.Context, email, name, password string) (*model.User, error) {
	return p.createUser(ctx, email, name, password, model.RoleCustomer)
}

// EnsureAdmin creates an admin account for email unless one exists.
func (p *Provider) EnsureAdmin(ctx context.Context, email, password string) (*model.User, error) {
	existing, err := p.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return p.createUser(ctx, email, "Administrator", password, model.RoleAdmin)
}

func (p *Provider) createUser(ctx context.Context, email, name, password, role string) (*model.User, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("a valid email is required")
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	existing, err := p.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := p.users.Create(ctx, email, strings.TrimSpace(name), string(hash), role)
	if err != nil {
		return nil, err
	}
	p.logger.Info("account created", "user_id", user.ID, "role", role)
	return user, nil
}

// SignIn checks the password and starts a session. Unknown accounts and
// wrong passwords both return ErrInvalidCredentials.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*SignedSession, error) {
	user, err := p.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		p.logger.Info("sign-in failed", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}
	return p.StartSession(ctx, user)
}

// StartSession issues a session for an already authenticated user.
func (p *Provider) StartSession(ctx context.Context, user *model.User) (*SignedSession, error) {
	sess, err := p.sessions.Create(ctx, user.ID, p.ttl)
	if err != nil {
		return nil, err
	}
	token, err := p.tokens.Sign(user.ID, sess.ID, user.Role, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	p.logger.Info("session started", "user_id", user.ID, "session_id", sess.ID)
	return &SignedSession{Token: token, Session: sess, User: user}, nil
}

// CurrentSession resolves a signed token to a live session. The signature
// alone is never enough: the session row and revocation cache are checked
// on every call.
func (p *Provider) CurrentSession(ctx context.Context, token string) (AuthContext, error) {
	claims, err := p.tokens.Parse(token)
	if err != nil {
		return AuthContext{}, ErrSessionNotFound
	}

	if _, err := p.revoked.Get(ctx, revokedKeyPrefix+claims.ID); err == nil {
		return AuthContext{}, ErrSessionNotFound
	} else if !errors.Is(err, cache.ErrMiss) {
		p.logger.Warn("revocation cache lookup failed", "error", err)
	}

	sess, err := p.sessions.GetLive(ctx, claims.ID, p.now())
	if err != nil {
		return AuthContext{}, err
	}
	if sess == nil || sess.UserID != claims.Subject {
		return AuthContext{}, ErrSessionNotFound
	}

	user, err := p.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return AuthContext{}, err
	}
	if user == nil {
		return AuthContext{}, ErrSessionNotFound
	}

	return AuthContext{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: sess.ID,
	}, nil
}

// Terminate revokes a session and notifies subscribers. Terminating a
// session that is already revoked returns nil without a second event.
func (p *Provider) Terminate(ctx context.Context, sessionID string, reason Reason) error {
	sess, err := p.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	revoked, err := p.sessions.Revoke(ctx, sessionID)
	if err != nil {
		return err
	}
	if !revoked {
		return nil
	}

	if ttl := sess.ExpiresAt.Sub(p.now()); ttl > 0 {
		if err := p.revoked.Set(ctx, revokedKeyPrefix+sessionID, "1", ttl); err != nil {
			p.logger.Warn("revocation cache write failed", "session_id", sessionID, "error", err)
		}
	}

	p.logger.Info("session terminated", "session_id", sessionID, "user_id", sess.UserID, "reason", reason)
	p.publish(SessionEvent{SessionID: sessionID, UserID: sess.UserID, Reason: reason})
	return nil
}

// SignOut is Terminate for a voluntary logout.
func (p *Provider) SignOut(ctx context.Context, sessionID string) error {
	return p.Terminate(ctx, sessionID, ReasonSignOut)
}

// Subscribe registers fn for session events and returns a function that
// removes it. fn runs synchronously on the terminating goroutine.
func (p *Provider) Subscribe(fn func(SessionEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Provider) publish(ev SessionEvent) {
	p.mu.Lock()
	subs := make([]func(SessionEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// EmailFor returns the email address of a user.
func (p *Provider) EmailFor(ctx context.Context, userID string) (string, error) {
	user, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", fmt.Errorf("user %s not found", userID)
	}
	return user.Email, nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (p *Provider) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	return p.sessions.DeleteExpired(ctx)
}
