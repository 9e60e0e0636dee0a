// Package claim issues, validates and redeems single-use quote claim tokens.
//
// The service keeps no state of its own. At-most-once redemption rests on
// the store's conditional update, so any number of instances may run
// against the same database.
package claim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/quoteclaim/internal/auth"
	"github.com/dukerupert/quoteclaim/internal/model"
)

// DefaultTTL is how long an issued token stays redeemable.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned by Validate for unknown, used and expired
	// tokens alike.
	ErrNotFound = errors.New("claim token not found")

	// ErrRejected is returned by Redeem for every failure: bad input,
	// unknown, used or expired tokens, and store errors.
	ErrRejected = errors.New("claim token could not be redeemed")
)

// TokenStore is the persistence the service needs. Implemented by
// store.ClaimTokenStore.
type TokenStore interface {
	Create(ctx context.Context, token, quoteID, email string, expiresAt time.Time) (*model.ClaimToken, error)
	GetByToken(ctx context.Context, token string) (*model.ClaimToken, error)
	GetRedeemable(ctx context.Context, token string, now time.Time) (*model.ClaimInfo, error)
	ListRedeemableByEmail(ctx context.Context, email string, now time.Time) ([]model.PendingClaim, error)
	Redeem(ctx context.Context, token, userID string, now time.Time) (string, error)
}

// QuoteOwners links a quote to the account that claimed it.
type QuoteOwners interface {
	AssignOwner(ctx context.Context, quoteID, userID string) error
}

// Accounts resolves the email address of a user. Optional.
type Accounts interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

type Service struct {
	tokens      TokenStore
	quotes      QuoteOwners
	accounts    Accounts
	strictEmail bool
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithAccounts enables the email comparison on Redeem.
func WithAccounts(a Accounts) Option {
	return func(s *Service) { s.accounts = a }
}

// WithStrictEmail makes an email mismatch between the redeeming account and
// the token a rejection instead of a logged warning. Needs WithAccounts.
func WithStrictEmail(strict bool) Option {
	return func(s *Service) { s.strictEmail = strict }
}

func NewService(tokens TokenStore, quotes QuoteOwners, opts ...Option) *Service {
	s := &Service{
		tokens: tokens,
		quotes: quotes,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Issue creates a token that unlocks quoteID for whoever holds it.
func (s *Service) Issue(ctx context.Context, quoteID, email string) (*model.ClaimToken, error) {
	if quoteID == "" {
		return nil, errors.New("issue claim token: quote id is required")
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	ct, err := s.tokens.Create(ctx, token, quoteID, auth.NormalizeEmail(email), s.now().Add(s.ttl))
	if err != nil {
		return nil, fmt.Errorf("issue claim token: %w", err)
	}
	s.logger.Info("claim token issued", "quote_id", quoteID, "token_id", ct.ID, "expires_at", ct.ExpiresAt)
	return ct, nil
}

// Validate returns the quote a token unlocks. It has no side effects.
func (s *Service) Validate(ctx context.Context, token string) (*model.ClaimInfo, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	info, err := s.tokens.GetRedeemable(ctx, token, s.now())
	if err != nil {
		return nil, fmt.Errorf("validate claim token: %w", err)
	}
	if info == nil {
		s.logger.Info("claim token validation failed", "reason", s.reason(ctx, token))
		return nil, ErrNotFound
	}
	return info, nil
}

// Redeem marks the token used and binds it to userID. Exactly one of any
// number of concurrent calls for the same token can succeed. Linking the
// quote to the account afterwards is best effort.
func (s *Service) Redeem(ctx context.Context, token, userID string) error {
	if token == "" || userID == "" {
		s.logger.Info("claim token redemption rejected", "reason", "missing input")
		return ErrRejected
	}

	if s.accounts != nil {
		if err := s.checkEmail(ctx, token, userID); err != nil {
			return err
		}
	}

	quoteID, err := s.tokens.Redeem(ctx, token, userID, s.now())
	if err != nil {
		s.logger.Error("claim token redemption failed", "user_id", userID, "error", err)
		return ErrRejected
	}
	if quoteID == "" {
		s.logger.Info("claim token redemption rejected", "user_id", userID, "reason", s.reason(ctx, token))
		return ErrRejected
	}

	if err := s.quotes.AssignOwner(ctx, quoteID, userID); err != nil {
		s.logger.Warn("claim redeemed but quote owner not linked", "quote_id", quoteID, "user_id", userID, "error", err)
	} else {
		s.logger.Info("claim token redeemed", "quote_id", quoteID, "user_id", userID)
	}
	return nil
}

// Pending lists the claims still redeemable for an email address. Entries
// never include the token: redeeming still takes the original link.
func (s *Service) Pending(ctx context.Context, email string) ([]model.PendingClaim, error) {
	email = auth.NormalizeEmail(email)
	if email == "" {
		return []model.PendingClaim{}, nil
	}
	pending, err := s.tokens.ListRedeemableByEmail(ctx, email, s.now())
	if err != nil {
		return nil, fmt.Errorf("list pending claims: %w", err)
	}
	return pending, nil
}

func (s *Service) checkEmail(ctx context.Context, token, userID string) error {
	ct, err := s.tokens.GetByToken(ctx, token)
	if err != nil || ct == nil {
		// Redeem's conditional update decides.
		return nil
	}
	email, err := s.accounts.EmailFor(ctx, userID)
	if err != nil {
		s.logger.Warn("claim email lookup failed", "user_id", userID, "error", err)
		if s.strictEmail {
			return ErrRejected
		}
		return nil
	}
	if auth.NormalizeEmail(email) == ct.Email {
		return nil
	}
	s.logger.Warn("claim email mismatch", "token_id", ct.ID, "user_id", userID, "strict", s.strictEmail)
	if s.strictEmail {
		return ErrRejected
	}
	return nil
}

// reason classifies a failed lookup for the audit log. It is never returned
// to callers.
func (s *Service) reason(ctx context.Context, token string) string {
	ct, err := s.tokens.GetByToken(ctx, token)
	switch {
	case err != nil:
		return "lookup error"
	case ct == nil:
		return "unknown"
	case ct.UsedAt != nil:
		return "used"
	case !s.now().Before(ct.ExpiresAt):
		return "expired"
	default:
		return "unavailable"
	}
}
