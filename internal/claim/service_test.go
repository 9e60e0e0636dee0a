package claim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/quoteclaim/internal/auth"
	"github.com/dukerupert/quoteclaim/internal/database"
	"github.com/dukerupert/quoteclaim/internal/model"
	"github.com/dukerupert/quoteclaim/internal/store"
)

var baseTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// memTokens is an in-memory TokenStore. Redeem holds the mutex across the
// predicate check and the write, mirroring a conditional update.
type memTokens struct {
	mu       sync.Mutex
	rows     map[string]*model.ClaimToken
	redeemFn func() error
}

func newMemTokens() *memTokens {
	return &memTokens{rows: make(map[string]*model.ClaimToken)}
}

func (m *memTokens) Create(_ context.Context, token, quoteID, email string, expiresAt time.Time) (*model.ClaimToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[token]; ok {
		return nil, errors.New("duplicate token")
	}
	ct := &model.ClaimToken{ID: int64(len(m.rows) + 1), Token: token, QuoteID: quoteID, Email: email, ExpiresAt: expiresAt, CreatedAt: baseTime}
	m.rows[token] = ct
	cp := *ct
	return &cp, nil
}

func (m *memTokens) GetByToken(_ context.Context, token string) (*model.ClaimToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.rows[token]
	if !ok {
		return nil, nil
	}
	cp := *ct
	return &cp, nil
}

func (m *memTokens) GetRedeemable(_ context.Context, token string, now time.Time) (*model.ClaimInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.rows[token]
	if !ok || !ct.Redeemable(now) {
		return nil, nil
	}
	return &model.ClaimInfo{Token: ct.Token, Email: ct.Email, ExpiresAt: ct.ExpiresAt, Quote: model.Quote{ID: ct.QuoteID}}, nil
}

func (m *memTokens) ListRedeemableByEmail(_ context.Context, email string, now time.Time) ([]model.PendingClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PendingClaim
	for _, ct := range m.rows {
		if ct.Email == email && ct.Redeemable(now) {
			out = append(out, model.PendingClaim{ID: ct.ID, ExpiresAt: ct.ExpiresAt, Quote: model.Quote{ID: ct.QuoteID}})
		}
	}
	return out, nil
}

func (m *memTokens) Redeem(_ context.Context, token, userID string, now time.Time) (string, error) {
	if m.redeemFn != nil {
		if err := m.redeemFn(); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.rows[token]
	if !ok || !ct.Redeemable(now) {
		return "", nil
	}
	used := now
	bound := userID
	ct.UsedAt = &used
	ct.BoundUserID = &bound
	return ct.QuoteID, nil
}

type memOwners struct {
	mu     sync.Mutex
	owners map[string]string
	err    error
}

func (o *memOwners) AssignOwner(_ context.Context, quoteID, userID string) error {
	if o.err != nil {
		return o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owners == nil {
		o.owners = make(map[string]string)
	}
	o.owners[quoteID] = userID
	return nil
}

type staticAccounts map[string]string

func (a staticAccounts) EmailFor(_ context.Context, userID string) (string, error) {
	email, ok := a[userID]
	if !ok {
		return "", errors.New("no such user")
	}
	return email, nil
}

type fixture struct {
	svc    *Service
	tokens *memTokens
	owners *memOwners
	now    *time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	now := baseTime
	f := &fixture{tokens: newMemTokens(), owners: &memOwners{}, now: &now}
	opts = append([]Option{
		WithClock(func() time.Time { return *f.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	f.svc = NewService(f.tokens, f.owners, opts...)
	return f
}

func (f *fixture) seed(t *testing.T, token, quoteID, email string, ttl time.Duration) {
	t.Helper()
	_, err := f.tokens.Create(context.Background(), token, quoteID, email, f.now.Add(ttl))
	require.NoError(t, err)
}

func TestIssue(t *testing.T) {
	f := newFixture(t, WithTTL(48*time.Hour))

	ct, err := f.svc.Issue(context.Background(), "quote-1", "  Alice@Example.com ")
	require.NoError(t, err)
	require.Len(t, ct.Token, 64)
	require.Equal(t, "quote-1", ct.QuoteID)
	require.Equal(t, "alice@example.com", ct.Email)
	require.Equal(t, baseTime.Add(48*time.Hour), ct.ExpiresAt)

	other, err := f.svc.Issue(context.Background(), "quote-2", "alice@example.com")
	require.NoError(t, err)
	require.NotEqual(t, ct.Token, other.Token)
}

func TestIssueRequiresQuote(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Issue(context.Background(), "", "alice@example.com")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)

	info, err := f.svc.Validate(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", info.Email)
	require.Equal(t, "quote-1", info.Quote.ID)

	// Idempotent.
	again, err := f.svc.Validate(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, info, again)
}

func TestValidateIffRedeemable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "live", "q", "a@example.com", time.Hour)
	f.seed(t, "expired", "q", "a@example.com", -time.Second)
	f.seed(t, "boundary", "q", "a@example.com", 0)
	f.seed(t, "used", "q", "a@example.com", time.Hour)
	require.NoError(t, f.svc.Redeem(context.Background(), "used", "user-1"))

	cases := map[string]bool{
		"live":     true,
		"expired":  false,
		"boundary": false,
		"used":     false,
		"unknown":  false,
		"":         false,
	}
	for token, want := range cases {
		_, err := f.svc.Validate(context.Background(), token)
		if want {
			require.NoError(t, err, token)
		} else {
			require.ErrorIs(t, err, ErrNotFound, token)
		}
	}
}

func TestValidateExpiresWithClock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "q", "a@example.com", time.Minute)

	_, err := f.svc.Validate(context.Background(), "tok")
	require.NoError(t, err)

	*f.now = f.now.Add(time.Minute)
	_, err = f.svc.Validate(context.Background(), "tok")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedeem(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)

	require.NoError(t, f.svc.Redeem(context.Background(), "tok", "user-1"))
	require.Equal(t, "user-1", f.owners.owners["quote-1"])

	ct, _ := f.tokens.GetByToken(context.Background(), "tok")
	require.NotNil(t, ct.UsedAt)
	require.Equal(t, baseTime, *ct.UsedAt)
	require.Equal(t, "user-1", *ct.BoundUserID)
}

func TestRedeemMissingInput(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)
	var calls atomic.Int32
	f.tokens.redeemFn = func() error {
		calls.Add(1)
		return nil
	}

	require.ErrorIs(t, f.svc.Redeem(context.Background(), "", "user-1"), ErrRejected)
	require.ErrorIs(t, f.svc.Redeem(context.Background(), "tok", ""), ErrRejected)
	require.Zero(t, calls.Load(), "store must not be touched")
}

func TestRedeemUsedToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)

	require.NoError(t, f.svc.Redeem(context.Background(), "tok", "user-1"))
	require.ErrorIs(t, f.svc.Redeem(context.Background(), "tok", "user-1"), ErrRejected)
	require.ErrorIs(t, f.svc.Redeem(context.Background(), "tok", "user-2"), ErrRejected)

	ct, _ := f.tokens.GetByToken(context.Background(), "tok")
	require.Equal(t, "user-1", *ct.BoundUserID)
}

func TestRedeemExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)
	*f.now = f.now.Add(time.Hour)

	require.ErrorIs(t, f.svc.Redeem(context.Background(), "tok", "user-1"), ErrRejected)

	ct, _ := f.tokens.GetByToken(context.Background(), "tok")
	require.Nil(t, ct.UsedAt)
}

func TestRedeemUnknownToken(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.svc.Redeem(context.Background(), "nope", "user-1"), ErrRejected)
}

func TestRedeemStoreError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)
	f.tokens.redeemFn = func() error { return errors.New("database is locked") }

	require.ErrorIs(t, f.svc.Redeem(context.Background(), "tok", "user-1"), ErrRejected)

	// A retry after the transient failure behaves normally.
	f.tokens.redeemFn = nil
	require.NoError(t, f.svc.Redeem(context.Background(), "tok", "user-1"))
}

func TestRedeemOwnerLinkFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)
	f.owners.err = errors.New("quote row locked")

	require.NoError(t, f.svc.Redeem(context.Background(), "tok", "user-1"))

	ct, _ := f.tokens.GetByToken(context.Background(), "tok")
	require.NotNil(t, ct.UsedAt, "redemption is not rolled back")
}

func TestRedeemConcurrent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)

	const attempts = 32
	var wg sync.WaitGroup
	var wins, rejects atomic.Int32
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := f.svc.Redeem(context.Background(), "tok", "user-1"); err == nil {
				wins.Add(1)
			} else if errors.Is(err, ErrRejected) {
				rejects.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, attempts-1, rejects.Load())
}

func TestRedeemEmailMismatchLenient(t *testing.T) {
	f := newFixture(t, WithAccounts(staticAccounts{"user-1": "someone@example.com"}))
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)

	require.NoError(t, f.svc.Redeem(context.Background(), "tok", "user-1"))
}

func TestRedeemEmailMismatchStrict(t *testing.T) {
	f := newFixture(t,
		WithAccounts(staticAccounts{"user-1": "someone@example.com", "user-2": "Alice@Example.com"}),
		WithStrictEmail(true),
	)
	f.seed(t, "tok", "quote-1", "alice@example.com", time.Hour)

	require.ErrorIs(t, f.svc.Redeem(context.Background(), "tok", "user-1"), ErrRejected)
	ct, _ := f.tokens.GetByToken(context.Background(), "tok")
	require.Nil(t, ct.UsedAt, "strict mismatch rejects before the update")

	require.NoError(t, f.svc.Redeem(context.Background(), "tok", "user-2"))
}

// Token emails and account emails go through the same normalization, so a
// strict match succeeds however either side was typed.
func TestIssueNormalizesLikeAccounts(t *testing.T) {
	const typed = "  Carol.Smith@Example.COM "
	f := newFixture(t,
		WithAccounts(staticAccounts{"user-1": auth.NormalizeEmail(typed)}),
		WithStrictEmail(true),
	)

	ct, err := f.svc.Issue(context.Background(), "quote-1", typed)
	require.NoError(t, err)
	require.Equal(t, auth.NormalizeEmail(typed), ct.Email)
	require.NoError(t, f.svc.Redeem(context.Background(), ct.Token, "user-1"))
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "quote-1", "alice@example.com", time.Hour)
	f.seed(t, "b", "quote-2", "alice@example.com", -time.Hour)
	f.seed(t, "c", "quote-3", "bob@example.com", time.Hour)

	pending, err := f.svc.Pending(context.Background(), " ALICE@example.com")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "quote-1", pending[0].Quote.ID)

	none, err := f.svc.Pending(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, none)
}

// The sqlite store must give the same at-most-once guarantee as the fake.
func TestRedeemConcurrentSQLite(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	quotes := store.NewQuoteStore(db)
	users := store.NewUserStore(db)
	q, err := quotes.Create(ctx, model.Quote{ContactName: "Alice", Email: "alice@example.com", Destination: "Oslo"})
	require.NoError(t, err)
	u, err := users.Create(ctx, "alice@example.com", "Alice", "hash", model.RoleCustomer)
	require.NoError(t, err)

	svc := NewService(store.NewClaimTokenStore(db), quotes, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ct, err := svc.Issue(ctx, q.ID, "alice@example.com")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Redeem(ctx, ct.Token, u.ID) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())

	owned, err := quotes.GetByID(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, owned.UserID)
	require.Equal(t, u.ID, *owned.UserID)

	_, err = svc.Validate(ctx, ct.Token)
	require.ErrorIs(t, err, ErrNotFound)
}
