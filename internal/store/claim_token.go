package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/quoteclaim/internal/model"
)

type ClaimTokenStore struct {
	db *sql.DB
}

func NewClaimTokenStore(db *sql.DB) *ClaimTokenStore {
	return &ClaimTokenStore{db: db}
}

func scanClaimToken(scanner interface{ Scan(...any) error }) (*model.ClaimToken, error) {
	var ct model.ClaimToken
	var usedAt sql.NullTime
	var boundUserID sql.NullString

	err := scanner.Scan(
		&ct.ID, &ct.Token, &ct.QuoteID, &ct.Email,
		&ct.ExpiresAt, &usedAt, &boundUserID, &ct.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if usedAt.Valid {
		ct.UsedAt = &usedAt.Time
	}
	if boundUserID.Valid {
		ct.BoundUserID = &boundUserID.String
	}
	return &ct, nil
}

func scanClaimInfo(scanner interface{ Scan(...any) error }) (*model.ClaimInfo, error) {
	var info model.ClaimInfo
	var qr quoteRow
	dest := append([]any{&info.Token, &info.Email, &info.ExpiresAt}, qr.dest()...)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	info.Quote = qr.quote()
	return &info, nil
}

func scanPendingClaim(scanner interface{ Scan(...any) error }) (*model.PendingClaim, error) {
	var pc model.PendingClaim
	var qr quoteRow
	dest := append([]any{&pc.ID, &pc.ExpiresAt}, qr.dest()...)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	pc.Quote = qr.quote()
	return &pc, nil
}

const claimTokenCols = `id, token, quote_id, email, expires_at, used_at, bound_user_id, created_at`

const claimInfoSelect = `SELECT ct.token, ct.email, ct.expires_at, ` + quoteColsQ + `
	FROM claim_tokens ct JOIN quotes q ON q.id = ct.quote_id`

const pendingClaimSelect = `SELECT ct.id, ct.expires_at, ` + quoteColsQ + `
	FROM claim_tokens ct JOIN quotes q ON q.id = ct.quote_id`

// Create stores a new token for the quote.
func (s *ClaimTokenStore) Create(ctx context.Context, token, quoteID, email string, expiresAt time.Time) (*model.ClaimToken, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO claim_tokens (token, quote_id, email, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		token, quoteID, email, expiresAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert claim token: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+claimTokenCols+` FROM claim_tokens WHERE id = ?`, id)
	return scanClaimToken(row)
}

// GetByToken returns the token row regardless of its state, or nil if unknown.
// It exists for audit logging; callers deciding redeemability use GetRedeemable.
func (s *ClaimTokenStore) GetByToken(ctx context.Context, token string) (*model.ClaimToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimTokenCols+` FROM claim_tokens WHERE token = ?`, token)
	ct, err := scanClaimToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim token: %w", err)
	}
	return ct, nil
}

// GetRedeemable returns the token joined with its quote, or nil if the token
// is unknown, used, or expired at now.
func (s *ClaimTokenStore) GetRedeemable(ctx context.Context, token string, now time.Time) (*model.ClaimInfo, error) {
	row := s.db.QueryRowContext(ctx,
		claimInfoSelect+` WHERE ct.token = ? AND ct.used_at IS NULL AND ct.expires_at > ?`,
		token, now.UTC(),
	)
	info, err := scanClaimInfo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get redeemable claim token: %w", err)
	}
	return info, nil
}

// ListRedeemableByEmail returns every still-redeemable token issued to
// email. Token values are not selected.
func (s *ClaimTokenStore) ListRedeemableByEmail(ctx context.Context, email string, now time.Time) ([]model.PendingClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		pendingClaimSelect+` WHERE ct.email = ? AND ct.used_at IS NULL AND ct.expires_at > ? ORDER BY ct.created_at DESC`,
		email, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list claim tokens: %w", err)
	}
	defer rows.Close()

	pending := []model.PendingClaim{}
	for rows.Next() {
		pc, err := scanPendingClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim token: %w", err)
		}
		pending = append(pending, *pc)
	}
	return pending, rows.Err()
}

// Redeem marks the token used and binds it to userID, but only if it is
// still unused and unexpired when the update applies. It returns the quote
// the token unlocks, or "" if no row matched.
func (s *ClaimTokenStore) Redeem(ctx context.Context, token, userID string, now time.Time) (string, error) {
	now = now.UTC()
	var quoteID string
	err := s.db.QueryRowContext(ctx,
		`UPDATE claim_tokens SET used_at = ?, bound_user_id = ?
		 WHERE token = ? AND used_at IS NULL AND expires_at > ?
		 RETURNING quote_id`,
		now, userID, token, now,
	).Scan(&quoteID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redeem claim token: %w", err)
	}
	return quoteID, nil
}
