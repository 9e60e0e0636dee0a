package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/quoteclaim/internal/model"
)

type QuoteStore struct {
	db *sql.DB
}

func NewQuoteStore(db *sql.DB) *QuoteStore {
	return &QuoteStore{db: db}
}

// quoteRow holds the nullable columns of a quote while it is scanned.
type quoteRow struct {
	q      model.Quote
	userID sql.NullString
	price  sql.NullInt64
}

func (r *quoteRow) dest() []any {
	return []any{
		&r.q.ID, &r.userID, &r.q.ContactName, &r.q.Email, &r.q.Phone,
		&r.q.Destination, &r.q.StartDate, &r.q.EndDate, &r.q.Travellers, &r.q.Notes,
		&r.price, &r.q.Currency, &r.q.Status, &r.q.CreatedAt, &r.q.UpdatedAt,
	}
}

func (r *quoteRow) quote() model.Quote {
	q := r.q
	if r.userID.Valid {
		q.UserID = &r.userID.String
	}
	if r.price.Valid {
		q.PriceCents = &r.price.Int64
	}
	return q
}

func scanQuote(scanner interface{ Scan(...any) error }) (*model.Quote, error) {
	var r quoteRow
	if err := scanner.Scan(r.dest()...); err != nil {
		return nil, err
	}
	q := r.quote()
	return &q, nil
}

const quoteCols = `id, user_id, contact_name, email, phone, destination, start_date, end_date, travellers, notes, price_cents, currency, status, created_at, updated_at`

// quoteColsQ is quoteCols qualified with the "q" alias for joins.
const quoteColsQ = `q.id, q.user_id, q.contact_name, q.email, q.phone, q.destination, q.start_date, q.end_date, q.travellers, q.notes, q.price_cents, q.currency, q.status, q.created_at, q.updated_at`

// Create inserts a new pending quote. ID, status and timestamps are assigned here.
func (s *QuoteStore) Create(ctx context.Context, q model.Quote) (*model.Quote, error) {
	now := time.Now().UTC()
	q.ID = uuid.NewString()
	q.Status = model.QuoteStatusPending
	if q.Currency == "" {
		q.Currency = "USD"
	}
	if q.Travellers < 1 {
		q.Travellers = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotes (id, contact_name, email, phone, destination, start_date, end_date, travellers, notes, currency, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ContactName, q.Email, q.Phone, q.Destination, q.StartDate, q.EndDate,
		q.Travellers, q.Notes, q.Currency, q.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert quote: %w", err)
	}
	return s.GetByID(ctx, q.ID)
}

func (s *QuoteStore) GetByID(ctx context.Context, id string) (*model.Quote, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+quoteCols+` FROM quotes WHERE id = ?`, id)
	q, err := scanQuote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}
	return q, nil
}

// AssignOwner links the quote to a user account.
func (s *QuoteStore) AssignOwner(ctx context.Context, quoteID, userID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE quotes SET user_id = ?, updated_at = ? WHERE id = ?`,
		userID, time.Now().UTC(), quoteID,
	)
	if err != nil {
		return fmt.Errorf("assign quote owner: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("assign quote owner: quote %s not found", quoteID)
	}
	return nil
}

func (s *QuoteStore) ListByUser(ctx context.Context, userID string) ([]model.Quote, error) {
	return s.list(ctx, `SELECT `+quoteCols+` FROM quotes WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// List returns all quotes, newest first. An empty status matches every status.
func (s *QuoteStore) List(ctx context.Context, status string) ([]model.Quote, error) {
	if status == "" {
		return s.list(ctx, `SELECT `+quoteCols+` FROM quotes ORDER BY created_at DESC`)
	}
	return s.list(ctx, `SELECT `+quoteCols+` FROM quotes WHERE status = ? ORDER BY created_at DESC`, status)
}

func (s *QuoteStore) list(ctx context.Context, query string, args ...any) ([]model.Quote, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()

	quotes := []model.Quote{}
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		quotes = append(quotes, *q)
	}
	return quotes, rows.Err()
}

// UpdatePricing sets the status and, when priceCents is non-nil, the price.
func (s *QuoteStore) UpdatePricing(ctx context.Context, id, status string, priceCents *int64) (*model.Quote, error) {
	var price sql.NullInt64
	if priceCents != nil {
		price = sql.NullInt64{Int64: *priceCents, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE quotes SET status = ?, price_cents = COALESCE(?, price_cents), updated_at = ? WHERE id = ?`,
		status, price, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update quote pricing: %w", err)
	}
	return s.GetByID(ctx, id)
}
