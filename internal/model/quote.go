package model

import "time"

const (
	QuoteStatusPending   = "pending"
	QuoteStatusQuoted    = "quoted"
	QuoteStatusAccepted  = "accepted"
	QuoteStatusCancelled = "cancelled"
)

// ValidQuoteStatus reports whether s is one of the known quote statuses.
func ValidQuoteStatus(s string) bool {
	switch s {
	case QuoteStatusPending, QuoteStatusQuoted, QuoteStatusAccepted, QuoteStatusCancelled:
		return true
	}
	return false
}

type Quote struct {
	ID          string    `json:"id"`
	UserID      *string   `json:"user_id"`
	ContactName string    `json:"contact_name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	Destination string    `json:"destination"`
	StartDate   string    `json:"start_date"`
	EndDate     string    `json:"end_date"`
	Travellers  int       `json:"travellers"`
	Notes       string    `json:"notes"`
	PriceCents  *int64    `json:"price_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
