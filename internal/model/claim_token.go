package model

import "time"

// ClaimToken binds an anonymously submitted quote to the account that
// later redeems it. Used and expired tokens are kept as audit records.
type ClaimToken struct {
	ID          int64      `json:"id"`
	Token       string     `json:"token"`
	QuoteID     string     `json:"quote_id"`
	Email       string     `json:"email"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at"`
	BoundUserID *string    `json:"bound_user_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Redeemable reports whether the token is unused and unexpired at now.
func (t *ClaimToken) Redeemable(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// ClaimInfo is what a valid token reveals: the address it was issued for
// and a snapshot of the quote it unlocks.
type ClaimInfo struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	Quote     Quote     `json:"quote"`
}

// PendingClaim is a dashboard entry for a token still waiting to be
// redeemed. It carries the row id, never the token itself: an account's
// email address is not verified, so only the holder of the original link
// may redeem.
type PendingClaim struct {
	ID        int64     `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
	Quote     Quote     `json:"quote"`
}
