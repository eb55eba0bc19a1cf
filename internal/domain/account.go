package domain

import "time"

// AccountKind classifies an account for balance rules
type AccountKind string

const (
	AccountKindUser     AccountKind = "user"
	AccountKindTreasury AccountKind = "treasury"
	AccountKindSink     AccountKind = "sink"
)

// Well-known system account names
const (
	SystemAccountTreasury = "treasury"
	SystemAccountSink     = "sink"
)

// Valid reports whether k is a known account kind
func (k AccountKind) Valid() bool {
	switch k {
	case AccountKindUser, AccountKindTreasury, AccountKindSink:
		return true
	}
	return false
}

// MayGoNegative reports whether balances of this kind are allowed below zero.
// Only the treasury issues currency, so only it may be overdrawn.
func (k AccountKind) MayGoNegative() bool {
	return k == AccountKindTreasury
}

// Account is a ledger account joined with its current balance
type Account struct {
	ID          int64       `db:"id" json:"accountId"`
	OwnerUserID *int64      `db:"owner_user_id" json:"userId,omitempty"`
	Kind        AccountKind `db:"kind" json:"kind"`
	Balance     int64       `db:"balance" json:"balance"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}
