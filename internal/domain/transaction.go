package domain

import "time"

// SystemActor is the createdBy value used for transactions not initiated by a user
const SystemActor int64 = 0

// TransactionSource links a transaction to the domain record that caused it,
// e.g. {Table: "challenges", ID: 12345}.
type TransactionSource struct {
	Table string `json:"table"`
	ID    int64  `json:"id"`
}

// Transaction is an immutable ledger record. Its entries are stored separately.
type Transaction struct {
	ID               int64              `db:"id" json:"transactionId"`
	CreatedBy        int64              `db:"created_by" json:"createdBy"`
	CreatedByService string             `db:"created_by_svc" json:"createdByService"`
	Reason           string             `db:"reason" json:"reason"`
	IdempotencyKey   *string            `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	Source           *TransactionSource `json:"source,omitempty"`
	Metadata         map[string]any     `db:"metadata" json:"metadata"`
	CreatedAt        time.Time          `db:"created_at" json:"createdAt"`

	// ReversesTransactionID links a compensating transaction to the one it undoes
	ReversesTransactionID *int64 `db:"reverses_txn_id" json:"reversesTransactionId,omitempty"`
}

// Entry is one signed amount applied to one account within a transaction
type Entry struct {
	TransactionID int64 `db:"txn_id" json:"transactionId"`
	AccountID     int64 `db:"account_id" json:"accountId"`
	Amount        int64 `db:"amount" json:"amount"`
	BalanceAfter  int64 `db:"balance_after" json:"balanceAfter"`
}

// EntryInput is a requested balance delta
type EntryInput struct {
	AccountID int64 `json:"accountId"`
	Amount    int64 `json:"amount"`
}

// PostTransactionRequest is what callers submit to the ledger
type PostTransactionRequest struct {
	CreatedBy      int64
	Reason         string
	Entries        []EntryInput
	IdempotencyKey *string
	Source         *TransactionSource
	Metadata       map[string]any

	// ReversesTransactionID marks this as the compensating transaction for
	// an earlier one. A transaction can be reversed at most once.
	ReversesTransactionID *int64
}

// ResultEntry reports the applied delta and the balance snapshot taken when it was applied
type ResultEntry struct {
	AccountID    int64 `json:"accountId"`
	Amount       int64 `json:"amount"`
	BalanceAfter int64 `json:"balanceAfter"`
}

// PostTransactionResult is returned for both fresh and replayed transactions
type PostTransactionResult struct {
	TransactionID int64         `json:"transactionId"`
	CreatedAt     time.Time     `json:"createdAt"`
	Idempotent    bool          `json:"idempotent"`
	Entries       []ResultEntry `json:"entries"`
}

// PostedTransaction is a committed transaction together with its entries
type PostedTransaction struct {
	Transaction
	Entries []Entry `json:"entries"`
}
