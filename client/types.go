package client

import "time"

type Account struct {
	AccountID int64     `json:"accountId"`
	Kind      string    `json:"kind"`
	UserID    *int64    `json:"userId"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Entry struct {
	AccountID int64 `json:"accountId"`
	Amount    int64 `json:"amount"`
}

// Participant identifies one side of a transaction. Set exactly one of
// UserID, Name or AccountID to match Kind.
type Participant struct {
	Kind      string  `json:"kind"`
	UserID    *int64  `json:"userId,omitempty"`
	Name      *string `json:"name,omitempty"`
	AccountID *int64  `json:"accountId,omitempty"`
	Amount    int64   `json:"amount"`
}

func UserParticipant(userID, amount int64) Participant {
	return Participant{Kind: "user", UserID: &userID, Amount: amount}
}

func SystemParticipant(name string, amount int64) Participant {
	return Participant{Kind: "system", Name: &name, Amount: amount}
}

func AccountParticipant(accountID, amount int64) Participant {
	return Participant{Kind: "account", AccountID: &accountID, Amount: amount}
}

type Source struct {
	Table string `json:"table"`
	ID    int64  `json:"id"`
}

// TransactionRequest carries either Entries or Participants
type TransactionRequest struct {
	CreatedBy      int64          `json:"createdBy"`
	Reason         string         `json:"reason"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Source         *Source        `json:"source,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Entries        []Entry        `json:"entries,omitempty"`
	Participants   []Participant  `json:"participants,omitempty"`

	// ReversesTransactionID links a compensating transaction to the original
	ReversesTransactionID int64 `json:"reversesTransactionId,omitempty"`
}

type ResultEntry struct {
	AccountID    int64 `json:"accountId"`
	Amount       int64 `json:"amount"`
	BalanceAfter int64 `json:"balanceAfter"`
}

type ParticipantResult struct {
	Participant
	BalanceAfter int64 `json:"balanceAfter"`
}

type TransactionResult struct {
	TransactionID int64               `json:"transactionId"`
	CreatedAt     time.Time           `json:"createdAt"`
	Idempotent    bool                `json:"idempotent"`
	Entries       []ResultEntry       `json:"entries,omitempty"`
	Participants  []ParticipantResult `json:"participants,omitempty"`
}

type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}
