package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/http/middleware"
	"blertbank/internal/http/respond"

	"github.com/gin-gonic/gin"
)

const (
	ParticipantUser    = "user"
	ParticipantSystem  = "system"
	ParticipantAccount = "account"
)

// Participant names a side of a transaction by user, system account name or
// raw account id instead of by account id alone.
type Participant struct {
	Kind      string  `json:"kind"`
	UserID    *int64  `json:"userId,omitempty"`
	Name      *string `json:"name,omitempty"`
	AccountID *int64  `json:"accountId,omitempty"`
	Amount    int64   `json:"amount"`
}

func (p Participant) valid() bool {
	switch p.Kind {
	case ParticipantUser:
		return p.UserID != nil
	case ParticipantSystem:
		return p.Name != nil
	case ParticipantAccount:
		return p.AccountID != nil
	}
	return false
}

type ParticipantResult struct {
	Participant
	BalanceAfter int64 `json:"balanceAfter"`
}

// EntryRequest is one raw entry in a request body. Pointers tell a missing
// field apart from zero.
type EntryRequest struct {
	AccountID *int64 `json:"accountId"`
	Amount    *int64 `json:"amount"`
}

type CreateTransactionRequest struct {
	CreatedBy             *int64                    `json:"createdBy"`
	Reason                string                    `json:"reason"`
	IdempotencyKey        *string                   `json:"idempotencyKey"`
	Source                *domain.TransactionSource `json:"source"`
	Metadata              map[string]any            `json:"metadata"`
	ReversesTransactionID *int64                    `json:"reversesTransactionId"`
	Entries               []*EntryRequest           `json:"entries"`
	Participants          []Participant             `json:"participants"`
}

func toEntryInputs(raw []*EntryRequest) ([]domain.EntryInput, string) {
	entries := make([]domain.EntryInput, len(raw))
	for i, e := range raw {
		switch {
		case e == nil:
			return nil, fmt.Sprintf("Invalid entry at index %d", i)
		case e.AccountID == nil:
			return nil, "Account IDs must be integers"
		case e.Amount == nil:
			return nil, "Transaction amounts must be integers"
		}
		entries[i] = domain.EntryInput{AccountID: *e.AccountID, Amount: *e.Amount}
	}
	return entries, ""
}

// TransactionResponse carries entries, or participants when the request was
// written in terms of participants.
type TransactionResponse struct {
	TransactionID int64                `json:"transactionId"`
	CreatedAt     time.Time            `json:"createdAt"`
	Idempotent    bool                 `json:"idempotent"`
	Entries       []domain.ResultEntry `json:"entries,omitempty"`
	Participants  []ParticipantResult  `json:"participants,omitempty"`
}

// CreateTransaction handles POST /transactions. 201 for a new transaction,
// 200 when an idempotency key replays a committed one.
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.CreatedBy == nil {
		respond.BadRequest(c, "createdBy must be an integer")
		return
	}
	if req.Reason == "" {
		respond.BadRequest(c, "reason is required")
		return
	}

	hasEntries := len(req.Entries) > 0
	hasParticipants := len(req.Participants) > 0
	switch {
	case hasEntries && hasParticipants:
		respond.BadRequest(c, "Provide either entries or participants, not both")
		return
	case !hasEntries && !hasParticipants:
		respond.BadRequest(c, "Either entries or participants is required")
		return
	}

	ctx := c.Request.Context()
	var entries []domain.EntryInput
	if hasEntries {
		var msg string
		if entries, msg = toEntryInputs(req.Entries); msg != "" {
			respond.BadRequest(c, msg)
			return
		}
	}
	if hasParticipants {
		for i, p := range req.Participants {
			if !p.valid() {
				respond.BadRequest(c, fmt.Sprintf("Invalid participant at index %d", i))
				return
			}
		}
		var err error
		if entries, err = h.resolveParticipants(ctx, req.Participants); err != nil {
			respond.Error(c, err)
			return
		}
	}

	result, err := h.Transactions.PostTransaction(ctx, middleware.ServiceName(c), domain.PostTransactionRequest{
		CreatedBy:             *req.CreatedBy,
		Reason:                req.Reason,
		Entries:               entries,
		IdempotencyKey:        req.IdempotencyKey,
		Source:                req.Source,
		Metadata:              req.Metadata,
		ReversesTransactionID: req.ReversesTransactionID,
	})
	if err != nil {
		respond.Error(c, err)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	respond.JSON(c, status, toTransactionResponse(result, req.Participants, entries))
}

func (h *Handler) resolveParticipants(ctx context.Context, participants []Participant) ([]domain.EntryInput, error) {
	entries := make([]domain.EntryInput, len(participants))
	for i, p := range participants {
		var (
			acc *domain.Account
			err error
		)
		switch p.Kind {
		case ParticipantUser:
			acc, err = h.Accounts.FindByUserID(ctx, *p.UserID)
		case ParticipantSystem:
			acc, err = h.Accounts.GetSystemAccount(ctx, *p.Name)
		case ParticipantAccount:
			acc, err = h.Accounts.FindByID(ctx, *p.AccountID)
		}
		if err != nil {
			return nil, err
		}
		entries[i] = domain.EntryInput{AccountID: acc.ID, Amount: p.Amount}
	}
	return entries, nil
}

// toTransactionResponse echoes participants by position. A replay whose stored
// entries do not line up with this request's participants is reported as
// entries.
func toTransactionResponse(result *domain.PostTransactionResult, participants []Participant, resolved []domain.EntryInput) TransactionResponse {
	resp := TransactionResponse{
		TransactionID: result.TransactionID,
		CreatedAt:     result.CreatedAt,
		Idempotent:    result.Idempotent,
	}

	if len(participants) > 0 && len(result.Entries) == len(participants) {
		out := make([]ParticipantResult, len(participants))
		matched := true
		for i, e := range result.Entries {
			if e.AccountID != resolved[i].AccountID || e.Amount != participants[i].Amount {
				matched = false
				break
			}
			out[i] = ParticipantResult{Participant: participants[i], BalanceAfter: e.BalanceAfter}
		}
		if matched {
			resp.Participants = out
			return resp
		}
	}

	resp.Entries = result.Entries
	return resp
}

// GetTransaction handles GET /transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, ok := positiveParam(c, "id")
	if !ok {
		return
	}
	txn, err := h.History.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, txn)
}
