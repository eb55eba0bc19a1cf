package handlers

import (
	"net/http"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/http/respond"

	"github.com/gin-gonic/gin"
)

type AccountResponse struct {
	AccountID int64              `json:"accountId"`
	Kind      domain.AccountKind `json:"kind"`
	UserID    *int64             `json:"userId"`
	Balance   int64              `json:"balance"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

type SystemAccountResponse struct {
	AccountResponse
	Name string `json:"name"`
}

type BalanceResponse struct {
	UserID  int64 `json:"userId"`
	Balance int64 `json:"balance"`
}

type createAccountRequest struct {
	UserID *int64 `json:"userId"`
}

func toAccountResponse(acc *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID: acc.ID,
		Kind:      acc.Kind,
		UserID:    acc.OwnerUserID,
		Balance:   acc.Balance,
		CreatedAt: acc.CreatedAt,
		UpdatedAt: acc.UpdatedAt,
	}
}

// CreateAccount handles POST /accounts. 201 when the account was created,
// 200 when it already existed.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == nil {
		respond.BadRequest(c, "userId must be an integer")
		return
	}

	acc, created, err := h.Accounts.GetOrCreate(c.Request.Context(), *req.UserID)
	if err != nil {
		respond.Error(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond.JSON(c, status, toAccountResponse(acc))
}

// GetAccount handles GET /accounts/:userId. The account is created on first
// read unless ?create=false.
func (h *Handler) GetAccount(c *gin.Context) {
	userID, ok := positiveParam(c, "userId")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		acc *domain.Account
		err error
	)
	if c.DefaultQuery("create", "true") == "false" {
		acc, err = h.Accounts.FindByUserID(ctx, userID)
	} else {
		acc, _, err = h.Accounts.GetOrCreate(ctx, userID)
	}
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, toAccountResponse(acc))
}

// GetBalance handles GET /accounts/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := positiveParam(c, "userId")
	if !ok {
		return
	}

	acc, _, err := h.Accounts.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, BalanceResponse{UserID: userID, Balance: acc.Balance})
}

// GetSystemAccount handles GET /system-accounts/:name
func (h *Handler) GetSystemAccount(c *gin.Context) {
	name := c.Param("name")
	acc, err := h.Accounts.GetSystemAccount(c.Request.Context(), name)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, SystemAccountResponse{AccountResponse: toAccountResponse(acc), Name: name})
}
