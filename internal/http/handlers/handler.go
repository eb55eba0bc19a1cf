package handlers

import (
	"strconv"

	"blertbank/internal/http/respond"
	"blertbank/internal/service"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Accounts     *service.AccountService
	Transactions *service.TransactionService
	History      *service.HistoryService
}

func NewHandler(accounts *service.AccountService, txns *service.TransactionService, history *service.HistoryService) *Handler {
	return &Handler{
		Accounts:     accounts,
		Transactions: txns,
		History:      history,
	}
}

// positiveParam reads a positive integer path parameter, writing a 400 if it
// is missing or malformed.
func positiveParam(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		respond.BadRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return v, true
}
