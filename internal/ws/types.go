package ws

import "blertbank/internal/domain"

const (
	// server - client
	MsgReady       = "ready"
	MsgTransaction = "transaction"
)

type ReadyPayload struct {
	Type  string `json:"type"`
	After int64  `json:"after"`
}

type TransactionPayload struct {
	Type        string                   `json:"type"`
	Transaction domain.PostedTransaction `json:"transaction"`
}
