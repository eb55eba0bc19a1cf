package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"blertbank/internal/logger"
	"blertbank/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

// Connects to the transaction feed and prints every event until interrupted
// or -count events have arrived.
func main() {
	addr := flag.String("addr", "localhost:8080", "ledger host:port")
	after := flag.Int64("after", -1, "replay transactions after this id (-1 for live only)")
	count := flag.Int("count", 0, "exit after this many transactions (0 for no limit)")
	flag.Parse()

	_ = godotenv.Load()
	token := os.Getenv("SERVICE_TOKEN")
	if token == "" {
		logger.Fatal("SERVICE_TOKEN not set")
	}

	q := url.Values{"token": {token}}
	if *after >= 0 {
		q.Set("after", strconv.FormatInt(*after, 10))
	}
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws/transactions", RawQuery: q.Encode()}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Fatal("dial feed", "host", *addr, "status", status, "error", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	seen := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("feed closed", "received", seen, "error", err)
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad frame", "error", err)
			continue
		}

		switch env.Type {
		case ws.MsgReady:
			var ready ws.ReadyPayload
			_ = json.Unmarshal(data, &ready)
			logger.Info("feed ready", "after", ready.After)
		case ws.MsgTransaction:
			var p ws.TransactionPayload
			if err := json.Unmarshal(data, &p); err != nil {
				logger.Warn("bad transaction frame", "error", err)
				continue
			}
			fmt.Printf("#%d %s by %s/%d:", p.Transaction.ID, p.Transaction.Reason, p.Transaction.CreatedByService, p.Transaction.CreatedBy)
			for _, e := range p.Transaction.Entries {
				fmt.Printf(" [acct %d %+d -> %d]", e.AccountID, e.Amount, e.BalanceAfter)
			}
			fmt.Println()

			seen++
			if *count > 0 && seen >= *count {
				return
			}
		}
	}
}
