package handlers

import (
	"net/http"
	"strconv"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/http/middleware"
	"blertbank/internal/http/respond"
	"blertbank/internal/logger"
	"blertbank/internal/service"
	"blertbank/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// FeedConfig tunes the transaction feed endpoint
type FeedConfig struct {
	AllowedOrigin string
	// SettleDelay must match the relay's so backfill and live events agree
	SettleDelay time.Duration
	MaxBacklog  int
	// Position reports how far the relay has got. Backfill stops there so
	// it never runs ahead of an id the relay is still waiting on.
	Position func() int64
}

// Feed upgrades to a WebSocket that streams committed transactions. With
// ?after=<id> the client first receives everything committed after id.
func Feed(hub *ws.Hub, history *service.HistoryService, cfg FeedConfig) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var after int64
		if raw := c.Query("after"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				respond.BadRequest(c, "after must be a non-negative integer")
				return
			}
			after = v
		} else {
			head, err := history.LatestID(ctx)
			if err != nil {
				respond.Error(c, err)
				return
			}
			after = head
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WithContext(ctx).Warn("ws upgrade failed", "error", err)
			return
		}

		backfill := func(afterID int64, limit int) ([]domain.PostedTransaction, error) {
			txns, err := history.ListAfter(ctx, afterID, time.Now().Add(-cfg.SettleDelay), limit)
			if err != nil || cfg.Position == nil {
				return txns, err
			}
			upTo := cfg.Position()
			for i, t := range txns {
				if t.ID > upTo {
					return txns[:i], nil
				}
			}
			return txns, nil
		}

		svc := middleware.ServiceName(c)
		logger.WithContext(ctx).Info("feed subscriber connected", "after", after)
		ws.NewClient(svc, conn, hub, after).Run(backfill, cfg.MaxBacklog)
		logger.WithContext(ctx).Info("feed subscriber disconnected")
	}
}
