package ws

import (
	"encoding/json"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second

	sendBuffer = 256
)

// Client is one service subscribed to the transaction feed
type Client struct {
	Service string
	conn    *websocket.Conn
	hub     *Hub
	send    chan message
	// highest transaction id written; owned by the writer
	lastID int64
	done   chan struct{}
}

func NewClient(service string, conn *websocket.Conn, hub *Hub, after int64) *Client {
	return &Client{
		Service: service,
		conn:    conn,
		hub:     hub,
		send:    make(chan message, sendBuffer),
		lastID:  after,
		done:    make(chan struct{}),
	}
}

// Backfiller pages committed history for a reconnecting client
type Backfiller func(afterID int64, limit int) ([]domain.PostedTransaction, error)

// Run registers with the hub, writes any backlog after lastID directly, then
// streams live events until the connection drops. Live events that overlap
// the backlog are skipped by id.
func (c *Client) Run(backlog Backfiller, maxBacklog int) {
	c.hub.Register(c)

	if backlog != nil && maxBacklog > 0 {
		if err := c.writeBacklog(backlog, maxBacklog); err != nil {
			logger.Warn("feed backfill failed", "service", c.Service, "error", err)
			c.hub.Unregister(c)
			_ = c.conn.Close()
			return
		}
	}

	ready, _ := json.Marshal(ReadyPayload{Type: MsgReady, After: c.lastID})
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, ready); err != nil {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (c *Client) writeBacklog(backlog Backfiller, maxBacklog int) error {
	const page = 200
	written := 0
	for written < maxBacklog {
		txns, err := backlog(c.lastID, page)
		if err != nil {
			return err
		}
		for _, t := range txns {
			data, err := json.Marshal(TransactionPayload{Type: MsgTransaction, Transaction: t})
			if err != nil {
				return err
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			c.lastID = t.ID
			written++
		}
		if len(txns) < page {
			return nil
		}
	}
	return nil
}

// read side only services pings and detects disconnects; the feed is one-way
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		<-c.done
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if msg.id <= c.lastID {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				logger.Debug("feed write failed", "service", c.Service, "error", err)
				return
			}
			c.lastID = msg.id

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
