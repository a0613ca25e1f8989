package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var newline = []byte{'\n'}

// Client is one websocket connection. Subscription fields are touched only
// on the read goroutine, which also runs the unregister on exit, so they
// need no lock of their own; the hub's indexes carry the shared view.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	ip   string

	send chan []byte
	done chan struct{}

	tokens  map[string]bool
	trader  string
	onClose func()

	closeOnce sync.Once
	dropOnce  sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, ip string, onClose func()) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		ip:      ip,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		tokens:  make(map[string]bool),
		onClose: onClose,
	}
}

// close tears the connection down once; safe from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// drop is close plus the kicked-for-lag counter. Only the overflow path in
// Hub.offer calls it.
func (c *Client) drop() {
	c.dropOnce.Do(func() {
		if c.hub.metrics != nil {
			c.hub.metrics.WSDroppedClients.Inc()
		}
		c.hub.logger.Info("dropping slow client", "ip", c.ip)
	})
	c.close()
}

// readPump owns inbound traffic and the connection lifetime. It exits on
// read error or limit breach and unregisters the client on the way out.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("client read error", "ip", c.ip, "error", err)
			}
			return
		}
		c.handle(ctx, raw)
	}
}

// writePump owns outbound traffic: queued frames, batched when the buffer
// has more, and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type command struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	Trader string `json:"trader,omitempty"`
}

func (c *Client) handle(ctx context.Context, raw []byte) {
	nowMs := c.hub.now().UnixMilli()
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.hub.sendTo(c, errorFrame("malformed command", nowMs))
		return
	}
	switch cmd.Type {
	case "subscribe":
		c.hub.subscribeToken(ctx, c, cmd.Token)
	case "unsubscribe":
		c.hub.unsubscribeToken(c, cmd.Token)
	case "subscribe_trader":
		if cmd.Trader == "" {
			c.hub.sendTo(c, errorFrame("subscribe_trader needs a trader address", nowMs))
			return
		}
		c.hub.subscribeTrader(ctx, c, cmd.Trader)
	case "unsubscribe_trader":
		c.hub.unsubscribeTrader(c)
	case "subscribe_risk":
		c.hub.subscribeRisk(ctx, c)
	case "unsubscribe_risk":
		c.hub.unsubscribeRisk(c)
	case "get_orderbook":
		c.hub.sendTo(c, c.hub.orderbookSnapshot(cmd.Token, nowMs))
	case "get_market":
		c.hub.sendTo(c, c.hub.marketDataSnapshot(ctx, cmd.Token, nowMs))
	case "get_funding":
		stats, err := c.hub.repos.Markets.Get(ctx, cmd.Token)
		if err != nil {
			c.hub.sendTo(c, errorFrame("funding unavailable for "+cmd.Token, nowMs))
			return
		}
		c.hub.sendTo(c, fundingFrame(cmd.Token, stats.FundingRate, stats.NextFundingTime, nowMs))
	case "get_positions":
		if c.trader == "" {
			c.hub.sendTo(c, errorFrame("subscribe_trader first", nowMs))
			return
		}
		for _, pos := range c.hub.repos.Positions.ByUser(ctx, c.trader) {
			if pos.IsOpen() {
				c.hub.sendTo(c, positionFrame(pos, nowMs))
			}
		}
	case "get_balance":
		if c.trader == "" {
			c.hub.sendTo(c, errorFrame("subscribe_trader first", nowMs))
			return
		}
		b, err := c.hub.repos.Balances.Get(ctx, c.trader)
		if err != nil {
			c.hub.sendTo(c, errorFrame("balance unavailable", nowMs))
			return
		}
		c.hub.sendTo(c, balanceFrame(b, nowMs))
	case "ping":
		c.hub.sendTo(c, pongFrame(nowMs))
	default:
		c.hub.sendTo(c, errorFrame("unknown command "+cmd.Type, nowMs))
	}
}
