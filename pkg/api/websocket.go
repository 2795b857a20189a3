package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/papertrade/exchange/pkg/exchange/book"
	"github.com/papertrade/exchange/pkg/exchange/broadcast"
	"github.com/papertrade/exchange/pkg/exchange/engine"
	"github.com/papertrade/exchange/pkg/exchange/ledger"
	"github.com/papertrade/exchange/pkg/identity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced on the main handler.
		return true
	},
}

const (
	closeUnauthenticated = 4001

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// session is one live WebSocket connection. It implements broadcast.Session:
// the registry delivers snapshots and trade notices through Send.
type session struct {
	name string
	user *identity.Identity
	conn *websocket.Conn
	send chan []byte
	srv  *Server

	closeOnce sync.Once
}

func (c *session) Name() string   { return c.name }
func (c *session) UserID() string { return c.user.ID }

// Send enqueues a payload for the write pump. It never blocks: a full buffer
// means the client stopped reading, so the session is torn down instead.
func (c *session) Send(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		c.shutdown()
		return fmt.Errorf("session %s: send buffer full", c.name)
	}
}

func (c *session) shutdown() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// sendEnvelope marshals and queues a typed message for this session only.
func (c *session) sendEnvelope(typ string, data any) {
	payload, err := json.Marshal(broadcast.Envelope{Type: typ, Data: data})
	if err != nil {
		c.srv.log.Errorw("ws_marshal_failed", "type", typ, "err", err)
		return
	}
	if err := c.Send(payload); err != nil {
		c.srv.log.Warnw("ws_send_failed", "session", c.name, "err", err)
	}
}

func (c *session) sendError(message string) {
	c.sendEnvelope("error", errorPayload{Message: message})
}

func (c *session) sendOrderError(message string) {
	c.sendEnvelope("order_error", errorPayload{Message: message})
}

// handleWebSocket upgrades the connection, authenticates the jwt_token
// cookie, and registers the session for broadcasts. Authentication failure is
// fatal to the session; the connection closes with a policy code.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	user := s.userFromRequest(r)
	if user == nil || !user.Active {
		msg := websocket.FormatCloseMessage(closeUnauthenticated, "unauthenticated")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	balance, err := s.store.Balance(user.ID)
	if err != nil {
		s.log.Errorw("ws_balance_lookup_failed", "user_id", user.ID, "err", err)
		balance = decimal.Zero
	}

	c := &session{
		name: conn.RemoteAddr().String() + "/" + uuid.NewString()[:8],
		user: user,
		conn: conn,
		send: make(chan []byte, 256),
		srv:  s,
	}

	c.sendEnvelope("connection_ack", connectionAck{
		Status:  "connected",
		UserID:  user.ID,
		Email:   user.Email,
		Balance: balance,
	})

	s.registry.Subscribe(c)

	go c.writePump()
	go c.readPump()
}

// readPump owns reads. Malformed requests get a typed error without closing;
// the loop only exits when the connection dies.
func (c *session) readPump() {
	defer func() {
		c.srv.registry.Unsubscribe(c.name)
		c.shutdown()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.log.Warnw("ws_read_error", "session", c.name, "err", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("Invalid JSON format")
			continue
		}

		switch req.Type {
		case "ping":
			c.sendEnvelope("pong", nil)
		case "place_order":
			c.handlePlaceOrder(req.Data)
		default:
			c.sendError("Unknown message type: " + req.Type)
		}
	}
}

func (c *session) handlePlaceOrder(data json.RawMessage) {
	var req placeOrderRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendOrderError("Invalid order data")
		return
	}
	if req.OrderType == "" || req.Price == "" || req.Quantity == "" {
		c.sendOrderError("Missing required field: order_type, price and quantity are required")
		return
	}

	price, err := decimal.NewFromString(req.Price.String())
	if err != nil {
		c.sendOrderError("Invalid order data: bad price")
		return
	}
	qty, err := req.Quantity.Int64()
	if err != nil {
		c.sendOrderError("Invalid order data: bad quantity")
		return
	}
	side := book.Side(strings.ToUpper(req.OrderType))

	res, err := c.srv.engine.SubmitOrder(c.user.ID, c.user.Email, c.srv.engine.Symbol(), side, price, qty)
	if err != nil && res == nil {
		c.sendOrderError(orderErrorMessage(err))
		return
	}

	c.sendEnvelope("order_placed_ack", orderAck{
		OrderID:   res.Order.ID,
		Message:   "Order placed successfully",
		OrderType: string(res.Order.Side),
		Price:     res.Order.Price,
		Quantity:  res.Order.Quantity,
		Matches:   len(res.Trades),
	})

	// Settlement failed mid-match: the order was admitted and earlier trades
	// stand, so the ack goes out along with the failure.
	if err != nil {
		c.sendOrderError(orderErrorMessage(err))
	}
}

func orderErrorMessage(err error) string {
	var verr *engine.ValidationError
	var serr *engine.SettlementError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "Insufficient balance for buy order"
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		return "Insufficient holdings for sell order"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "Account not found"
	case errors.As(err, &serr):
		return "Trade settlement failed; matching stopped"
	default:
		return "Failed to place order"
	}
}

// writePump owns writes: queued payloads plus keepalive pings.
func (c *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
