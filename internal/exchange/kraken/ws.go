package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"infinity-grid/internal/core"
	"infinity-grid/internal/exchange"
)

const (
	wsReadTimeout      = 60 * time.Second
	wsPingInterval     = 20 * time.Second
	wsReconnectMin     = time.Second
	wsReconnectMax     = time.Minute
	wsWriteTimeout     = 5 * time.Second
	wsSubscribeTimeout = 10 * time.Second
)

// TickerFeed streams last-price updates over the public websocket. Run keeps
// the subscription alive across disconnects, surfacing connectivity changes on
// the Conn channel.
type TickerFeed struct {
	wsURL  string
	client *Client
	ticks  chan core.PriceTick
	conn   chan exchange.ConnState
	seq    uint64
}

func NewTickerFeed(wsURL string, client *Client) *TickerFeed {
	return &TickerFeed{
		wsURL:  wsURL,
		client: client,
		ticks:  make(chan core.PriceTick, 16),
		conn:   make(chan exchange.ConnState, 4),
	}
}

func (f *TickerFeed) Ticks() <-chan core.PriceTick    { return f.ticks }
func (f *TickerFeed) Conn() <-chan exchange.ConnState { return f.conn }

func (f *TickerFeed) Run(ctx context.Context) error {
	return runFeedLoop(ctx, "ticker", f.conn, func(ctx context.Context) error {
		return f.session(ctx)
	})
}

func (f *TickerFeed) session(ctx context.Context) error {
	symbol, err := f.client.WSPairName(ctx)
	if err != nil {
		return err
	}
	conn, err := dialWS(ctx, f.wsURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := wsSubscribe{
		Method: "subscribe",
		Params: wsTickerParams{Channel: "ticker", Symbol: []string{symbol}},
	}
	if err := writeWSJSON(conn, sub); err != nil {
		return err
	}
	return readWSLoop(ctx, conn, func(msg wsMessage) error {
		if msg.Channel != "ticker" || len(msg.Data) == 0 {
			return nil
		}
		var data []wsTickerData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil
		}
		for _, t := range data {
			price, err := decimal.NewFromString(t.Last.String())
			if err != nil || price.Cmp(decimal.Zero) <= 0 {
				continue
			}
			tick := core.PriceTick{Price: price, Seq: atomic.AddUint64(&f.seq, 1)}
			select {
			case f.ticks <- tick:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Consumer coalesces to latest-wins anyway; dropping
				// under backpressure loses nothing.
			}
		}
		return nil
	})
}

// ExecutionFeed streams this account's order lifecycle events over the
// authenticated websocket. Every (re)connect fetches a fresh token.
type ExecutionFeed struct {
	wsURL   string
	client  *Client
	userRef int64
	events  chan core.ExecutionEvent
	conn    chan exchange.ConnState
}

func NewExecutionFeed(wsURL string, client *Client, userRef int64) *ExecutionFeed {
	return &ExecutionFeed{
		wsURL:   wsURL,
		client:  client,
		userRef: userRef,
		events:  make(chan core.ExecutionEvent, 64),
		conn:    make(chan exchange.ConnState, 4),
	}
}

func (f *ExecutionFeed) Events() <-chan core.ExecutionEvent { return f.events }
func (f *ExecutionFeed) Conn() <-chan exchange.ConnState    { return f.conn }

func (f *ExecutionFeed) Run(ctx context.Context) error {
	return runFeedLoop(ctx, "executions", f.conn, func(ctx context.Context) error {
		return f.session(ctx)
	})
}

func (f *ExecutionFeed) session(ctx context.Context) error {
	tokenCtx, cancel := context.WithTimeout(ctx, wsSubscribeTimeout)
	token, err := f.client.WebSocketToken(tokenCtx)
	cancel()
	if err != nil {
		return err
	}
	conn, err := dialWS(ctx, f.wsURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := wsSubscribe{
		Method: "subscribe",
		Params: wsExecutionsParams{Channel: "executions", Token: token, SnapOrders: true},
	}
	if err := writeWSJSON(conn, sub); err != nil {
		return err
	}
	return readWSLoop(ctx, conn, func(msg wsMessage) error {
		if msg.Channel != "executions" || len(msg.Data) == 0 {
			return nil
		}
		var data []wsExecutionData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil
		}
		for _, raw := range data {
			if raw.UserRef != 0 && raw.UserRef != f.userRef {
				continue
			}
			ev, ok := mapExecution(raw)
			if !ok {
				continue
			}
			select {
			case f.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

func mapExecution(raw wsExecutionData) (core.ExecutionEvent, bool) {
	ev := core.ExecutionEvent{
		OrderID:  raw.OrderID,
		ClientID: raw.ClientID,
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	switch raw.ExecType {
	case "new", "pending_new":
		ev.Kind = core.ExecAck
	case "trade", "filled":
		ev.Kind = core.ExecFill
		qty, err := decimal.NewFromString(raw.LastQty.String())
		if err != nil || qty.Cmp(decimal.Zero) <= 0 {
			return ev, false
		}
		ev.FilledDelta = qty
		if price, err := decimal.NewFromString(raw.LastPrice.String()); err == nil {
			ev.Price = price
		}
	case "canceled", "expired":
		ev.Kind = core.ExecCancel
	case "rejected":
		ev.Kind = core.ExecReject
	default:
		return ev, false
	}
	return ev, true
}

// runFeedLoop is the shared reconnect loop: run one session until it fails,
// signal ConnLost, back off exponentially, and signal ConnRestored once the
// next session is up.
func runFeedLoop(ctx context.Context, name string, connCh chan exchange.ConnState, session func(context.Context) error) error {
	backoff := wsReconnectMin
	lost := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		if lost {
			notifyConn(connCh, exchange.ConnRestored)
			lost = false
		}
		err := session(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if !lost {
			notifyConn(connCh, exchange.ConnLost)
			lost = true
		}
		// A session that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = wsReconnectMin
		}
		log.Printf("level=WARN event=ws_reconnect feed=%q backoff_ms=%d err=%q",
			name, backoff.Milliseconds(), errString(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

func notifyConn(ch chan exchange.ConnState, state exchange.ConnState) {
	select {
	case ch <- state:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

func dialWS(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func writeWSJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

// readWSLoop pumps messages into handle until the connection breaks. It keeps
// the read deadline fresh and answers server pings implicitly via gorilla's
// default handler; a client-side ping loop guards idle channels.
func readWSLoop(ctx context.Context, conn *websocket.Conn, handle func(wsMessage) error) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Success != nil && !*msg.Success {
			log.Printf("level=WARN event=ws_request_failed method=%q err=%q", msg.Method, msg.Error)
			continue
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}
