package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
)

// connTable maps sids to live connections under its own small lock; the
// registry lock never wraps conn I/O.
type connTable struct {
	mu sync.RWMutex
	m  map[string]*conn
}

func newConnTable() *connTable {
	return &connTable{m: make(map[string]*conn)}
}

func (t *connTable) put(sid string, c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[sid] = c
}

func (t *connTable) get(sid string) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[sid]
}

// drop signals the connection's teardown. The send channel is never
// closed: emitters hold a *conn fetched before the table lock was taken,
// so a close here could race a queue attempt into a panic. Closing done
// instead turns any late queue attempt into a no-op.
func (t *connTable) drop(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.m[sid]; ok {
		close(c.done)
		delete(t.m, sid)
	}
}

type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	sid  string
	send chan []byte
	done chan struct{}
}

func newConn(h *Hub, ws *websocket.Conn, sid string, buffer int) *conn {
	return &conn{
		hub:  h,
		ws:   ws,
		sid:  sid,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// clientMessage is the envelope clients send. Routine transport pings are
// not application messages and never reach this decoder.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// writePump serializes all writes to the socket: queued events and
// transport pings.
func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the connection dies. The pong
// handler extends the read deadline; a silent connection times out after
// PongTimeout and falls into disconnect cleanup.
func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.ToSession(ctx, c.sid, cvehub.EventError, map[string]any{"detail": "bad message"})
			continue
		}
		c.handle(ctx, &msg)
	}
}

func (c *conn) handle(ctx context.Context, msg *clientMessage) {
	h := c.hub
	switch msg.Type {
	case "ping":
		h.ToSession(ctx, c.sid, cvehub.EventPong, nil)

	case cvehub.EventSubscribeCVE:
		var req struct {
			CVEID     string `json:"cve_id"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.CVEID == "" {
			h.ToSession(ctx, c.sid, cvehub.EventError, map[string]any{"detail": "subscribe_cve requires cve_id"})
			return
		}
		id, _ := cvehub.NormalizeCVEID(req.CVEID)
		subs, ok := h.reg.Subscribe(c.sid, id)
		if !ok {
			return
		}
		h.ToSession(ctx, c.sid, cvehub.EventSubscriptionStatus, map[string]any{
			"cve_id":           id,
			"subscribed":       true,
			"subscriber_count": len(subs),
			"subscribers":      subs,
		})
		h.ToCVESubscribers(ctx, id, cvehub.EventSubscribersUpdated, map[string]any{
			"cve_id":      id,
			"subscribers": subs,
		})

	case cvehub.EventUnsubscribeCVE:
		var req struct {
			CVEID string `json:"cve_id"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.CVEID == "" {
			h.ToSession(ctx, c.sid, cvehub.EventError, map[string]any{"detail": "unsubscribe_cve requires cve_id"})
			return
		}
		id, _ := cvehub.NormalizeCVEID(req.CVEID)
		subs, ok := h.reg.Unsubscribe(c.sid, id)
		if !ok {
			return
		}
		h.ToSession(ctx, c.sid, cvehub.EventSubscriptionStatus, map[string]any{
			"cve_id":           id,
			"subscribed":       false,
			"subscriber_count": len(subs),
			"subscribers":      subs,
		})
		h.ToCVESubscribers(ctx, id, cvehub.EventSubscribersUpdated, map[string]any{
			"cve_id":      id,
			"subscribers": subs,
		})

	case "session_info":
		// The client reports its logical session id; stale tabs sharing it
		// are dropped.
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.SessionID == "" {
			h.ToSession(ctx, c.sid, cvehub.EventError, map[string]any{"detail": "session_info requires session_id"})
			return
		}
		removed := h.reg.CleanupSession(req.SessionID, c.sid)
		for _, sid := range removed {
			h.conns.drop(sid)
		}
		h.ToSession(ctx, c.sid, cvehub.EventSessionInfoAck, map[string]any{
			"session_id":      req.SessionID,
			"cleaned_up_tabs": len(removed),
		})

	default:
		zlog.Debug(ctx).Str("type", msg.Type).Msg("unhandled client message")
	}
}
