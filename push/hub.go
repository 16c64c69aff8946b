package push

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
)

// Emitter is the push surface consumed by the engine, the crawlers, and
// the notification engine. Every method is fire-and-forget: failures are
// logged and never affect the caller's write path.
type Emitter interface {
	ToSession(ctx context.Context, sid, event string, data any)
	ToUser(ctx context.Context, username, event string, data any)
	ToCVESubscribers(ctx context.Context, cveID, event string, data any)
	Broadcast(ctx context.Context, event string, data any)
}

// AuthFunc resolves a bearer token into a username. An error means the
// connection proceeds unauthenticated.
type AuthFunc func(ctx context.Context, token string) (string, error)

// HubOpts configures a Hub.
type HubOpts struct {
	Auth AuthFunc
	// PingInterval defaults to 25s, PongTimeout to 60s.
	PingInterval time.Duration
	PongTimeout  time.Duration
	// SendBuffer is the per-connection outbound queue (default 64).
	SendBuffer int
}

// Hub upgrades WebSocket connections, tracks them in a Registry, and
// implements Emitter over them.
type Hub struct {
	reg  *Registry
	opts HubOpts

	upgrader websocket.Upgrader

	// conns is guarded by the registry mutex discipline: all access goes
	// through Registry-snapshot sids, the map itself through hub calls on
	// the registry lock. To keep the locking single, conns lives in the
	// registry's shadow via register/unregister below.
	conns *connTable
}

var _ Emitter = (*Hub)(nil)

// NewHub returns a Hub over the given registry.
func NewHub(reg *Registry, opts HubOpts) *Hub {
	if opts.PingInterval == 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout == 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.SendBuffer == 0 {
		opts.SendBuffer = 64
	}
	return &Hub{
		reg:  reg,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// CORS is enforced by the HTTP layer; the upgrade accepts any
			// origin that got that far.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: newConnTable(),
	}
}

// Registry exposes the underlying registry for status endpoints.
func (h *Hub) Registry() *Registry { return h.reg }

// ServeHTTP implements the WebSocket endpoint: authenticate, register,
// handshake, then pump.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "push/Hub.ServeHTTP")

	var username string
	if tok := bearerToken(r); tok != "" && h.opts.Auth != nil {
		u, err := h.opts.Auth(ctx, tok)
		if err != nil {
			zlog.Debug(ctx).Err(err).Msg("socket auth failed, continuing unauthenticated")
		} else {
			username = u
		}
	}
	sessionID := r.URL.Query().Get("session_id")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("websocket upgrade failed")
		return
	}

	sid := uuid.New().String()
	c := newConn(h, ws, sid, h.opts.SendBuffer)
	h.reg.Register(sid, username, sessionID, time.Now().UTC())
	h.conns.put(sid, c)

	ctx = zlog.ContextWithValues(ctx, "sid", sid, "user", username)
	zlog.Debug(ctx).Msg("socket connected")

	h.ToSession(ctx, sid, cvehub.EventConnected, map[string]any{
		"authenticated": username != "",
		"username":      username,
		"session_id":    sessionID,
		"serverTime":    cvehub.ISO8601(time.Now()),
	})

	go c.writePump(ctx)
	c.readPump(ctx) // blocks until disconnect

	h.disconnect(ctx, sid)
}

// disconnect tears one connection down and tells remaining subscribers
// about subscriber-set changes.
func (h *Hub) disconnect(ctx context.Context, sid string) {
	h.conns.drop(sid)
	dropped := h.reg.Remove(sid)
	for _, cve := range dropped {
		h.ToCVESubscribers(ctx, cve, cvehub.EventSubscribersUpdated, map[string]any{
			"cve_id":      cve,
			"subscribers": h.reg.Subscribers(cve),
		})
	}
	zlog.Debug(zlog.ContextWithValues(ctx, "sid", sid)).Msg("socket disconnected")
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	if a := r.Header.Get("Authorization"); len(a) > len(prefix) && a[:len(prefix)] == prefix {
		return a[len(prefix):]
	}
	return ""
}

// ToSession implements Emitter.
func (h *Hub) ToSession(ctx context.Context, sid, event string, data any) {
	b, err := encodeEvent(ctx, event, data)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	h.send(ctx, b, sid)
}

// ToUser implements Emitter: one delivery per connection the user holds.
func (h *Hub) ToUser(ctx context.Context, username, event string, data any) {
	b, err := encodeEvent(ctx, event, data)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	h.send(ctx, b, h.reg.UserSIDs(username)...)
}

// ToCVESubscribers implements Emitter. Each subscriber's sessions get one
// delivery each; the sid set is deduplicated so no session sees the event
// twice for one mutation.
func (h *Hub) ToCVESubscribers(ctx context.Context, cveID, event string, data any) {
	b, err := encodeEvent(ctx, event, data)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	seen := make(map[string]struct{})
	var sids []string
	for _, u := range h.reg.Subscribers(cveID) {
		for _, sid := range h.reg.UserSIDs(u) {
			if _, ok := seen[sid]; ok {
				continue
			}
			seen[sid] = struct{}{}
			sids = append(sids, sid)
		}
	}
	h.send(ctx, b, sids...)
}

// Broadcast implements Emitter.
func (h *Hub) Broadcast(ctx context.Context, event string, data any) {
	b, err := encodeEvent(ctx, event, data)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	h.send(ctx, b, h.reg.AllSIDs()...)
}

// send queues a pre-encoded frame on each connection. A full queue drops
// the frame for that connection; order within one connection is the
// submission order.
func (h *Hub) send(ctx context.Context, frame []byte, sids ...string) {
	for _, sid := range sids {
		c := h.conns.get(sid)
		if c == nil {
			continue
		}
		select {
		case <-c.done:
			// Torn down between the table lookup and here.
		case c.send <- frame:
		default:
			zlog.Warn(ctx).Str("sid", sid).Msg("send queue full, dropping event")
		}
	}
}
