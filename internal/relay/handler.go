package relay

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"keyrelay/internal/admission"
	"keyrelay/internal/ratelimit"
	"keyrelay/pkg/interfaces"
	"keyrelay/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Payloads are end-to-end encrypted and the member token is the
		// credential, so browser origin is not part of the trust model.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Options holds per-connection relay policy.
type Options struct {
	SizeLimit    int           // max serialized frame size in bytes
	SendBuffer   int           // outbound frames buffered per connection
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handler drives the lifecycle of one websocket connection: authenticate
// the member token, admit the origin, register, relay frames, tear down.
type Handler struct {
	store         interfaces.DirectoryStore
	registry      *Registry
	dispatcher    *Dispatcher
	memberLimiter *ratelimit.Limiter
	originLimiter *ratelimit.Limiter
	admission     *admission.Controller
	opts          Options
	log           *logrus.Entry
}

// NewHandler creates a websocket handler with its policy dependencies.
func NewHandler(store interfaces.DirectoryStore, registry *Registry, dispatcher *Dispatcher,
	memberLimiter, originLimiter *ratelimit.Limiter, admissionCtrl *admission.Controller, opts Options) *Handler {
	return &Handler{
		store:         store,
		registry:      registry,
		dispatcher:    dispatcher,
		memberLimiter: memberLimiter,
		originLimiter: originLimiter,
		admission:     admissionCtrl,
		opts:          opts,
		log:           logrus.WithField("component", "relay"),
	}
}

// HandleWebSocket validates the connection request, admits it and hands it
// to the receive loop. Auth and admission failures are rejected before the
// upgrade, so a refused client sees a failed handshake with the matching
// HTTP status instead of a short-lived socket.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	token := r.URL.Query().Get("member_token")
	if roomID == "" || token == "" {
		http.Error(w, "Missing required query parameters: room_id, member_token", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			http.Error(w, "Room not found", http.StatusNotFound)
		} else {
			http.Error(w, "Room lookup failed", http.StatusInternalServerError)
		}
		return
	}

	memberID, err := h.store.LookupMemberByToken(r.Context(), roomID, token)
	if err != nil {
		if errors.Is(err, interfaces.ErrTokenNotFound) {
			http.Error(w, "Invalid member token", http.StatusUnauthorized)
		} else {
			http.Error(w, "Token lookup failed", http.StatusInternalServerError)
		}
		return
	}

	origin := originFromRequest(r)
	if !h.admission.TryAdmit(origin) {
		http.Error(w, "Too many connections from this address", http.StatusTooManyRequests)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own HTTP error; the reserved slot must not leak.
		h.admission.Release(origin)
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	if err := h.store.TouchActivity(r.Context(), roomID); err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Debug("activity touch failed")
	}

	conn := NewConnection(wsConn, roomID, memberID, origin, h.opts.SendBuffer, h.opts.WriteTimeout)

	// Last writer wins: a re-join from the same member displaces the old
	// connection, which is closed rather than left to idle out.
	if prev := h.registry.Put(conn); prev != nil {
		go func() { _ = prev.Close() }()
	}

	h.log.WithFields(logrus.Fields{
		"room_id":   roomID,
		"member_id": memberID,
		"origin":    origin,
	}).Info("connection established")

	go h.readLoop(conn)
}

// readLoop relays inbound frames until the transport drops. Teardown runs
// exactly once regardless of how the loop exits.
func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.registry.Remove(conn.RoomID(), conn.MemberID(), conn)
		h.admission.Release(conn.Origin())
		_ = conn.Close()
		h.log.WithFields(logrus.Fields{
			"room_id":   conn.RoomID(),
			"member_id": conn.MemberID(),
		}).Info("connection closed")
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Context().Done():
				return
			}
		}
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Debug("read error")
			}
			return
		}

		h.relayFrame(conn, data)
	}
}

// relayFrame applies per-frame policy and dispatches. Every rejection here
// is a silent drop: the connection stays open and the sender is not told.
func (h *Handler) relayFrame(conn *Connection, data []byte) {
	if len(data) > h.opts.SizeLimit {
		return
	}

	now := time.Now()
	if !h.memberLimiter.Allow(conn.MemberID(), now) {
		return
	}
	if !h.originLimiter.Allow(conn.Origin(), now) {
		return
	}

	if err := h.store.TouchActivity(conn.Context(), conn.RoomID()); err != nil {
		h.log.WithError(err).WithField("room_id", conn.RoomID()).Debug("activity touch failed")
	}

	var env types.FrameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case types.FrameTypePrivate:
		if env.To != "" {
			h.dispatcher.SendPrivate(conn.RoomID(), env.To, data)
		}
	case types.FrameTypeGroup, types.FrameTypeJoinNotification:
		h.dispatcher.Broadcast(conn.RoomID(), data)
	default:
		// Unknown types are ignored, not errors.
	}
}

// originFromRequest attributes the connection to a network address: the
// proxy-supplied header when present, else the remote host.
func originFromRequest(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
