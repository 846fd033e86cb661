package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/wire"
)

const (
	pushBuffer       = 64
	pushWriteTimeout = 10 * time.Second
)

type pushConn struct {
	events chan wire.InboxMessage
}

// pushHub tracks live websocket connections per identity. An identity may
// hold several connections; every live one receives each event.
type pushHub struct {
	mu       sync.RWMutex
	conns    map[string]map[*pushConn]struct{}
	shutdown chan struct{}
	closed   bool
}

func newPushHub() *pushHub {
	return &pushHub{
		conns:    make(map[string]map[*pushConn]struct{}),
		shutdown: make(chan struct{}),
	}
}

func (h *pushHub) register(identity string) *pushConn {
	c := &pushConn{events: make(chan wire.InboxMessage, pushBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[identity] == nil {
		h.conns[identity] = make(map[*pushConn]struct{})
	}
	h.conns[identity][c] = struct{}{}
	return c
}

func (h *pushHub) unregister(identity string, c *pushConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[identity], c)
	if len(h.conns[identity]) == 0 {
		delete(h.conns, identity)
	}
}

// notify fans an event out to the identity's live connections. A full buffer
// drops the push; the queued copy is authoritative and the client's next poll
// picks it up.
func (h *pushHub) notify(identity string, msg wire.InboxMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[identity] {
		select {
		case c.events <- msg:
		default:
		}
	}
}

func (h *pushHub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

func (h *pushHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.shutdown)
	}
}

// handlePush upgrades to a websocket, flushes the identity's queued
// undelivered messages, then streams new arrivals. Push delivery never
// tombstones: a message is only marked delivered by an inbox fetch, so a torn
// connection can at worst duplicate, never lose.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	authed, ok := authenticateGET(r)
	if !ok || authed != identity {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "relay",
			"error":   err,
		}).Warn("websocket accept failed")
		return
	}
	defer ws.CloseNow()

	conn := s.hub.register(identity)
	defer s.hub.unregister(identity, conn)

	ctx := r.Context()

	// Flush everything still queued before streaming live events.
	backlog, err := s.queue.Undelivered(ctx, identity)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "storage failure")
		return
	}
	for _, msg := range backlog {
		if err := writePush(ctx, ws, msg); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.shutdown:
			ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case msg := <-conn.events:
			if err := writePush(ctx, ws, msg); err != nil {
				return
			}
		}
	}
}

func writePush(ctx context.Context, ws *websocket.Conn, msg wire.InboxMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
