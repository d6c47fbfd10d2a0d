package realtime

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CloseInvalidToken   ws.StatusCode = 4001
	CloseInvalidFilters ws.StatusCode = 4002

	writeTimeout = 10 * time.Second
)

// TokenVerifier resolves a connect token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// wsSender serialises writes to one server side WebSocket.
type wsSender struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteServerText(s.conn, data)
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(s.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	return s.conn.Close()
}

// Handler upgrades GET /ws/connect?token=..&filters=.. and serves the
// connection until the client leaves or the manager drops it.
type Handler struct {
	mgr    *Manager
	verify TokenVerifier
	log    *zap.Logger
}

func NewHandler(mgr *Manager, verify TokenVerifier) *Handler {
	return &Handler{mgr: mgr, verify: verify, log: mgr.log.Named("ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	token, rawFilters := q.Get("token"), q.Get("filters")

	conn, _, _, err := ws.UpgradeHTTP(req, w)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	userID, err := h.verify.Verify(token)
	if err != nil {
		rejectConn(conn, CloseInvalidToken, "Invalid token")
		return
	}
	filters, err := ParseFilters(rawFilters)
	if err != nil {
		rejectConn(conn, CloseInvalidFilters, "Invalid filters format")
		return
	}

	connID := uuid.NewString()
	ctx := context.WithoutCancel(req.Context())
	c, err := h.mgr.Connect(ctx, &wsSender{conn: conn}, userID, connID, filters)
	if err != nil {
		h.log.Warn("connect failed", zap.String("user_id", userID), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer h.mgr.Disconnect(userID, connID)

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			h.log.Debug("client gone",
				zap.String("user_id", userID),
				zap.String("connection_id", connID),
				zap.Error(err))
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		h.mgr.HandleClientMessage(ctx, c, data)
	}
}

func rejectConn(conn net.Conn, code ws.StatusCode, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	_ = conn.Close()
}
