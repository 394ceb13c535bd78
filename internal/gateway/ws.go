package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Farkhat1984/sanbao-sub000/internal/stream"
)

// WebSocket frame types sent by the client.
const (
	frameChat  = "chat"
	frameAbort = "abort"
)

// Frame types sent by the server outside the event stream.
const (
	frameDone = "done"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsWriteWait  = 10 * time.Second
)

// clientFrame is one client message. A chat frame carries the same body as
// POST /api/chat under "request".
type clientFrame struct {
	Type    string          `json:"type"`
	Request json.RawMessage `json:"request,omitempty"`
}

// doneFrame closes one chat exchange on a connection.
type doneFrame struct {
	Type      string `json:"type"`
	Aborted   bool   `json:"aborted,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// wsConn serializes writes to one connection. Event frames go through
// lockedSink, which takes the same lock.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// lockedSink holds the connection write lock around each event.
type lockedSink struct {
	c    *wsConn
	sink *stream.WebSocketSink
}

func (s lockedSink) Emit(ctx context.Context, e stream.Event) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.sink.Emit(ctx, e)
}

// handleChatWS serves chat over a WebSocket. One chat runs at a time; a chat
// frame sent while another is running gets an error frame. An abort frame
// cancels the running chat. Each exchange ends with a done frame.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxRequestBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := &wsConn{conn: conn}
	chats := make(chan wsRun, 1)

	// busy covers a chat from the moment its frame is accepted until its
	// done frame, so an abort during setup still reaches it.
	var runMu sync.Mutex
	var cancelRun context.CancelFunc
	busy := false
	abort := func() {
		runMu.Lock()
		if cancelRun != nil {
			cancelRun()
		}
		runMu.Unlock()
	}
	accept := func(raw json.RawMessage) bool {
		runMu.Lock()
		defer runMu.Unlock()
		if busy {
			return false
		}
		runCtx, stop := context.WithCancel(ctx)
		busy, cancelRun = true, stop
		chats <- wsRun{ctx: runCtx, stop: stop, raw: raw}
		return true
	}
	release := func() {
		runMu.Lock()
		busy, cancelRun = false, nil
		runMu.Unlock()
	}

	go func() {
		defer cancel()
		defer close(chats)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				abort()
				return
			}
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.sendError(wc, "invalid frame: "+err.Error())
				continue
			}
			switch frame.Type {
			case frameAbort:
				abort()
			case frameChat:
				if !accept(frame.Request) {
					s.sendError(wc, errChatBusy)
				}
			default:
				s.sendError(wc, "unknown frame type: "+frame.Type)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wc.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for run := range chats {
		done, rejected := s.runWS(run, wc, identity)
		release()
		run.stop()

		if ctx.Err() != nil {
			return
		}
		if rejected != "" {
			s.sendError(wc, rejected)
			continue
		}
		if err := wc.writeJSON(done); err != nil {
			return
		}
	}
}

// wsRun is one accepted chat frame.
type wsRun struct {
	ctx  context.Context
	stop context.CancelFunc
	raw  json.RawMessage
}

const errChatBusy = "a chat is already running on this connection"

// runWS executes one accepted chat. A rejected request returns the message
// for its error frame instead of a done frame.
func (s *Server) runWS(run wsRun, wc *wsConn, identity Identity) (done doneFrame, rejected string) {
	aborted := doneFrame{Type: frameDone, Aborted: true}
	if run.ctx.Err() != nil {
		return aborted, ""
	}
	sess, err := s.openSession(run.ctx, run.raw, identity)
	if err != nil {
		if run.ctx.Err() != nil {
			return aborted, ""
		}
		return doneFrame{}, requestErrorMessage(err)
	}
	res := s.stream(run.ctx, sess, lockedSink{c: wc, sink: stream.NewWebSocketSink(wc.conn, s.cfg.Metrics)})
	return doneFrame{Type: frameDone, Aborted: res.Aborted, Truncated: res.Truncated}, ""
}

func (s *Server) openSession(ctx context.Context, raw json.RawMessage, identity Identity) (*chatSession, error) {
	if len(raw) == 0 {
		return nil, badRequest("chat frame has no request")
	}
	req, err := decodeChatRequest(raw)
	if err != nil {
		return nil, err
	}
	return s.prepare(ctx, req, identity)
}

// sendError writes a standalone error event frame.
func (s *Server) sendError(c *wsConn, message string) {
	payload, err := stream.MarshalEvent(stream.ErrorEvent{Message: message})
	if err != nil {
		return
	}
	if err := c.writeJSON(json.RawMessage(payload)); err != nil {
		s.logger.Debug("websocket error frame not delivered", "error", err)
	}
}

func requestErrorMessage(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Message
	}
	return "internal server error"
}
