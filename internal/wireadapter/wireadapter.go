// Package wireadapter implements a WebSocket protocol adapter over the
// Agent Handle façade (component I): each connection speaks a small
// JSON frame protocol — connect, then one req/res pair per façade
// method — and may additionally subscribe to a session's live event
// stream. It holds no session-execution logic of its own; every method
// call is a 1:1 forward onto agenthandle.Handle, per §6's description
// of protocol adapters mapping onto the façade.
package wireadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quorumrun/nexus/internal/agenthandle"
	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

const (
	maxPayloadBytes = 1 << 20
	tickInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
)

// Frame is the wire shape every message takes, request or response,
// in either direction.
type Frame struct {
	Type   string          `json:"type"` // "req" | "res" | "event"
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

// FrameError is the error shape carried on a failed response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Adapter upgrades HTTP connections to WebSocket and drives
// agenthandle.Handle on behalf of each one.
type Adapter struct {
	handle   *agenthandle.Handle
	fanout   *journal.Fanout
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New builds an Adapter. fanout may be nil: a nil fanout disables the
// "session.subscribe" live-event method but every request/response
// method still works.
func New(handle *agenthandle.Handle, fanout *journal.Fanout, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		handle: handle,
		fanout: fanout,
		log:    log.With("component", "wireadapter"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its read/write loops until
// it disconnects.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &connSession{
		adapter: a,
		conn:    conn,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
	}
	c.run()
}

type connSession struct {
	adapter *Adapter
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	id      string

	identity *model.Identity

	mu   sync.Mutex
	subs []*journal.Subscription
}

func (c *connSession) run() {
	defer c.close()
	go c.pingLoop()
	go c.writeLoop()
	c.readLoop()
}

func (c *connSession) close() {
	c.cancel()
	c.mu.Lock()
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.mu.Unlock()
	close(c.send)
	_ = c.conn.Close()
}

func (c *connSession) pingLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *connSession) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *connSession) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		c.dispatch(&frame)
	}
}

func (c *connSession) sendResult(id string, result any) {
	ok := true
	b, err := json.Marshal(Frame{Type: "res", ID: id, OK: &ok, Result: result})
	if err != nil {
		c.adapter.log.Error("wireadapter: marshaling result", "err", err)
		return
	}
	select {
	case c.send <- b:
	case <-c.ctx.Done():
	}
}

func (c *connSession) sendError(id, code, message string) {
	ok := false
	b, err := json.Marshal(Frame{Type: "res", ID: id, OK: &ok, Error: &FrameError{Code: code, Message: message}})
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.ctx.Done():
	}
}

func (c *connSession) sendEvent(name string, payload any) {
	b, err := json.Marshal(Frame{Type: "event", Event: name, Result: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.ctx.Done():
	}
}

var errUnknownMethod = errors.New("wireadapter: unknown method")

func (c *connSession) dispatch(frame *Frame) {
	result, err := c.call(frame.Method, frame.Params)
	if err != nil {
		if errors.Is(err, errUnknownMethod) {
			c.sendError(frame.ID, "unknown_method", err.Error())
			return
		}
		c.sendError(frame.ID, "call_failed", err.Error())
		return
	}
	c.sendResult(frame.ID, result)
}

func (c *connSession) call(method string, params json.RawMessage) (any, error) {
	h := c.adapter.handle
	switch method {
	case "initialize":
		return h.Initialize(c.ctx)

	case "authenticate":
		var req agenthandle.AuthenticateRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		id, err := h.Authenticate(c.ctx, req)
		if err != nil {
			return nil, err
		}
		c.identity = id
		return id, nil

	case "new_session":
		var req agenthandle.NewSessionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return h.NewSession(c.ctx, req)

	case "prompt":
		var req struct {
			SessionID string `json:"session_id"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return h.Prompt(c.ctx, req.SessionID, req.Text)

	case "cancel":
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return map[string]bool{"cancelled": h.Cancel(req.SessionID)}, nil

	case "load_session":
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return h.LoadSession(c.ctx, req.SessionID)

	case "resume_session":
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return h.ResumeSession(c.ctx, req.SessionID)

	case "fork_session":
		var req agenthandle.ForkSessionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return h.ForkSession(c.ctx, req)

	case "list_sessions":
		var req struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return h.ListSessions(c.ctx, contract.ListSessionsOptions{Limit: req.Limit, Offset: req.Offset})

	case "set_session_model":
		var req struct {
			SessionID string `json:"session_id"`
			Provider  string `json:"provider"`
			Model     string `json:"model"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		if err := h.SetSessionModel(c.ctx, req.SessionID, req.Provider, req.Model); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "session.subscribe":
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("wireadapter: decoding params: %w", err)
		}
		return c.subscribe(req.SessionID)

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownMethod, method)
	}
}

func (c *connSession) subscribe(sessionID string) (any, error) {
	if c.adapter.fanout == nil {
		return nil, fmt.Errorf("wireadapter: live subscriptions are disabled")
	}
	sub := c.adapter.fanout.Subscribe()
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case d, ok := <-sub.C():
				if !ok {
					return
				}
				if d.Lagged != nil {
					c.sendEvent("lagged", d.Lagged)
					continue
				}
				if d.Event != nil && d.Event.SessionID == sessionID {
					c.sendEvent(string(d.Event.Kind), d.Event)
				}
			}
		}
	}()
	return map[string]bool{"subscribed": true}, nil
}
