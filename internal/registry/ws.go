package registry

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"notifyd/pkg/logx"
)

// HandshakeParam is the query parameter carrying the token.
const HandshakeParam = "authorization"

// HandshakeFromRequest extracts token material from the query string or an
// Authorization header.
func HandshakeFromRequest(r *http.Request) Handshake {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		tok := h
		if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
			tok = strings.TrimSpace(h[7:])
		}
		return Handshake{Provided: true, Token: tok}
	}
	if r.URL == nil {
		return Handshake{}
	}
	q, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return Handshake{}
	}
	vals, ok := q[HandshakeParam]
	if !ok {
		return Handshake{}
	}
	tok := ""
	if len(vals) > 0 {
		tok = strings.TrimSpace(vals[0])
	}
	return Handshake{Provided: true, Token: tok}
}

// Handler upgrades requests on the gateway path and runs the connection until
// it closes.
func (r *Registry) Handler() http.Handler {
	up := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != r.cfg.Path {
			http.NotFound(w, req)
			return
		}
		hs := HandshakeFromRequest(req)
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			r.log.Debug("upgrade failed", logx.Err(err))
			return
		}
		t := newWSTransport(ws, r.cfg)
		go t.writeLoop()

		c, err := r.Authenticate(req.Context(), hs, t)
		if err != nil {
			return
		}
		ws.SetPongHandler(func(string) error {
			c.MarkAlive()
			return nil
		})
		t.readLoop()
		r.remove(c, "closed")
		t.Terminate()
	})
}

func (r *Registry) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range r.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type wsTransport struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	writeWait time.Duration
	closeOnce sync.Once
}

func newWSTransport(ws *websocket.Conn, cfg Config) *wsTransport {
	ws.SetReadLimit(cfg.MaxMessageBytes)
	return &wsTransport{
		ws:        ws,
		send:      make(chan []byte, cfg.SendBuffer),
		done:      make(chan struct{}),
		writeWait: cfg.WriteWait,
	}
}

func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrConnClosed
	default:
	}
	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return ErrConnClosed
	default:
		return ErrBufferFull
	}
}

func (t *wsTransport) Ping() error {
	select {
	case <-t.done:
		return ErrConnClosed
	default:
	}
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

// Close writes the close frame and drops the socket. Frames still queued
// are discarded.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		err = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(t.writeWait))
		close(t.done)
		_ = t.ws.Close()
	})
	return err
}

func (t *wsTransport) Terminate() {
	t.closeOnce.Do(func() { close(t.done) })
	_ = t.ws.Close()
}

func (t *wsTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.send:
			_ = t.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := t.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.Terminate()
				return
			}
		}
	}
}

// readLoop consumes inbound frames so control frames (pong, close) are
// processed. Receivers do not send application data.
func (t *wsTransport) readLoop() {
	for {
		if _, _, err := t.ws.ReadMessage(); err != nil {
			return
		}
	}
}
